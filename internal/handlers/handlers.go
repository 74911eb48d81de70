package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"autoqual/internal/browser"
	"autoqual/internal/flatfile"
	"autoqual/internal/models"
	"autoqual/internal/orchestrator"
	"autoqual/internal/pool"
	"autoqual/internal/stage"
	"autoqual/internal/store"
)

type Handler struct {
	store   *store.Store
	proxies *pool.ProxyPool
	cards   *pool.CardPool
	orch    *orchestrator.Orchestrator
	browser *browser.Client
	delim   string
}

func RegisterRoutes(api *echo.Group, st *store.Store, proxies *pool.ProxyPool,
	cards *pool.CardPool, orch *orchestrator.Orchestrator, bc *browser.Client, delim string) {

	h := &Handler{store: st, proxies: proxies, cards: cards, orch: orch, browser: bc, delim: delim}

	api.GET("/accounts", h.ListAccounts)
	api.POST("/accounts/import", h.ImportAccounts)
	api.POST("/accounts/sync-browsers", h.SyncBrowsers)
	api.GET("/accounts/counts", h.AccountCounts)
	api.DELETE("/accounts/:email", h.DeleteAccount)

	api.GET("/proxies", h.ListProxies)
	api.POST("/proxies/import", h.ImportProxies)

	api.GET("/cards", h.ListCards)
	api.POST("/cards/import", h.ImportCards)

	api.GET("/settings", h.ListSettings)
	api.PUT("/settings", h.PutSetting)
	api.GET("/logs", h.RecentLogs)

	api.POST("/tasks", h.SubmitTasks)
	api.POST("/tasks/cancel", h.CancelTasks)
	api.GET("/tasks/status", h.TaskStatus)
}

func (h *Handler) ListAccounts(c echo.Context) error {
	var statuses []models.AccountStatus
	if raw := c.QueryParam("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := models.AccountStatus(strings.TrimSpace(s))
			if !st.Valid() {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown status: " + s})
			}
			statuses = append(statuses, st)
		}
	}

	accounts, err := h.store.List(statuses...)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, accounts)
}

func (h *Handler) ImportAccounts(c echo.Context) error {
	var req struct {
		Text      string `json:"text"`
		Delimiter string `json:"delimiter"`
	}
	if err := c.Bind(&req); err != nil {
		return err
	}
	delim := req.Delimiter
	if delim == "" {
		delim = h.delim
	}

	lines, parseErrs := flatfile.ParseAccounts(strings.NewReader(req.Text), delim)
	res, err := h.store.ImportLines(lines)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	for _, pe := range parseErrs {
		res.Errors = append(res.Errors, pe.Error())
	}
	return c.JSON(http.StatusOK, res)
}

// SyncBrowsers walks the vendor browser-profile list and imports every
// profile whose remark parses as an account line, binding the profile to
// the account so stages know which window to drive.
func (h *Handler) SyncBrowsers(c echo.Context) error {
	ctx := c.Request().Context()
	const pageSize = 100

	imported, bound := 0, 0
	var errs []string
	for page := 0; ; page++ {
		profiles, total, err := h.browser.ListProfiles(ctx, page, pageSize)
		if err != nil {
			return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
		}
		for _, p := range profiles {
			if strings.TrimSpace(p.Remark) == "" {
				continue
			}
			ln, err := flatfile.ParseAccountLine(p.Remark, h.delim)
			if err != nil {
				errs = append(errs, p.ID+": "+err.Error())
				continue
			}
			res, err := h.store.ImportLines([]flatfile.AccountLine{*ln})
			if err != nil {
				errs = append(errs, ln.Email+": "+err.Error())
				continue
			}
			imported += res.Created + res.Updated
			if err := h.store.BindBrowser(ln.Email, p.ID); err != nil {
				errs = append(errs, ln.Email+": "+err.Error())
				continue
			}
			bound++
		}
		if (page+1)*pageSize >= total || len(profiles) == 0 {
			break
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"imported": imported,
		"bound":    bound,
		"errors":   errs,
	})
}

func (h *Handler) AccountCounts(c echo.Context) error {
	counts, err := h.store.Counts()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, counts)
}

func (h *Handler) DeleteAccount(c echo.Context) error {
	if err := h.store.Delete(c.Param("email")); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListProxies(c echo.Context) error {
	proxies, err := h.proxies.List()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, proxies)
}

func (h *Handler) ImportProxies(c echo.Context) error {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.Bind(&req); err != nil {
		return err
	}

	lines, parseErrs := flatfile.ParseProxies(strings.NewReader(req.Text))
	added, err := h.proxies.Add(lines)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	errs := make([]string, 0, len(parseErrs))
	for _, pe := range parseErrs {
		errs = append(errs, pe.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"added": added, "errors": errs})
}

func (h *Handler) ListCards(c echo.Context) error {
	cards, err := h.cards.List()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	// numbers stay masked on the wire
	type maskedCard struct {
		models.Card
		Number string `json:"number"`
	}
	out := make([]maskedCard, len(cards))
	for i := range cards {
		out[i] = maskedCard{Card: cards[i], Number: cards[i].Masked()}
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ImportCards(c echo.Context) error {
	var req struct {
		Text     string `json:"text"`
		MaxUsage int    `json:"max_usage"`
	}
	if err := c.Bind(&req); err != nil {
		return err
	}

	lines, parseErrs := flatfile.ParseCards(strings.NewReader(req.Text))
	added, err := h.cards.Add(lines, req.MaxUsage)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	errs := make([]string, 0, len(parseErrs))
	for _, pe := range parseErrs {
		errs = append(errs, pe.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"added": added, "errors": errs})
}

func (h *Handler) ListSettings(c echo.Context) error {
	settings, err := h.store.AllSettings()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, settings)
}

func (h *Handler) PutSetting(c echo.Context) error {
	var req struct {
		Key         string `json:"key"`
		Value       string `json:"value"`
		Description string `json:"description"`
	}
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Key == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "key is required"})
	}

	// runtime settings take effect on the next work cycle
	cfg, runtime, err := h.orch.Config().WithSetting(req.Key, req.Value)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	if err := h.store.SetSetting(req.Key, req.Value, req.Description); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if runtime {
		h.orch.UpdateConfig(cfg)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RecentLogs(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	logs, err := h.store.RecentLogs(limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, logs)
}

func (h *Handler) SubmitTasks(c echo.Context) error {
	var req struct {
		Emails []string `json:"emails"`
		Stage  string   `json:"stage"`
	}
	if err := c.Bind(&req); err != nil {
		return err
	}
	if len(req.Emails) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "no accounts given"})
	}

	res, err := h.orch.Submit(req.Emails, stage.Kind(req.Stage))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, orchestrator.ErrClosed) {
			status = http.StatusConflict
		}
		return c.JSON(status, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) CancelTasks(c echo.Context) error {
	h.orch.Cancel()
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) TaskStatus(c echo.Context) error {
	snap, err := h.orch.Status()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, snap)
}
