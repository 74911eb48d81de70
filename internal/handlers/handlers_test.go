package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoqual/internal/browser"
	"autoqual/internal/database"
	"autoqual/internal/models"
	"autoqual/internal/orchestrator"
	"autoqual/internal/pool"
	"autoqual/internal/stage"
	"autoqual/internal/store"
)

type env struct {
	e     *echo.Echo
	store *store.Store
	orch  *orchestrator.Orchestrator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWithVendor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true, "data": map[string]any{"list": []browser.Profile{}, "total": 0},
		})
	}))
}

func newEnvWithVendor(t *testing.T, vendor http.Handler) *env {
	t.Helper()
	srv := httptest.NewServer(vendor)
	t.Cleanup(srv.Close)

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	st := store.New(db, nil)
	proxies := pool.NewProxyPool(db, nil)
	cards := pool.NewCardPool(db, nil)

	execs := map[stage.Kind]stage.Executor{
		stage.KindExtractLink: stage.ExecutorFunc(func(ctx context.Context, a models.Account, res stage.Resources) stage.Outcome {
			return stage.Succeed("https://verify.example.com/x")
		}),
	}
	orch := orchestrator.New(st, proxies, cards, execs,
		orchestrator.Config{Concurrency: 1, RetryBackoff: 5 * time.Millisecond}, nil)
	orch.Start(context.Background())
	t.Cleanup(orch.Stop)

	e := echo.New()
	RegisterRoutes(e.Group("/api"), st, proxies, cards, orch, browser.NewClient(srv.URL, nil), "----")
	return &env{e: e, store: st, orch: orch}
}

func (v *env) request(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	v.e.ServeHTTP(rec, req)
	return rec
}

func TestImportThenListAccounts(t *testing.T) {
	v := newEnv(t)

	rec := v.request(t, http.MethodPost, "/api/accounts/import",
		`{"text":"alice@example.com----pw1\nbob@example.com----pw2\nbroken"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res store.ImportResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Created)
	assert.Len(t, res.Errors, 1)

	rec = v.request(t, http.MethodGet, "/api/accounts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var accounts []models.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accounts))
	require.Len(t, accounts, 2)
	assert.Equal(t, "alice@example.com", accounts[0].Email)
}

func TestListAccountsRejectsUnknownStatusFilter(t *testing.T) {
	v := newEnv(t)
	rec := v.request(t, http.MethodGet, "/api/accounts?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccountCounts(t *testing.T) {
	v := newEnv(t)
	require.NoError(t, v.store.Upsert(&models.Account{Email: "a@example.com", Password: "pw"}))

	rec := v.request(t, http.MethodGet, "/api/accounts/counts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var counts map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	assert.Equal(t, int64(1), counts["pending"])
}

func TestDeleteAccount(t *testing.T) {
	v := newEnv(t)
	require.NoError(t, v.store.Upsert(&models.Account{Email: "a@example.com", Password: "pw"}))

	rec := v.request(t, http.MethodDelete, "/api/accounts/a@example.com", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = v.request(t, http.MethodDelete, "/api/accounts/a@example.com", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImportProxies(t *testing.T) {
	v := newEnv(t)

	rec := v.request(t, http.MethodPost, "/api/proxies/import",
		`{"text":"10.0.0.1:1080\nnot-a-proxy"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		Added  int      `json:"added"`
		Errors []string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Added)
	assert.Len(t, res.Errors, 1)
}

func TestCardNumbersStayMasked(t *testing.T) {
	v := newEnv(t)

	rec := v.request(t, http.MethodPost, "/api/cards/import",
		`{"text":"4111111111111111 12 2027 123","max_usage":2}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = v.request(t, http.MethodGet, "/api/cards", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.NotContains(t, body, "4111111111111111")
	assert.NotContains(t, body, `"cvv"`)
	assert.Contains(t, body, "1111") // masked tail survives
}

func TestSettingsRoundTrip(t *testing.T) {
	v := newEnv(t)

	rec := v.request(t, http.MethodPut, "/api/settings",
		`{"key":"concurrency","value":"8"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = v.request(t, http.MethodPut, "/api/settings", `{"value":"8"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = v.request(t, http.MethodGet, "/api/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var settings map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settings))
	assert.Equal(t, "8", settings["concurrency"])
}

func TestPutSettingUpdatesRuntimeConfig(t *testing.T) {
	v := newEnv(t)

	rec := v.request(t, http.MethodPut, "/api/settings",
		`{"key":"MAX_RETRIES","value":"7"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 7, v.orch.Config().MaxRetries)

	rec = v.request(t, http.MethodPut, "/api/settings",
		`{"key":"STAGE_TIMEOUT_MS","value":"60000"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, time.Minute, v.orch.Config().StageTimeout)

	// bad values are rejected before anything is persisted
	rec = v.request(t, http.MethodPut, "/api/settings",
		`{"key":"MAX_RETRIES","value":"lots"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 7, v.orch.Config().MaxRetries)

	settings, err := v.store.AllSettings()
	require.NoError(t, err)
	assert.Equal(t, "7", settings["MAX_RETRIES"])
	assert.NotContains(t, settings, "lots")
}

func TestSubmitTasks(t *testing.T) {
	v := newEnv(t)
	require.NoError(t, v.store.Upsert(&models.Account{Email: "a@example.com", Password: "pw"}))

	rec := v.request(t, http.MethodPost, "/api/tasks",
		`{"emails":["a@example.com","missing@example.com"],"stage":"extract_link"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res orchestrator.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, []string{"a@example.com"}, res.Accepted)
	assert.Contains(t, res.Rejected, "missing@example.com")

	rec = v.request(t, http.MethodPost, "/api/tasks", `{"emails":[],"stage":"extract_link"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = v.request(t, http.MethodPost, "/api/tasks", `{"emails":["a@example.com"],"stage":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelThenSubmitConflicts(t *testing.T) {
	v := newEnv(t)
	require.NoError(t, v.store.Upsert(&models.Account{Email: "a@example.com", Password: "pw"}))

	rec := v.request(t, http.MethodPost, "/api/tasks/cancel", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = v.request(t, http.MethodPost, "/api/tasks",
		`{"emails":["a@example.com"],"stage":"extract_link"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSyncBrowsers(t *testing.T) {
	v := newEnvWithVendor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/profiles", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"list": []browser.Profile{
					{ID: "p1", Remark: "alice@example.com----pw1"},
					{ID: "p2", Remark: "not an account remark"},
					{ID: "p3", Remark: ""},
				},
				"total": 3,
			},
		})
	}))

	rec := v.request(t, http.MethodPost, "/api/accounts/sync-browsers", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		Imported int      `json:"imported"`
		Bound    int      `json:"bound"`
		Errors   []string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, res.Bound)
	assert.Len(t, res.Errors, 1)

	a, err := v.store.Get("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "p1", a.BrowserID)
	assert.Equal(t, models.StatusPending, a.Status)
}

func TestTaskStatus(t *testing.T) {
	v := newEnv(t)
	require.NoError(t, v.store.Upsert(&models.Account{Email: "a@example.com", Password: "pw"}))

	rec := v.request(t, http.MethodGet, "/api/tasks/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap orchestrator.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.False(t, snap.Closed)
	assert.Equal(t, int64(1), snap.Counts[models.StatusPending])
}
