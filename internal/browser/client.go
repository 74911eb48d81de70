// Package browser talks to the vendor browser-window API that hosts the
// per-account scripted sessions. The API is an external collaborator:
// this client only manages profiles and dispatches automation tasks.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

type leveledSlog struct {
	inner *slog.Logger
}

// retries make transport errors expected; keep them at warn
func (l leveledSlog) Error(msg string, kv ...any) { l.inner.Warn(msg, kv...) }
func (l leveledSlog) Warn(msg string, kv ...any)  { l.inner.Warn(msg, kv...) }
func (l leveledSlog) Info(msg string, kv ...any)  { l.inner.Debug(msg, kv...) }
func (l leveledSlog) Debug(msg string, kv ...any) { l.inner.Debug(msg, kv...) }

type Client struct {
	base string
	log  *slog.Logger

	// http retries transport failures; tasks must not, retry policy for
	// stage attempts belongs to the orchestrator alone.
	http  *http.Client
	tasks *http.Client
}

func NewClient(base string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "browser-api")

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = retryablehttp.LeveledLogger(leveledSlog{inner: log})

	return &Client{
		base:  strings.TrimRight(base, "/"),
		log:   log,
		http:  rc.StandardClient(),
		tasks: &http.Client{},
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, payload, out any) error {
	var body *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	if !env.Success {
		msg := env.Msg
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %s", method, path, msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s %s data: %w", method, path, err)
		}
	}
	return nil
}

type Profile struct {
	ID       string `json:"id"`
	Seq      int    `json:"seq"`
	Name     string `json:"name"`
	Remark   string `json:"remark"`
	ProxyStr string `json:"proxyStr"`
}

type Session struct {
	WS   string `json:"ws"`
	HTTP string `json:"http"`
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.do(ctx, c.http, http.MethodGet, "/health", nil, nil)
}

// ListProfiles pages through the vendor profile list. The vendor returns
// the whole list; paging is applied client-side.
func (c *Client) ListProfiles(ctx context.Context, page, pageSize int) ([]Profile, int, error) {
	var data struct {
		List  []Profile `json:"list"`
		Total int       `json:"total"`
	}
	if err := c.do(ctx, c.http, http.MethodGet, "/profiles", nil, &data); err != nil {
		return nil, 0, err
	}
	total := len(data.List)
	if pageSize <= 0 {
		pageSize = 1000
	}
	start := max(page, 0) * pageSize
	if start >= total {
		return nil, total, nil
	}
	end := min(start+pageSize, total)
	return data.List[start:end], total, nil
}

// SetProfileProxy rewrites the profile's upstream proxy before a session
// opens.
func (c *Client) SetProfileProxy(ctx context.Context, profileID, proxyStr string) error {
	return c.do(ctx, c.http, http.MethodPatch, "/profiles/"+profileID,
		map[string]any{"proxyStr": proxyStr}, nil)
}

func (c *Client) OpenProfile(ctx context.Context, profileID string) (*Session, error) {
	var s Session
	err := c.do(ctx, c.http, http.MethodPost, "/profiles/"+profileID+"/open",
		map[string]any{}, &s)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) CloseProfile(ctx context.Context, profileID string) error {
	return c.do(ctx, c.http, http.MethodPost, "/profiles/"+profileID+"/close", map[string]any{}, nil)
}

// TaskResult is the vendor's classification of one automation run.
// Status is one of: success, ineligible, invalid_input, timeout, error.
type TaskResult struct {
	Status  string `json:"status"`
	Link    string `json:"link,omitempty"`
	Message string `json:"message,omitempty"`
}

// RunTask dispatches a named automation script inside the opened profile
// and waits for its outcome. Never retried here.
func (c *Client) RunTask(ctx context.Context, profileID, task string, params map[string]any) (*TaskResult, error) {
	var res TaskResult
	err := c.do(ctx, c.tasks, http.MethodPost, "/profiles/"+profileID+"/tasks/"+task, params, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}
