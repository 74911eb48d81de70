package browser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reply(w http.ResponseWriter, success bool, msg string, data any) {
	raw, _ := json.Marshal(data)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": success,
		"msg":     msg,
		"data":    json.RawMessage(raw),
	})
}

func TestListProfilesPagesClientSide(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/profiles", r.URL.Path)
		reply(w, true, "", map[string]any{
			"list": []Profile{
				{ID: "p1", Seq: 1}, {ID: "p2", Seq: 2}, {ID: "p3", Seq: 3},
			},
			"total": 3,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)

	first, total, err := c.ListProfiles(context.Background(), 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, first, 2)
	assert.Equal(t, "p1", first[0].ID)

	second, _, err := c.ListProfiles(context.Background(), 1, 2)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "p3", second[0].ID)

	none, _, err := c.ListProfiles(context.Background(), 5, 2)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOpenProfileDecodesSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/profiles/p1/open", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		reply(w, true, "", Session{WS: "ws://127.0.0.1:9222", HTTP: "http://127.0.0.1:9222"})
	}))
	defer srv.Close()

	s, err := NewClient(srv.URL, nil).OpenProfile(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9222", s.WS)
}

func TestEnvelopeFailureSurfacesVendorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply(w, false, "profile is busy", nil)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).OpenProfile(context.Background(), "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "profile is busy")
}

func TestRunTaskIsNeverRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		reply(w, false, "upstream died", nil)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).RunTask(context.Background(), "p1", "verify-eligibility", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "task dispatch must hit the vendor exactly once")
}

func TestRunTaskDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/profiles/p1/tasks/extract-sheerid-link", r.URL.Path)

		var params map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		assert.Equal(t, "alice@example.com", params["email"])

		reply(w, true, "", TaskResult{Status: "success", Link: "https://verify.example.com/x"})
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL, nil).RunTask(context.Background(), "p1", "extract-sheerid-link",
		map[string]any{"email": "alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "https://verify.example.com/x", res.Link)
}

func TestSetProfileProxy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "socks5://u:p@10.0.0.1:1080", body["proxyStr"])
		reply(w, true, "", nil)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, nil).SetProfileProxy(context.Background(), "p1", "socks5://u:p@10.0.0.1:1080")
	require.NoError(t, err)
}
