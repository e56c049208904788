package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	llmbridge "github.com/ferro-labs/llm-bridge"
	"github.com/ferro-labs/llm-bridge/providers"
)

func newTestServer(t *testing.T) (*llmbridge.Gateway, *httptest.Server) {
	t.Helper()
	g, err := llmbridge.New(llmbridge.Options{
		DBPath: filepath.Join(t.TempDir(), "bridge.db"),
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })
	if err := g.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	srv := httptest.NewServer(NewHandlers(g).Routes())
	t.Cleanup(srv.Close)
	return g, srv
}

// fakeUpstream answers /v1/models so openai-local health checks pass.
func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{{"id": "m1"}}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func TestProviderLifecycleOverHTTP(t *testing.T) {
	_, srv := newTestServer(t)
	upstream := fakeUpstream(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/providers", map[string]any{
		"id":      "local-a",
		"name":    "Local A",
		"type":    providers.TypeOpenAILocal,
		"enabled": true,
		"config":  map[string]string{"baseURL": upstream.URL},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/providers", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status %d", resp.StatusCode)
	}
	var listed []struct {
		ID     string `json:"id"`
		Loaded bool   `json:"loaded"`
	}
	if err := json.Unmarshal(body, &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != "local-a" || !listed[0].Loaded {
		t.Fatalf("listed %+v", listed)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/providers/local-a/test", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("test status %d: %s", resp.StatusCode, body)
	}
	var health providers.HealthStatus
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if !health.Healthy {
		t.Fatalf("health %+v", health)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/providers/local-a/disable", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable status %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/providers/local-a/test", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("disabled provider should be unloaded, test returned %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/providers/local-a", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/providers/local-a", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted provider still answers %d", resp.StatusCode)
	}
}

func TestProviderValidationErrorShape(t *testing.T) {
	_, srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/providers", map[string]any{
		"id":   "Not A Slug!",
		"name": "Bad",
		"type": providers.TypeOpenAILocal,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var errBody struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody.Error.Type != "invalid_request_error" || errBody.Error.Code != "validation" {
		t.Fatalf("error body %+v", errBody)
	}
}

func TestModelLinkAndDefault(t *testing.T) {
	g, srv := newTestServer(t)
	upstream := fakeUpstream(t)

	doJSON(t, http.MethodPost, srv.URL+"/providers", map[string]any{
		"id": "local-a", "name": "Local A", "type": providers.TypeOpenAILocal,
		"config": map[string]string{"baseURL": upstream.URL},
	})
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/models", map[string]any{
		"id": "m1", "capabilities": []string{"chat", "streaming"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create model status %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/providers/local-a/models", map[string]any{
		"model_id": "m1", "default": true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("link status %d", resp.StatusCode)
	}
	def, err := g.Store().Models().DefaultModel("local-a")
	if err != nil || def != "m1" {
		t.Fatalf("default %q err %v", def, err)
	}

	// Linking a model neither side knows is rejected.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/providers/local-a/models", map[string]any{
		"model_id": "ghost",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("ghost link status %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/providers/local-a/models/m1", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unlink status %d", resp.StatusCode)
	}
}

func TestSettingsUpdate(t *testing.T) {
	_, srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodPut, srv.URL+"/settings/server.port", map[string]string{"value": "9090"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var out struct {
		RequiresRestart bool `json:"requires_restart"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.RequiresRestart {
		t.Fatal("server.port must report requires_restart")
	}

	resp, _ = doJSON(t, http.MethodPut, srv.URL+"/settings/server.port", map[string]string{"value": "not-a-port"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("mistyped value accepted: %d", resp.StatusCode)
	}
}

func TestCredentialMasking(t *testing.T) {
	g, srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodPut, srv.URL+"/credentials/qwen", map[string]any{
		"token":   "secret-token-9876",
		"cookies": "ssxmod_itna=abcd1234",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upsert status %d: %s", resp.StatusCode, body)
	}
	if strings.Contains(string(body), "secret-token") {
		t.Fatalf("token leaked: %s", body)
	}
	var masked struct {
		Token   string `json:"token"`
		Cookies string `json:"cookies"`
	}
	if err := json.Unmarshal(body, &masked); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if masked.Token != "****9876" || masked.Cookies != "****1234" {
		t.Fatalf("mask %+v", masked)
	}

	// The store keeps the real value.
	c, err := g.Store().Credentials().GetCurrent("qwen")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if c.Token != "secret-token-9876" || c.Stale {
		t.Fatalf("stored credential %+v", c)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/credentials/qwen", nil)
	if resp.StatusCode != http.StatusOK || strings.Contains(string(body), "secret-token") {
		t.Fatalf("get leaked: %d %s", resp.StatusCode, body)
	}
}

func TestHistoryAndErrors(t *testing.T) {
	g, srv := newTestServer(t)

	// A rejected request leaves an error-log row behind.
	_, err := g.Chat(context.Background(), providers.Request{Model: "m"}, llmbridge.RequestMeta{})
	if err == nil {
		t.Fatal("expected validation error")
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/errors", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("errors status %d", resp.StatusCode)
	}
	var rows []struct {
		ErrorID   string `json:"error_id"`
		ErrorType string `json:"error_type"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 1 || rows[0].ErrorType != "validation" {
		t.Fatalf("error rows %+v", rows)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/errors/"+rows[0].ErrorID+"/resolve", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/history?limit=10", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", resp.StatusCode, body)
	}
}

func TestEventsWebSocket(t *testing.T) {
	_, srv := newTestServer(t)
	upstream := fakeUpstream(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?topics=providers:updated"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	// The handler subscribes after the handshake; give it a beat before
	// publishing so the event is not lost to an unregistered subscriber.
	time.Sleep(100 * time.Millisecond)

	doJSON(t, http.MethodPost, srv.URL+"/providers", map[string]any{
		"id": "local-a", "name": "Local A", "type": providers.TypeOpenAILocal,
		"config": map[string]string{"baseURL": upstream.URL},
	})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev struct {
		Name    string            `json:"name"`
		Payload map[string]string `json:"payload"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Name != "providers:updated" || ev.Payload["provider"] != "local-a" {
		t.Fatalf("event %+v", ev)
	}
}
