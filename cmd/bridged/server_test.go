package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	llmbridge "github.com/ferro-labs/llm-bridge"
	"github.com/ferro-labs/llm-bridge/internal/store"
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

	srv := httptest.NewServer(newRouter(g))
	t.Cleanup(srv.Close)
	return g, srv
}

// chatUpstream is a minimal OpenAI-compatible completion endpoint.
func chatUpstream(t *testing.T, content string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{{"id": "m1"}}})
	})
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream bool `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			for _, delta := range []string{content[:len(content)/2], content[len(content)/2:]} {
				chunk := map[string]any{
					"id": "chunk-1", "object": "chat.completion.chunk",
					"choices": []map[string]any{{"index": 0, "delta": map[string]string{"content": delta}}},
				}
				data, _ := json.Marshal(chunk)
				_, _ = w.Write([]byte("data: " + string(data) + "\n\n"))
				flusher.Flush()
			}
			final := map[string]any{
				"id": "chunk-1", "object": "chat.completion.chunk",
				"choices": []map[string]any{{"index": 0, "delta": map[string]string{}, "finish_reason": "stop"}},
				"usage":   map[string]int{"prompt_tokens": 3, "completion_tokens": 5, "total_tokens": 8},
			}
			data, _ := json.Marshal(final)
			_, _ = w.Write([]byte("data: " + string(data) + "\n\ndata: [DONE]\n\n"))
			flusher.Flush()
			return
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "resp-1", "object": "chat.completion", "model": "m1",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 5, "total_tokens": 8},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func seedProvider(t *testing.T, g *llmbridge.Gateway, id, baseURL string, models ...string) {
	t.Helper()
	if err := g.Store().Providers().Create(&store.Provider{
		ID: id, Name: id, Type: providers.TypeOpenAILocal, Enabled: true, Priority: 1,
	}); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	if err := g.Store().Providers().SetConfig(id, "baseURL", baseURL, false); err != nil {
		t.Fatalf("set config: %v", err)
	}
	for _, m := range models {
		if err := g.Store().Models().Create(&store.Model{ID: m}); err != nil {
			t.Fatalf("create model: %v", err)
		}
		if err := g.Store().Models().Link(&store.ProviderModel{ProviderID: id, ModelID: m}); err != nil {
			t.Fatalf("link model: %v", err)
		}
	}
	if err := g.Registry().Load(id); err != nil {
		t.Fatalf("load provider: %v", err)
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func TestChatCompletionEndpoint(t *testing.T) {
	g, srv := newTestServer(t)
	seedProvider(t, g, "local", chatUpstream(t, "hello there").URL, "m1")

	resp := postJSON(t, srv.URL+"/v1/chat/completions", map[string]any{
		"model":    "m1",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}

	var out providers.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "hello there" {
		t.Fatalf("response %+v", out)
	}
	if out.Object != "chat.completion" || out.Provider != "local" {
		t.Fatalf("normalisation: object=%q provider=%q", out.Object, out.Provider)
	}
	if out.Usage.TotalTokens != 8 {
		t.Fatalf("usage %+v", out.Usage)
	}
}

func TestChatCompletionStreaming(t *testing.T) {
	g, srv := newTestServer(t)
	seedProvider(t, g, "local", chatUpstream(t, "streamed!").URL, "m1")

	resp := postJSON(t, srv.URL+"/v1/chat/completions", map[string]any{
		"model":    "m1",
		"stream":   true,
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	var content strings.Builder
	var sawDone, sawFinish bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			break
		}
		var chunk providers.StreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", payload, err)
		}
		if chunk.Object != "chat.completion.chunk" {
			t.Fatalf("chunk object %q", chunk.Object)
		}
		for _, c := range chunk.Choices {
			content.WriteString(c.Delta.Content)
			if c.FinishReason == "stop" {
				sawFinish = true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if content.String() != "streamed!" || !sawFinish || !sawDone {
		t.Fatalf("content=%q finish=%v done=%v", content.String(), sawFinish, sawDone)
	}
}

func TestChatCompletionErrors(t *testing.T) {
	_, srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/chat/completions", map[string]any{"model": "m1"})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("validation status %d", resp.StatusCode)
	}
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Type != "invalid_request_error" {
		t.Fatalf("error type %q", body.Error.Type)
	}

	resp = postJSON(t, srv.URL+"/v1/chat/completions", map[string]any{
		"model":    "unrouted",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("no-provider status %d", resp.StatusCode)
	}
}

func TestModelsEndpoint(t *testing.T) {
	g, srv := newTestServer(t)
	seedProvider(t, g, "local", chatUpstream(t, "x").URL, "m-linked")

	resp, err := http.Get(srv.URL + "/v1/models")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out struct {
		Object string                `json:"object"`
		Data   []providers.ModelInfo `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Object != "list" {
		t.Fatalf("object %q", out.Object)
	}
	ids := make(map[string]string, len(out.Data))
	for _, m := range out.Data {
		ids[m.ID] = m.OwnedBy
	}
	if ids["m-linked"] != "local" || ids["m1"] != "local" {
		t.Fatalf("models %v", ids)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	g, srv := newTestServer(t)
	seedProvider(t, g, "local", chatUpstream(t, "x").URL, "m1")

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out struct {
		Version string             `json:"version"`
		Health  *llmbridge.Summary `json:"health"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Version == "" || out.Health.Status != "ok" || len(out.Health.Providers) != 1 {
		t.Fatalf("health %+v", out)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
}

func TestAdminMounted(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/admin/providers")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin status %d", resp.StatusCode)
	}
}
