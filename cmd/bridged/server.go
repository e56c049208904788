package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	llmbridge "github.com/ferro-labs/llm-bridge"
	"github.com/ferro-labs/llm-bridge/internal/admin"
	"github.com/ferro-labs/llm-bridge/internal/fault"
	"github.com/ferro-labs/llm-bridge/internal/logging"
	"github.com/ferro-labs/llm-bridge/internal/version"
	"github.com/ferro-labs/llm-bridge/providers"
)

// newRouter builds the HTTP router: the OpenAI-compatible surface under
// /v1, the admin API under /admin, and the operational endpoints.
func newRouter(g *llmbridge.Gateway) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware)

	r.Post("/v1/chat/completions", chatHandler(g))
	r.Get("/v1/models", modelsHandler(g))

	r.Mount("/admin", admin.NewHandlers(g).Routes())

	r.Get("/health", healthHandler(g))
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func chatHandler(g *llmbridge.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req providers.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeFault(w, fault.Wrap(fault.KindValidation, "invalid request body", err))
			return
		}
		meta := llmbridge.RequestMeta{Method: r.Method, Path: r.URL.Path}

		if req.Stream {
			ch, err := g.ChatStream(r.Context(), req, meta)
			if err != nil {
				writeFault(w, err)
				return
			}
			writeSSE(w, req.Model, ch)
			return
		}

		resp, err := g.Chat(r.Context(), req, meta)
		if err != nil {
			writeFault(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func modelsHandler(g *llmbridge.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := g.Models(r.Context())
		if err != nil {
			writeFault(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   models,
		})
	}
}

func healthHandler(g *llmbridge.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		summary, err := g.Summarize()
		if err != nil {
			writeFault(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"version": version.Short(),
			"health":  summary,
		})
	}
}

// writeSSE drains ch to the client as OpenAI-framed server-sent events.
// A chunk carrying an error terminates the stream with an error event;
// a clean close is followed by the [DONE] sentinel.
func writeSSE(w http.ResponseWriter, model string, ch <-chan providers.StreamChunk) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	now := time.Now().Unix()

	for chunk := range ch {
		if chunk.Error != nil {
			kind := fault.KindOf(chunk.Error)
			data, _ := json.Marshal(map[string]any{
				"error": map[string]string{
					"message": chunk.Error.Error(),
					"type":    fault.OpenAIType(kind),
					"code":    string(kind),
				},
			})
			_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
			if flusher != nil {
				flusher.Flush()
			}
			return
		}
		if chunk.Object == "" {
			chunk.Object = "chat.completion.chunk"
		}
		if chunk.Created == 0 {
			chunk.Created = now
		}
		if chunk.Model == "" {
			chunk.Model = model
		}
		data, _ := json.Marshal(chunk)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// writeFault renders a classified error as an OpenAI-shaped error body.
func writeFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(fault.HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"message": err.Error(),
			"type":    fault.OpenAIType(kind),
			"code":    string(kind),
		},
	})
}
