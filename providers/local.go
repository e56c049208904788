package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ferro-labs/llm-bridge/internal/fault"
)

// LocalProvider targets a local OpenAI-compatible server (llama.cpp,
// Ollama, vLLM). Same wire shape as the OpenAI pass-through but no API
// key requirement and non-TLS endpoints are expected.
type LocalProvider struct {
	base
	httpClient *http.Client
	baseURL    string
}

func newLocal(id string, config map[string]string, sensitive map[string]bool) (Provider, error) {
	baseURL := config["baseURL"]
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &LocalProvider{
		base:       newBase(id, TypeOpenAILocal, config, sensitive),
		httpClient: &http.Client{Timeout: configTimeout(config)},
		baseURL:    trimSlash(baseURL),
	}, nil
}

type localChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

func localRequestBody(req Request, stream bool) ([]byte, error) {
	body, err := json.Marshal(localChatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Stream:      stream,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "marshal upstream request", err)
	}
	return body, nil
}

// Complete sends a buffered chat completion to the local server.
func (p *LocalProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	body, err := localRequestBody(req, false)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "build upstream request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, mapTransportError(err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := readBodyLimited(httpResp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstreamNet, "read upstream response", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, upstreamHTTPError(httpResp.StatusCode, respBody)
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fault.Wrap(fault.KindUpstreamServer, "malformed upstream response", err)
	}
	resp.Provider = p.id
	return &resp, nil
}

// CompleteStream sends a streaming chat completion and re-emits the
// upstream SSE frames as StreamChunks.
func (p *LocalProvider) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	body, err := localRequestBody(req, true)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "build upstream request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, mapTransportError(err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer func() { _ = httpResp.Body.Close() }()
		respBody, _ := readBodyLimited(httpResp.Body)
		return nil, upstreamHTTPError(httpResp.StatusCode, respBody)
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer func() { _ = httpResp.Body.Close() }()

		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == SSEDone {
				return
			}

			var chunk StreamChunk
			if json.Unmarshal([]byte(data), &chunk) != nil {
				continue
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- StreamChunk{Error: fault.Wrap(fault.KindUpstreamNet, "upstream stream aborted", err)}
		}
	}()

	return ch, nil
}

// HealthCheck probes GET {baseURL}/v1/models.
func (p *LocalProvider) HealthCheck(ctx context.Context) HealthStatus {
	return probeModels(ctx, p.httpClient, p.baseURL, nil)
}

// ListModels enumerates models from the local server.
func (p *LocalProvider) ListModels(ctx context.Context) ([]string, error) {
	return fetchModelIDs(ctx, p.httpClient, p.baseURL, nil)
}

// Close releases transport resources.
func (p *LocalProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// ------------------------------------------------------ shared HTTP helpers --

const maxErrorBodyExcerpt = 512

// readBodyLimited reads a response body with a sane upper bound.
func readBodyLimited(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, 10<<20))
}

// mapTransportError classifies a client.Do failure.
func mapTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindUpstreamNet, "upstream timed out", err)
	}
	return fault.Wrap(fault.KindUpstreamNet, "upstream unreachable", err)
}

// upstreamHTTPError folds a non-200 upstream status into the taxonomy,
// keeping a body excerpt for the error log.
func upstreamHTTPError(status int, body []byte) error {
	excerpt := string(body)
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		excerpt = msg.String()
	}
	if len(excerpt) > maxErrorBodyExcerpt {
		excerpt = excerpt[:maxErrorBodyExcerpt]
	}

	var kind fault.Kind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = fault.KindUpstreamAuth
	case status >= 500:
		kind = fault.KindUpstreamServer
	default:
		kind = fault.KindUpstreamClient
	}
	e := fault.Newf(kind, "upstream returned %d: %s", status, excerpt)
	e.UpstreamStatus = status
	return e
}
