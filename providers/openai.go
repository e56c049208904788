package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"

	"github.com/ferro-labs/llm-bridge/internal/fault"
)

// OpenAIProvider is the pass-through backend for OpenAI-shaped APIs. The
// client request is forwarded via the official SDK; only connection and
// HTTP errors are mapped into the fault taxonomy.
type OpenAIProvider struct {
	base
	client     openai.Client
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
}

func newOpenAI(id string, config map[string]string, sensitive map[string]bool) (Provider, error) {
	baseURL := config["baseURL"]
	apiKey := config["apiKey"]

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	} else {
		baseURL = "https://api.openai.com"
	}
	return &OpenAIProvider{
		base:       newBase(id, TypeOpenAI, config, sensitive),
		client:     openai.NewClient(opts...),
		httpClient: &http.Client{Timeout: configTimeout(config)},
		baseURL:    trimSlash(baseURL),
		timeout:    configTimeout(config),
	}, nil
}

// Complete sends a buffered chat completion upstream.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Messages: buildOpenAIMessages(req.Messages),
		Model:    req.Model,
	}
	applyOpenAIParams(&params, req)

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, mapOpenAIError(err)
	}

	resp := &Response{
		ID:       completion.ID,
		Object:   "chat.completion",
		Created:  completion.Created,
		Model:    completion.Model,
		Provider: p.id,
		Usage: Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}
	for i, choice := range completion.Choices {
		msg := Message{
			Role:    string(choice.Message.Role),
			Content: choice.Message.Content,
		}
		for _, tc := range choice.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:   tc.ID,
				Type: string(tc.Type),
				Function: FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		resp.Choices = append(resp.Choices, Choice{
			Index:        i,
			Message:      msg,
			FinishReason: string(choice.FinishReason),
		})
	}
	return resp, nil
}

// CompleteStream sends a streaming chat completion upstream.
func (p *OpenAIProvider) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	params := openai.ChatCompletionNewParams{
		Messages: buildOpenAIMessages(req.Messages),
		Model:    req.Model,
	}
	applyOpenAIParams(&params, req)

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		for stream.Next() {
			chunk := stream.Current()
			sc := StreamChunk{
				ID:      chunk.ID,
				Object:  "chat.completion.chunk",
				Created: chunk.Created,
				Model:   chunk.Model,
			}
			for _, c := range chunk.Choices {
				sc.Choices = append(sc.Choices, StreamChoice{
					Index: int(c.Index),
					Delta: MessageDelta{
						Role:    c.Delta.Role,
						Content: c.Delta.Content,
					},
					FinishReason: c.FinishReason,
				})
			}
			if chunk.Usage.TotalTokens > 0 {
				sc.Usage = &Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
				}
			}
			ch <- sc
		}
		if err := stream.Err(); err != nil {
			ch <- StreamChunk{Error: mapOpenAIError(err)}
		}
	}()

	return ch, nil
}

// HealthCheck probes GET {baseURL}/v1/models with a short timeout.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) HealthStatus {
	return probeModels(ctx, p.httpClient, p.baseURL, p.authHeader())
}

// ListModels enumerates models live from the upstream /v1/models.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]string, error) {
	return fetchModelIDs(ctx, p.httpClient, p.baseURL, p.authHeader())
}

// Close releases transport resources.
func (p *OpenAIProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *OpenAIProvider) authHeader() map[string]string {
	if key := p.configValue("apiKey"); key != "" {
		return map[string]string{"Authorization": "Bearer " + key}
	}
	return nil
}

// mapOpenAIError folds SDK errors into the fault taxonomy.
func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return fault.Wrap(fault.KindUpstreamAuth, "upstream rejected credentials", err)
		case apiErr.StatusCode >= 500:
			e := fault.Wrap(fault.KindUpstreamServer, "upstream server error", err)
			e.UpstreamStatus = apiErr.StatusCode
			return e
		case apiErr.StatusCode >= 400:
			e := fault.Wrap(fault.KindUpstreamClient, "upstream rejected request", err)
			e.UpstreamStatus = apiErr.StatusCode
			return e
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fault.Wrap(fault.KindUpstreamNet, "upstream unreachable", err)
}

// probeModels is the shared health probe for OpenAI-shaped backends.
func probeModels(ctx context.Context, client *http.Client, baseURL string, headers map[string]string) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return HealthStatus{Healthy: false, Message: err.Error()}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return HealthStatus{Healthy: false, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	latency := time.Since(start).Milliseconds()
	if resp.StatusCode != http.StatusOK {
		return HealthStatus{
			Healthy:   false,
			LatencyMs: latency,
			Message:   fmt.Sprintf("unexpected status %d", resp.StatusCode),
		}
	}
	return HealthStatus{Healthy: true, LatencyMs: latency}
}

// fetchModelIDs pulls the id list from an OpenAI-shaped /v1/models.
func fetchModelIDs(ctx context.Context, client *http.Client, baseURL string, headers map[string]string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "build models request", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstreamNet, "list models", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := readBodyLimited(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstreamNet, "read models response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamHTTPError(resp.StatusCode, body)
	}

	var ids []string
	for _, m := range gjson.GetBytes(body, "data.#.id").Array() {
		ids = append(ids, m.String())
	}
	return ids, nil
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

func configTimeout(config map[string]string) time.Duration {
	if raw := config["timeout"]; raw != "" {
		var ms int
		if _, err := fmt.Sscanf(raw, "%d", &ms); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return 30 * time.Second
}

// buildOpenAIMessages converts bridge Messages to the SDK union type.
func buildOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

// applyOpenAIParams applies all optional Request fields to the SDK
// params struct.
func applyOpenAIParams(params *openai.ChatCompletionNewParams, req Request) {
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}
	if req.N != nil {
		params.N = openai.Int(int64(*req.N))
	}
	if req.Seed != nil {
		params.Seed = openai.Int(*req.Seed)
	}
	if req.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*req.MaxTokens))
	}
	if req.PresencePenalty != nil {
		params.PresencePenalty = openai.Float(*req.PresencePenalty)
	}
	if req.FrequencyPenalty != nil {
		params.FrequencyPenalty = openai.Float(*req.FrequencyPenalty)
	}
	if req.User != "" {
		params.User = openai.String(req.User)
	}
	if req.LogProbs {
		params.Logprobs = openai.Bool(true)
	}
	if req.TopLogProbs != nil {
		params.TopLogprobs = openai.Int(int64(*req.TopLogProbs))
	}
	if len(req.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{
			OfStringArray: req.Stop,
		}
	}
	if req.ResponseFormat != nil {
		switch req.ResponseFormat.Type {
		case "json_object":
			params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
			}
		case "json_schema":
			if len(req.ResponseFormat.JSONSchema) > 0 {
				var schema openai.ResponseFormatJSONSchemaJSONSchemaParam
				if err := json.Unmarshal(req.ResponseFormat.JSONSchema, &schema); err == nil {
					params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
						OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
							JSONSchema: schema,
						},
					}
				}
			}
		}
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			var paramSchema openai.FunctionParameters
			if len(t.Function.Parameters) > 0 {
				json.Unmarshal(t.Function.Parameters, &paramSchema) //nolint:errcheck,gosec
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        t.Function.Name,
					Description: openai.String(t.Function.Description),
					Parameters:  paramSchema,
					Strict:      openai.Bool(t.Function.Strict),
				},
			})
		}
		params.Tools = tools
	}
}
