// Package providers defines the Provider interface and the OpenAI wire
// types shared by all backend implementations, plus the factory and the
// registry that manage live instances from store rows.
//
// Three concrete types exist: "openai" (SDK pass-through), "openai-local"
// (raw HTTP against a local OpenAI-compatible server, no key), and
// "qwen-web" (stateful web backend driven by scraped credentials).
package providers

import (
	"context"
	"encoding/json"

	"github.com/ferro-labs/llm-bridge/internal/fault"
)

// Message role constants.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"

	// ContentTypeText is the content-part type for plain text.
	ContentTypeText = "text"

	// SSEDone is the sentinel value that marks the end of a server-sent
	// event stream.
	SSEDone = "[DONE]"
)

// Provider type tags, matching the providers.type column.
const (
	TypeOpenAI      = "openai"
	TypeOpenAILocal = "openai-local"
	TypeQwenWeb     = "qwen-web"
)

// Provider is the capability set every backend implements.
type Provider interface {
	// ID is the provider row id this instance was constructed from.
	ID() string
	// Type is the provider type tag.
	Type() string
	// Complete performs one buffered chat completion.
	Complete(ctx context.Context, req Request) (*Response, error)
	// CompleteStream performs one streaming chat completion. The channel
	// is closed after the terminal chunk; a chunk with Error set signals
	// a stream failure.
	CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error)
	// HealthCheck probes the upstream.
	HealthCheck(ctx context.Context) HealthStatus
	// Config returns the instance configuration with sensitive values
	// masked.
	Config() map[string]string
	// Close releases transport resources.
	Close() error
}

// ModelLister is an optional interface for providers that can enumerate
// their models live. Absence means the registry falls back to linked
// ProviderModel rows.
type ModelLister interface {
	Provider
	ListModels(ctx context.Context) ([]string, error)
}

// HealthStatus is the result of a provider health probe.
type HealthStatus struct {
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ------------------------------------------------------------------ types ---

// ContentPart is a single element of a multipart message content array.
type ContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ImageURLPart `json:"image_url,omitempty"`
}

// ImageURLPart carries the URL (or base64 data URI) for an image part.
type ImageURLPart struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Tool describes a function the model may call.
type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

// Function describes the callable function within a Tool.
type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      bool            `json:"strict,omitempty"`
}

// ToolCall is a function invocation returned by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the name and arguments of a model-generated call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ResponseFormat instructs the model how to format its output.
type ResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// ----------------------------------------------------------------- Message ---

// Message represents a single turn in a conversation.
//
// Content holds plain-text content and is always valid for use with any
// provider. ContentParts is populated when the incoming JSON encodes
// content as an array (multimodal requests).
type Message struct {
	Role         string        `json:"-"`
	Content      string        `json:"-"`
	ContentParts []ContentPart `json:"-"`
	Name         string        `json:"-"`
	ToolCalls    []ToolCall    `json:"-"`
	ToolCallID   string        `json:"-"`
}

// MarshalJSON encodes a Message. Content is written as a string unless
// ContentParts is set, in which case it is encoded as an array.
func (m Message) MarshalJSON() ([]byte, error) {
	type wire struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content,omitempty"`
		Name       string          `json:"name,omitempty"`
		ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
		ToolCallID string          `json:"tool_call_id,omitempty"`
	}
	w := wire{
		Role:       m.Role,
		Name:       m.Name,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
	if len(m.ContentParts) > 0 {
		b, err := json.Marshal(m.ContentParts)
		if err != nil {
			return nil, err
		}
		w.Content = b
	} else {
		b, err := json.Marshal(m.Content)
		if err != nil {
			return nil, err
		}
		w.Content = b
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a Message. The content field may be a plain
// string or an array of ContentPart objects; both forms are handled.
func (m *Message) UnmarshalJSON(b []byte) error {
	type wire struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		Name       string          `json:"name"`
		ToolCalls  []ToolCall      `json:"tool_calls"`
		ToolCallID string          `json:"tool_call_id"`
	}
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.Name = w.Name
	m.ToolCalls = w.ToolCalls
	m.ToolCallID = w.ToolCallID

	if len(w.Content) == 0 || string(w.Content) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(w.Content, &s); err == nil {
		m.Content = s
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(w.Content, &parts); err != nil {
		return err
	}
	m.ContentParts = parts
	// Collapse text parts into Content so text-only code paths keep
	// working.
	for _, p := range parts {
		if p.Type == ContentTypeText {
			m.Content += p.Text
		}
	}
	return nil
}

// ----------------------------------------------------------------- Request ---

// Request represents a chat completion request. Fields map 1-to-1 with
// the OpenAI Chat Completions API so any OpenAI-compatible client works
// without modification.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	N           *int     `json:"n,omitempty"`
	Seed        *int64   `json:"seed,omitempty"`

	MaxTokens           *int `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int `json:"max_completion_tokens,omitempty"`

	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`

	Stop []string `json:"stop,omitempty"`

	Tools      []Tool `json:"tools,omitempty"`
	ToolChoice any    `json:"tool_choice,omitempty"`

	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	LogProbs    bool `json:"logprobs,omitempty"`
	TopLogProbs *int `json:"top_logprobs,omitempty"`

	Stream bool `json:"stream,omitempty"`

	User      string             `json:"user,omitempty"`
	LogitBias map[string]float64 `json:"logit_bias,omitempty"`
}

// Validate checks required fields and parameter ranges.
func (r Request) Validate() error {
	if r.Model == "" {
		return fault.New(fault.KindValidation, "model is required")
	}
	if len(r.Messages) == 0 {
		return fault.New(fault.KindValidation, "at least one message is required")
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fault.New(fault.KindValidation, "temperature must be between 0 and 2")
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return fault.New(fault.KindValidation, "top_p must be between 0 and 1")
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return fault.New(fault.KindValidation, "max_tokens must be positive")
	}
	if r.MaxCompletionTokens != nil && *r.MaxCompletionTokens <= 0 {
		return fault.New(fault.KindValidation, "max_completion_tokens must be positive")
	}
	if r.PresencePenalty != nil && (*r.PresencePenalty < -2 || *r.PresencePenalty > 2) {
		return fault.New(fault.KindValidation, "presence_penalty must be between -2 and 2")
	}
	if r.FrequencyPenalty != nil && (*r.FrequencyPenalty < -2 || *r.FrequencyPenalty > 2) {
		return fault.New(fault.KindValidation, "frequency_penalty must be between -2 and 2")
	}
	return nil
}

// FirstUserMessage returns the content of the first user-role message,
// or "" when none exists.
func (r Request) FirstUserMessage() string {
	for _, m := range r.Messages {
		if m.Role == RoleUser {
			return m.Content
		}
	}
	return ""
}

// FirstAssistantMessage returns the content of the first assistant-role
// message, or "" when none exists.
func (r Request) FirstAssistantMessage() string {
	for _, m := range r.Messages {
		if m.Role == RoleAssistant {
			return m.Content
		}
	}
	return ""
}

// ----------------------------------------------------------------- Response --

// Response represents a buffered chat completion response.
type Response struct {
	ID       string   `json:"id"`
	Object   string   `json:"object,omitempty"`
	Created  int64    `json:"created,omitempty"`
	Model    string   `json:"model"`
	Provider string   `json:"provider,omitempty"`
	Choices  []Choice `json:"choices"`
	Usage    Usage    `json:"usage"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// StreamChunk represents a single SSE chunk in a streaming response.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`

	// ParentID is the upstream turn id carried by stateful backends;
	// empty for pass-through providers. Not part of the client wire
	// format.
	ParentID string `json:"-"`
	// Usage is set on the terminal chunk when the upstream reports it.
	Usage *Usage `json:"usage,omitempty"`
	// Error non-nil signals a stream failure; no further chunks follow.
	Error error `json:"-"`
}

// StreamChoice is a single choice in a streaming chunk.
type StreamChoice struct {
	Index        int          `json:"index"`
	Delta        MessageDelta `json:"delta"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

// MessageDelta carries incremental content in a streaming response.
type MessageDelta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Usage carries token consumption statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelInfo describes a single model, matching the OpenAI /v1/models
// response schema.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsFromList builds a ModelInfo slice from a list of model IDs.
func ModelsFromList(owner string, ids []string) []ModelInfo {
	models := make([]ModelInfo, len(ids))
	for i, id := range ids {
		models[i] = ModelInfo{
			ID:      id,
			Object:  "model",
			OwnedBy: owner,
		}
	}
	return models
}
