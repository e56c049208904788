package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/ferro-labs/llm-bridge/internal/events"
	"github.com/ferro-labs/llm-bridge/internal/fault"
	"github.com/ferro-labs/llm-bridge/internal/logging"
	"github.com/ferro-labs/llm-bridge/internal/session"
	"github.com/ferro-labs/llm-bridge/internal/store"
)

// systemFoldDelimiter separates a folded system prompt from the user
// message of the same turn.
const systemFoldDelimiter = "\n\n"

// bufferedEmptySentinel is emitted for buffered responses whose upstream
// output was entirely empty, so clients never receive a zero-length
// message.
const bufferedEmptySentinel = "\n"

// QwenWebProvider adapts stateless OpenAI chat-completions calls onto a
// stateful web backend. Each upstream turn posts one message carrying
// the parent_id of the preceding turn within a chat_id; the adapter
// reconciles the client's replayed history against the session store so
// the server never sees a full message array.
type QwenWebProvider struct {
	base
	httpClient *http.Client
	baseURL    string

	sessions *session.Manager
	creds    *store.CredentialRepo
	models   *store.ModelRepo
	bus      *events.Bus
}

func newQwenWeb(id string, config map[string]string, sensitive map[string]bool, deps Deps) (Provider, error) {
	if deps.Sessions == nil || deps.Credentials == nil || deps.Models == nil {
		return nil, fault.New(fault.KindInternal, "qwen-web provider requires session, credential, and model services")
	}
	return &QwenWebProvider{
		base:       newBase(id, TypeQwenWeb, config, sensitive),
		httpClient: &http.Client{Timeout: configTimeout(config)},
		baseURL:    trimSlash(config["baseURL"]),
		sessions:   deps.Sessions,
		creds:      deps.Credentials,
		models:     deps.Models,
		bus:        deps.Bus,
	}, nil
}

// Complete performs a buffered completion. The upstream is still
// contacted in streaming mode because buffered upstream responses omit
// the parent_id chunk the adapter needs; the stream is accumulated
// locally.
func (p *QwenWebProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	ch, err := p.CompleteStream(ctx, req)
	if err != nil {
		return nil, err
	}

	var (
		content      strings.Builder
		finishReason = "stop"
		usage        Usage
		id           string
	)
	for chunk := range ch {
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		if chunk.ID != "" {
			id = chunk.ID
		}
		for _, c := range chunk.Choices {
			content.WriteString(c.Delta.Content)
			if c.FinishReason != "" {
				finishReason = c.FinishReason
			}
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
	}

	text := content.String()
	if text == "" {
		text = bufferedEmptySentinel
	}
	return &Response{
		ID:       id,
		Object:   "chat.completion",
		Created:  time.Now().Unix(),
		Model:    req.Model,
		Provider: p.id,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: RoleAssistant, Content: text},
			FinishReason: finishReason,
		}},
		Usage: usage,
	}, nil
}

// CompleteStream runs the full turn state machine: authorize, resolve
// the session, open the upstream, re-emit OpenAI-shaped chunks, advance
// the session chain on the terminal chunk.
func (p *QwenWebProvider) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	if len(req.Tools) > 0 || req.ToolChoice != nil {
		return nil, fault.New(fault.KindValidation, "tool calls are not supported by this backend")
	}
	firstUser := req.FirstUserMessage()
	if firstUser == "" {
		return nil, fault.New(fault.KindValidation, "a user message is required")
	}
	model, err := p.selectModel(req.Model)
	if err != nil {
		return nil, err
	}

	// authorized
	cred, err := p.validCredential()
	if err != nil {
		return nil, err
	}

	// session-resolved
	sess, replayPrefix, err := p.resolveSession(req, firstUser)
	if err != nil {
		return nil, err
	}
	release, err := p.sessions.Acquire(sess.ID)
	if err != nil {
		return nil, err
	}

	firstTurn := sess.MessageCount == 0

	chatID := sess.ChatID
	if chatID == "" {
		chatID, err = p.newChat(ctx, cred, model)
		if err != nil {
			return nil, abortErr(release, err)
		}
	}
	parentID := sess.ParentID

	// A replayed history that missed the conversation-hash lookup is
	// reconstituted as one flattened user turn before the current turn
	// is submitted.
	if replayPrefix != "" {
		parentID, err = p.replayTurn(ctx, cred, chatID, parentID, model, replayPrefix)
		if err != nil {
			return nil, abortErr(release, err)
		}
	}

	turn := foldTurn(req)

	// upstream-open
	resp, err := p.openTurn(ctx, cred, chatID, parentID, model, turn)
	if err != nil {
		return nil, abortErr(release, err)
	}

	// streaming
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer release()
		p.relay(ctx, resp, out, sess, chatID, model, firstTurn)
	}()
	return out, nil
}

func abortErr(release func(), err error) error {
	release()
	return err
}

// selectModel picks the upstream model: the client's choice when it is
// linked to this provider, else the configured default, else the
// default-flagged link.
func (p *QwenWebProvider) selectModel(requested string) (string, error) {
	if requested != "" {
		linked, err := p.models.IsLinked(p.id, requested)
		if err != nil {
			return "", err
		}
		if linked {
			return requested, nil
		}
	}
	if def := p.configValue("defaultModel"); def != "" {
		return def, nil
	}
	def, err := p.models.DefaultModel(p.id)
	if err != nil {
		return "", err
	}
	if def == "" {
		return "", fault.New(fault.KindValidation, "requested model is not linked and no default model is configured")
	}
	return def, nil
}

// resolveSession applies the turn reconciliation rules. It returns the
// session to use and, when a replayed history could not be matched, the
// flattened prefix that must be re-established upstream first.
func (p *QwenWebProvider) resolveSession(req Request, firstUser string) (*store.Session, string, error) {
	now := time.Now()
	if len(req.Messages) <= 1 {
		s, err := p.sessions.ResolveOrCreate(firstUser, now)
		if err != nil {
			return nil, "", err
		}
		// A single message carries no history. If the session already
		// advanced, the client is starting a new conversation with the
		// same opener, not resuming: drop the old chain.
		if s.MessageCount > 0 {
			if err := p.sessions.RestartChain(s, now); err != nil {
				return nil, "", err
			}
		}
		return s, "", nil
	}

	if firstAssistant := req.FirstAssistantMessage(); firstAssistant != "" {
		s, err := p.sessions.ContinueByConversation(firstUser, firstAssistant, now)
		if err != nil {
			return nil, "", err
		}
		if s != nil {
			return s, "", nil
		}
	}

	// Unknown history: rebuild the chain from the replayed prefix.
	s, err := p.sessions.ResolveOrCreate(firstUser, now)
	if err != nil {
		return nil, "", err
	}
	prefix := flattenPrefix(req.Messages[:len(req.Messages)-1])
	return s, prefix, nil
}

// flattenPrefix folds a message history into one user turn, labelling
// each original role.
func flattenPrefix(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(systemFoldDelimiter)
		}
		fmt.Fprintf(&b, "%s: %s", m.Role, m.Content)
	}
	return b.String()
}

// foldTurn builds the upstream text for the current turn: system
// messages belonging to the turn being sent, meaning those after the
// last assistant reply, are prepended to the final user message.
// Earlier system messages were already delivered with their own turns.
func foldTurn(req Request) string {
	msgs := req.Messages
	start := 0
	for i := len(msgs) - 2; i >= 0; i-- {
		if msgs[i].Role == RoleAssistant {
			start = i + 1
			break
		}
	}
	var parts []string
	for _, m := range msgs[start : len(msgs)-1] {
		if m.Role == RoleSystem && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	parts = append(parts, msgs[len(msgs)-1].Content)
	return strings.Join(parts, systemFoldDelimiter)
}

func (p *QwenWebProvider) validCredential() (*store.Credential, error) {
	cred, err := p.creds.GetCurrent(TypeQwenWeb)
	if err != nil {
		if fault.Is(err, fault.KindNotFound) {
			return nil, fault.New(fault.KindUpstreamAuth, "no credentials available for qwen-web")
		}
		return nil, err
	}
	if !cred.Valid(time.Now().UnixMilli()) {
		return nil, fault.New(fault.KindUpstreamAuth, "qwen-web credentials are stale or expired")
	}
	return cred, nil
}

func (p *QwenWebProvider) markCredentialInvalid() {
	if err := p.creds.MarkStale(TypeQwenWeb); err != nil {
		logging.Logger.Error("failed to mark credential stale", "error", err)
	}
	if p.bus != nil {
		p.bus.Publish(events.TopicCredentials, map[string]string{"backend": TypeQwenWeb, "event": "credentials-invalid"})
	}
}

func (p *QwenWebProvider) authedRequest(ctx context.Context, cred *store.Credential, method, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "build upstream request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Cookie", cred.Cookies)
	return req, nil
}

// newChat creates a fresh upstream conversation and returns its chat_id.
func (p *QwenWebProvider) newChat(ctx context.Context, cred *store.Credential, model string) (string, error) {
	body, _ := json.Marshal(map[string]string{"model": model})
	req, err := p.authedRequest(ctx, cred, http.MethodPost, p.baseURL+"/api/v1/chats/new", body)
	if err != nil {
		return "", err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", mapTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := readBodyLimited(resp.Body)
	if err != nil {
		return "", fault.Wrap(fault.KindUpstreamNet, "read chat create response", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		p.markCredentialInvalid()
		return "", fault.Newf(fault.KindUpstreamAuth, "upstream rejected credentials (%d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", upstreamHTTPError(resp.StatusCode, respBody)
	}

	chatID := gjson.GetBytes(respBody, "id").String()
	if chatID == "" {
		chatID = gjson.GetBytes(respBody, "data.id").String()
	}
	if chatID == "" {
		return "", fault.New(fault.KindUpstreamServer, "chat create response carried no id")
	}
	return chatID, nil
}

// turnPayload is the upstream body for one posted message.
type turnPayload struct {
	ChatID   string `json:"chat_id"`
	Model    string `json:"model"`
	ParentID string `json:"parent_id,omitempty"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func buildTurnPayload(chatID, parentID, model, content string) []byte {
	p := turnPayload{ChatID: chatID, Model: model, ParentID: parentID, Stream: true}
	p.Messages = append(p.Messages, struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: RoleUser, Content: content})
	body, _ := json.Marshal(p)
	return body
}

// openTurn posts one message and returns the open streaming response.
// The upstream is always contacted in streaming mode; buffered upstream
// replies omit the parent_id chunk.
func (p *QwenWebProvider) openTurn(ctx context.Context, cred *store.Credential, chatID, parentID, model, content string) (*http.Response, error) {
	body := buildTurnPayload(chatID, parentID, model, content)
	if attach := payloadRecorderFrom(ctx); attach != nil {
		if err := attach(string(body)); err != nil {
			logging.Logger.Warn("failed to attach upstream payload", "error", err)
		}
	}

	req, err := p.authedRequest(ctx, cred, http.MethodPost, p.baseURL+"/api/v1/chat/completions?chat_id="+chatID, body)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, mapTransportError(err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		defer func() { _ = resp.Body.Close() }()
		p.markCredentialInvalid()
		return nil, fault.Newf(fault.KindUpstreamAuth, "upstream rejected credentials (%d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		respBody, _ := readBodyLimited(resp.Body)
		return nil, upstreamHTTPError(resp.StatusCode, respBody)
	}
	return resp, nil
}

// replayTurn re-establishes conversation context by posting a flattened
// prefix and draining the reply; only the resulting parent_id matters.
func (p *QwenWebProvider) replayTurn(ctx context.Context, cred *store.Credential, chatID, parentID, model, prefix string) (string, error) {
	resp, err := p.openTurn(ctx, cred, chatID, parentID, model, prefix)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	newParent := parentID
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := decodeStreamLine(scanner.Text())
		if line == nil {
			continue
		}
		if pid := line.Get("parent_id"); pid.Exists() {
			newParent = pid.String()
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fault.Wrap(fault.KindUpstreamNet, "replay stream aborted", err)
	}
	return newParent, nil
}

// relay decodes the upstream JSON-line stream and re-emits OpenAI
// chunks. It owns the terminal session advance.
func (p *QwenWebProvider) relay(ctx context.Context, resp *http.Response, out chan<- StreamChunk, sess *store.Session, chatID, model string, firstTurn bool) {
	defer func() { _ = resp.Body.Close() }()

	var (
		streamID     = "chatcmpl-" + uuid.NewString()
		created      = time.Now().Unix()
		parentID     string
		finishReason string
		usage        *Usage
		assistantBuf strings.Builder
		cancelled    bool
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
scan:
	for scanner.Scan() {
		line := decodeStreamLine(scanner.Text())
		if line == nil {
			continue
		}
		if pid := line.Get("parent_id"); pid.Exists() && pid.String() != "" {
			parentID = pid.String()
		}
		if fr := line.Get("finish_reason"); fr.Exists() && fr.String() != "" {
			finishReason = fr.String()
			if u := line.Get("usage"); u.Exists() {
				usage = &Usage{
					PromptTokens:     int(u.Get("prompt_tokens").Int()),
					CompletionTokens: int(u.Get("completion_tokens").Int()),
					TotalTokens:      int(u.Get("total_tokens").Int()),
				}
			}
			break
		}

		content := line.Get("content").String()
		if firstTurn {
			assistantBuf.WriteString(content)
		}
		// Empty chunks (no-output turns) are suppressed in streaming.
		if content == "" {
			continue
		}
		chunk := StreamChunk{
			ID:      streamID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []StreamChoice{{Index: 0, Delta: MessageDelta{Content: content}}},
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			cancelled = true
			break scan
		}
	}

	if cancelled || ctx.Err() != nil {
		// Client went away: stop reading upstream, do not advance the
		// chain past a turn the client never saw completed.
		out <- StreamChunk{Error: ctx.Err()}
		return
	}
	if err := scanner.Err(); err != nil {
		out <- StreamChunk{Error: fault.Wrap(fault.KindUpstreamNet, "upstream stream aborted", err)}
		return
	}
	if finishReason == "" {
		finishReason = "stop"
	}

	if _, err := p.sessions.Advance(sess.ID, parentID, chatID, time.Now()); err != nil {
		logging.Logger.Error("failed to advance session", "session_id", sess.ID, "error", err)
	}
	if firstTurn {
		if err := p.sessions.CompleteFirstTurn(sess, assistantBuf.String()); err != nil {
			logging.Logger.Error("failed to record first turn", "session_id", sess.ID, "error", err)
		}
	}

	terminal := StreamChunk{
		ID:      streamID,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []StreamChoice{{
			Index:        0,
			Delta:        MessageDelta{},
			FinishReason: finishReason,
		}},
		ParentID: parentID,
		Usage:    usage,
	}
	select {
	case out <- terminal:
	case <-ctx.Done():
	}
}

// decodeStreamLine parses one upstream line. Both raw JSON lines and
// SSE "data: " framing are accepted; blank lines and [DONE] yield nil.
func decodeStreamLine(line string) *gjson.Result {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "data: ")
	if line == "" || line == SSEDone {
		return nil
	}
	if !gjson.Valid(line) {
		return nil
	}
	r := gjson.Parse(line)
	return &r
}

// HealthCheck probes the chat-list endpoint with the current credential;
// a missing credential reports unhealthy rather than erroring.
func (p *QwenWebProvider) HealthCheck(ctx context.Context) HealthStatus {
	cred, err := p.validCredential()
	if err != nil {
		return HealthStatus{Healthy: false, Message: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	req, err := p.authedRequest(ctx, cred, http.MethodGet, p.baseURL+"/api/v1/chats", nil)
	if err != nil {
		return HealthStatus{Healthy: false, Message: err.Error()}
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return HealthStatus{Healthy: false, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	latency := time.Since(start).Milliseconds()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		p.markCredentialInvalid()
		return HealthStatus{Healthy: false, LatencyMs: latency, Message: "credentials rejected"}
	}
	if resp.StatusCode != http.StatusOK {
		return HealthStatus{Healthy: false, LatencyMs: latency, Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}
	return HealthStatus{Healthy: true, LatencyMs: latency}
}

// Close releases transport resources.
func (p *QwenWebProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}
