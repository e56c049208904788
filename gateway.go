// Package llmbridge is the composition root of the bridge: it owns the
// store, the event bus, the settings sync, the session manager, the
// audit recorder, and the provider registry, and dispatches incoming
// OpenAI chat-completions calls to the right provider instance.
//
// Create a Gateway with New, hydrate providers with Start, and route
// requests with Chat or ChatStream. The HTTP server in cmd/bridged and
// the admin surface in internal/admin are thin layers over this type.
package llmbridge

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ferro-labs/llm-bridge/internal/audit"
	"github.com/ferro-labs/llm-bridge/internal/cache"
	"github.com/ferro-labs/llm-bridge/internal/circuitbreaker"
	"github.com/ferro-labs/llm-bridge/internal/events"
	"github.com/ferro-labs/llm-bridge/internal/fault"
	"github.com/ferro-labs/llm-bridge/internal/logging"
	"github.com/ferro-labs/llm-bridge/internal/metrics"
	"github.com/ferro-labs/llm-bridge/internal/session"
	"github.com/ferro-labs/llm-bridge/internal/settings"
	"github.com/ferro-labs/llm-bridge/internal/store"
	"github.com/ferro-labs/llm-bridge/providers"
)

// Options configures a Gateway. Zero values select defaults; the
// session TTL and sweep interval default to the settings layer.
type Options struct {
	DBPath string

	SessionTTL    time.Duration
	SweepInterval time.Duration

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	ModelCacheTTL time.Duration
}

const defaultModelCacheTTL = 30 * time.Second

// Gateway wires the bridge together and routes chat traffic.
type Gateway struct {
	opts     Options
	store    *store.Store
	bus      *events.Bus
	settings *settings.Sync
	sessions *session.Manager
	recorder *audit.Recorder
	registry *providers.Registry

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.CircuitBreaker

	modelCache *cache.Memory[[]providers.ModelInfo]
	cacheStop  func()

	started time.Time
}

// New opens the store at opts.DBPath and assembles the gateway. No
// providers are loaded until Start.
func New(opts Options) (*Gateway, error) {
	st, err := store.Open(opts.DBPath)
	if err != nil {
		return nil, err
	}
	bus := events.NewBus()
	cfg, err := settings.NewSync(st.Settings(), bus)
	if err != nil {
		bus.Close()
		_ = st.Close()
		return nil, err
	}
	logging.SetLevel(cfg.Get(settings.KeyLogLevel))

	ttl := opts.SessionTTL
	if ttl <= 0 {
		if ms, err := cfg.GetInt(settings.KeySessionTimeout); err == nil && ms > 0 {
			ttl = time.Duration(ms) * time.Millisecond
		}
	}
	sessions := session.NewManager(st.Sessions(), bus, ttl)
	factory := providers.NewFactory(providers.Deps{
		Sessions:    sessions,
		Credentials: st.Credentials(),
		Models:      st.Models(),
		Bus:         bus,
	})

	cacheTTL := opts.ModelCacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultModelCacheTTL
	}

	g := &Gateway{
		opts:       opts,
		store:      st,
		bus:        bus,
		settings:   cfg,
		sessions:   sessions,
		recorder:   audit.NewRecorder(st),
		registry:   providers.NewRegistry(st, factory, bus),
		breakers:   make(map[string]*circuitbreaker.CircuitBreaker),
		modelCache: cache.NewMemory[[]providers.ModelInfo](16, cacheTTL),
		started:    time.Now(),
	}
	// Any provider or model mutation invalidates the aggregated list.
	g.cacheStop = bus.SubscribeFunc(func(events.Event) { g.modelCache.Clear() },
		events.TopicLifecycle, events.TopicProviders, events.TopicModels)
	return g, nil
}

// Start hydrates every enabled provider and starts the session sweeper.
func (g *Gateway) Start() error {
	if err := g.registry.LoadAll(); err != nil {
		return err
	}
	interval := g.opts.SweepInterval
	if interval <= 0 {
		if ms, err := g.settings.GetInt(settings.KeySessionCleanup); err == nil && ms > 0 {
			interval = time.Duration(ms) * time.Millisecond
		}
	}
	g.sessions.StartSweeper(interval)
	return nil
}

// Close releases every owned resource in reverse dependency order.
func (g *Gateway) Close() error {
	g.cacheStop()
	g.sessions.Stop()
	g.registry.CloseAll()
	g.bus.Close()
	return g.store.Close()
}

// Store exposes the backing store to the admin surface and CLI.
func (g *Gateway) Store() *store.Store { return g.store }

// Bus exposes the event bus.
func (g *Gateway) Bus() *events.Bus { return g.bus }

// Settings exposes the merged settings view.
func (g *Gateway) Settings() *settings.Sync { return g.settings }

// Sessions exposes the session manager.
func (g *Gateway) Sessions() *session.Manager { return g.sessions }

// Recorder exposes the audit recorder.
func (g *Gateway) Recorder() *audit.Recorder { return g.recorder }

// Registry exposes the provider registry.
func (g *Gateway) Registry() *providers.Registry { return g.registry }

// Uptime reports how long the gateway has been running.
func (g *Gateway) Uptime() time.Duration { return time.Since(g.started) }

// RequestMeta carries the HTTP framing of a call into the audit trail.
type RequestMeta struct {
	Method string
	Path   string
}

// Chat dispatches one buffered chat completion.
func (g *Gateway) Chat(ctx context.Context, req providers.Request, meta RequestMeta) (*providers.Response, error) {
	p, entry, ctx, err := g.dispatch(ctx, req, meta)
	if err != nil {
		return nil, err
	}

	resp, err := p.Complete(ctx, req)
	g.noteResult(p.ID(), err)
	if err != nil {
		g.finishErr(ctx, entry, err, "")
		return nil, err
	}
	normaliseResponse(resp, p.ID())

	body, merr := json.Marshal(resp)
	if merr != nil {
		logging.FromContext(ctx).Error("failed to encode response for audit", "error", merr)
	}
	finish := ""
	if len(resp.Choices) > 0 {
		finish = resp.Choices[0].FinishReason
	}
	if err := entry.Finish(audit.Outcome{
		OpenAIResponse:   string(body),
		FinishReason:     finish,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}); err != nil {
		logging.FromContext(ctx).Error("failed to finalise audit entry", "request_id", entry.RequestID, "error", err)
	}
	return resp, nil
}

// ChatStream dispatches one streaming chat completion. The returned
// channel mirrors the provider stream; the terminal response row is
// written when the stream ends.
func (g *Gateway) ChatStream(ctx context.Context, req providers.Request, meta RequestMeta) (<-chan providers.StreamChunk, error) {
	p, entry, ctx, err := g.dispatch(ctx, req, meta)
	if err != nil {
		return nil, err
	}

	upstream, err := p.CompleteStream(ctx, req)
	if err != nil {
		g.noteResult(p.ID(), err)
		g.finishErr(ctx, entry, err, "")
		return nil, err
	}
	// The provider handed back an open stream; failures past this point
	// finalise a response row instead of leaving only the request row.
	entry.MarkDialed()

	out := make(chan providers.StreamChunk, 16)
	go g.relayStream(ctx, p.ID(), entry, req, upstream, out)
	return out, nil
}

// relayStream tees the provider stream to the client channel and the
// audit trail. Chunks are not individually persisted; only the
// accumulated terminal state is.
func (g *Gateway) relayStream(ctx context.Context, providerID string, entry *audit.Entry,
	req providers.Request, upstream <-chan providers.StreamChunk, out chan<- providers.StreamChunk) {
	defer close(out)

	var (
		content      strings.Builder
		usage        *providers.Usage
		failure      error
		streamID     string
		parentID     string
		finishReason string
		clientGone   bool
	)

	for chunk := range upstream {
		if chunk.Error != nil {
			failure = chunk.Error
		}
		if streamID == "" && chunk.ID != "" {
			streamID = chunk.ID
		}
		if chunk.ParentID != "" {
			parentID = chunk.ParentID
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		for _, c := range chunk.Choices {
			content.WriteString(c.Delta.Content)
			if c.FinishReason != "" {
				finishReason = c.FinishReason
			}
		}
		if clientGone {
			continue // drain so the provider can advance its state
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			clientGone = true
		}
	}

	g.noteResult(providerID, failure)
	if failure != nil {
		// A mid-stream abort keeps whatever output was already produced.
		partial := ""
		if content.Len() > 0 {
			body, err := json.Marshal(providers.Response{
				ID:       streamID,
				Object:   "chat.completion",
				Created:  time.Now().Unix(),
				Model:    req.Model,
				Provider: providerID,
				Choices: []providers.Choice{{
					Message:      providers.Message{Role: providers.RoleAssistant, Content: content.String()},
					FinishReason: "error",
				}},
			})
			if err != nil {
				logging.Logger.Error("failed to encode partial stream result for audit", "error", err)
			}
			partial = string(body)
		}
		g.finishErr(ctx, entry, failure, partial)
		return
	}

	resp := providers.Response{
		ID:       streamID,
		Object:   "chat.completion",
		Created:  time.Now().Unix(),
		Model:    req.Model,
		Provider: providerID,
		Choices: []providers.Choice{{
			Message:      providers.Message{Role: providers.RoleAssistant, Content: content.String()},
			FinishReason: finishReason,
		}},
	}
	if usage != nil {
		resp.Usage = *usage
	}
	body, err := json.Marshal(resp)
	if err != nil {
		logging.Logger.Error("failed to encode stream result for audit", "error", err)
	}
	outcome := audit.Outcome{
		OpenAIResponse: string(body),
		ParentID:       parentID,
		FinishReason:   finishReason,
	}
	if usage != nil {
		outcome.PromptTokens = usage.PromptTokens
		outcome.CompletionTokens = usage.CompletionTokens
		outcome.TotalTokens = usage.TotalTokens
	}
	if err := entry.Finish(outcome); err != nil {
		logging.Logger.Error("failed to finalise audit entry", "request_id", entry.RequestID, "error", err)
	}
}

// dispatch validates the request, selects a provider, and opens the
// audit entry. The returned context carries the payload recorder that
// captures the translated upstream body before the dial.
func (g *Gateway) dispatch(ctx context.Context, req providers.Request, meta RequestMeta) (providers.Provider, *audit.Entry, context.Context, error) {
	if err := req.Validate(); err != nil {
		metrics.RequestsTotal.WithLabelValues("", req.Model, "rejected").Inc()
		if rerr := g.recorder.RecordError(err, "", logging.RequestIDFromContext(ctx), ""); rerr != nil {
			logging.FromContext(ctx).Error("failed to record validation error", "error", rerr)
		}
		return nil, nil, nil, err
	}

	p, err := g.selectProvider(req.Model)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("", req.Model, "rejected").Inc()
		if rerr := g.recorder.RecordError(err, "", logging.RequestIDFromContext(ctx), ""); rerr != nil {
			logging.FromContext(ctx).Error("failed to record routing error", "error", rerr)
		}
		return nil, nil, nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, nil, fault.Wrap(fault.KindInternal, "encode request", err)
	}
	row := &store.Request{
		RequestID:     logging.RequestIDFromContext(ctx),
		OpenAIRequest: string(body),
		Model:         req.Model,
		Stream:        req.Stream,
		Method:        meta.Method,
		Path:          meta.Path,
		ProviderID:    p.ID(),
	}
	if p.Type() == providers.TypeQwenWeb {
		// Stateful backends address sessions by content. The session row
		// must exist before the request row that references it, so
		// resolve it here; the provider's own resolution finds the same
		// row.
		if first := req.FirstUserMessage(); first != "" {
			s, err := g.sessions.ResolveOrCreate(first, time.Now())
			if err != nil {
				return nil, nil, nil, err
			}
			row.SessionID = s.ID
		}
	}
	entry, err := g.recorder.Begin(row)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx = providers.WithPayloadRecorder(ctx, entry.AttachUpstreamPayload)
	return p, entry, ctx, nil
}

// selectProvider resolves the target: the active_provider setting
// first, then enabled providers linked to the model by descending
// priority. An unloaded provider or an open circuit breaker makes the
// dispatcher fall through silently.
func (g *Gateway) selectProvider(model string) (providers.Provider, error) {
	tried := make(map[string]bool)
	if active := g.settings.Get(settings.KeyActiveProvider); active != "" {
		tried[active] = true
		if p, err := g.registry.Get(active); err == nil && g.breakerFor(active).Allow() {
			return p, nil
		}
	}

	rows, err := g.store.Providers().ListEnabled()
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if tried[row.ID] {
			continue
		}
		linked, err := g.store.Models().IsLinked(row.ID, model)
		if err != nil {
			return nil, err
		}
		if !linked {
			continue
		}
		p, err := g.registry.Get(row.ID)
		if err != nil {
			continue
		}
		if !g.breakerFor(row.ID).Allow() {
			continue
		}
		return p, nil
	}
	return nil, fault.Newf(fault.KindNotFound, "no provider available for model %q", model)
}

// breakerFor returns the provider's circuit breaker, creating it on
// first use.
func (g *Gateway) breakerFor(providerID string) *circuitbreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.breakers[providerID]
	if !ok {
		cb = circuitbreaker.New(providerID,
			g.opts.BreakerFailureThreshold, g.opts.BreakerSuccessThreshold, g.opts.BreakerTimeout)
		g.breakers[providerID] = cb
	}
	return cb
}

// noteResult feeds the circuit breaker. Only network and server-side
// upstream failures count against a provider; a validation or auth
// error says nothing about its availability.
func (g *Gateway) noteResult(providerID string, err error) {
	cb := g.breakerFor(providerID)
	if err == nil {
		cb.RecordSuccess()
		return
	}
	switch fault.KindOf(err) {
	case fault.KindUpstreamNet, fault.KindUpstreamServer:
		cb.RecordFailure()
	}
}

// finishErr writes the terminal audit state for a failed call; partial
// carries any output the stream produced before dying.
func (g *Gateway) finishErr(ctx context.Context, entry *audit.Entry, cause error, partial string) {
	if errors.Is(cause, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		if err := entry.Cancelled(); err != nil {
			logging.Logger.Error("failed to record cancellation", "request_id", entry.RequestID, "error", err)
		}
		return
	}
	if err := entry.Fail(cause, partial); err != nil {
		logging.Logger.Error("failed to record failure", "request_id", entry.RequestID, "error", err)
	}
}

func normaliseResponse(resp *providers.Response, providerID string) {
	if resp.Object == "" {
		resp.Object = "chat.completion"
	}
	if resp.Created == 0 {
		resp.Created = time.Now().Unix()
	}
	if resp.Provider == "" {
		resp.Provider = providerID
	}
}

// ------------------------------------------------------------- models -------

const modelCacheKey = "aggregate"

// Models aggregates the model lists of every enabled provider: live
// ListModels results where the instance supports it, unioned with the
// linked ProviderModel rows, de-duplicated by id. The result is cached
// until the TTL elapses or a provider/model mutation invalidates it.
func (g *Gateway) Models(ctx context.Context) ([]providers.ModelInfo, error) {
	if cached, ok := g.modelCache.Get(modelCacheKey); ok {
		return cached, nil
	}

	rows, err := g.store.Providers().ListEnabled()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]providers.ModelInfo)
	for _, row := range rows {
		if inst, err := g.registry.Get(row.ID); err == nil {
			if lister, ok := inst.(providers.ModelLister); ok {
				ids, err := lister.ListModels(ctx)
				if err != nil {
					logging.FromContext(ctx).Warn("live model listing failed", "provider", row.ID, "error", err)
				}
				for _, m := range providers.ModelsFromList(row.ID, ids) {
					if _, dup := seen[m.ID]; !dup {
						seen[m.ID] = m
					}
				}
			}
		}
		links, err := g.store.Models().LinkedModels(row.ID)
		if err != nil {
			return nil, err
		}
		for _, link := range links {
			if _, dup := seen[link.ModelID]; !dup {
				seen[link.ModelID] = providers.ModelInfo{ID: link.ModelID, Object: "model", OwnedBy: row.ID}
			}
		}
	}

	out := make([]providers.ModelInfo, 0, len(seen))
	for _, m := range seen {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	g.modelCache.Set(modelCacheKey, out)
	return out, nil
}

// ------------------------------------------------------------- summary ------

// ProviderStatus is one provider's entry in the health summary.
type ProviderStatus struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
	Loaded  bool   `json:"loaded"`
	Breaker string `json:"breaker"`
}

// Summary is the health-endpoint snapshot.
type Summary struct {
	Status        string           `json:"status"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Providers     []ProviderStatus `json:"providers"`
	Requests      int              `json:"requests"`
	Responses     int              `json:"responses"`
	Sessions      int              `json:"sessions"`
	Errors        int              `json:"errors"`
}

// Summarize gathers the health snapshot from the store and registry.
func (g *Gateway) Summarize() (*Summary, error) {
	rows, err := g.store.Providers().FindAll(store.ProviderFilter{})
	if err != nil {
		return nil, err
	}
	s := &Summary{
		Status:        "ok",
		UptimeSeconds: int64(g.Uptime().Seconds()),
	}
	for _, row := range rows {
		_, err := g.registry.Get(row.ID)
		s.Providers = append(s.Providers, ProviderStatus{
			ID:      row.ID,
			Type:    row.Type,
			Enabled: row.Enabled,
			Loaded:  err == nil,
			Breaker: g.breakerFor(row.ID).State().String(),
		})
	}
	if s.Requests, err = g.store.Requests().Count(); err != nil {
		return nil, err
	}
	if s.Responses, err = g.store.Responses().Count(); err != nil {
		return nil, err
	}
	if s.Sessions, err = g.store.Sessions().Count(); err != nil {
		return nil, err
	}
	if s.Errors, err = g.store.Errors().Count(); err != nil {
		return nil, err
	}
	return s, nil
}
