package providers

import (
	"sync"

	"github.com/ferro-labs/llm-bridge/internal/events"
	"github.com/ferro-labs/llm-bridge/internal/fault"
	"github.com/ferro-labs/llm-bridge/internal/logging"
	"github.com/ferro-labs/llm-bridge/internal/metrics"
	"github.com/ferro-labs/llm-bridge/internal/store"
)

// Registry owns the live provider instances, hydrated from store rows.
// A single mutex guards the map so reload is atomic to external
// observers; the store owns all persisted state, the registry only holds
// a lookup reference to it.
type Registry struct {
	store   *store.Store
	factory *Factory
	bus     *events.Bus

	mu        sync.Mutex
	instances map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry(st *store.Store, factory *Factory, bus *events.Bus) *Registry {
	return &Registry{
		store:     st,
		factory:   factory,
		bus:       bus,
		instances: make(map[string]Provider),
	}
}

// Get returns the live instance for a provider id.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.instances[id]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "provider not loaded: %s", id)
	}
	return p, nil
}

// Loaded returns the ids of all live instances.
func (r *Registry) Loaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.instances))
	for id := range r.instances {
		out = append(out, id)
	}
	return out
}

// Load reads the provider row and configs from the store, constructs an
// instance, and installs it, closing any instance it replaces.
func (r *Registry) Load(id string) error {
	row, err := r.store.Providers().Get(id)
	if err != nil {
		return err
	}
	config, sensitive, err := r.store.Providers().ConfigMap(id)
	if err != nil {
		return err
	}

	instance, err := r.factory.Build(row.ID, row.Type, config, sensitive)
	if err != nil {
		r.publishLifecycle(id, "failed")
		return err
	}

	r.mu.Lock()
	prior := r.instances[id]
	r.instances[id] = instance
	r.mu.Unlock()

	event := "loaded"
	if prior != nil {
		if err := prior.Close(); err != nil {
			logging.Logger.Warn("failed to close replaced provider", "provider", id, "error", err)
		}
		event = "reloaded"
	}
	r.publishLifecycle(id, event)
	return nil
}

// Unload removes an instance and closes its resources. Unloading an
// absent id is a no-op.
func (r *Registry) Unload(id string) error {
	r.mu.Lock()
	instance, ok := r.instances[id]
	delete(r.instances, id)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if err := instance.Close(); err != nil {
		logging.Logger.Warn("failed to close provider", "provider", id, "error", err)
	}
	r.publishLifecycle(id, "unloaded")
	return nil
}

// Reload replaces the live instance with a freshly constructed one.
func (r *Registry) Reload(id string) error {
	if err := r.Unload(id); err != nil {
		return err
	}
	return r.Load(id)
}

// LoadAll hydrates every enabled provider at boot. A per-provider
// failure is logged and skipped so one bad row cannot abort boot.
func (r *Registry) LoadAll() error {
	rows, err := r.store.Providers().ListEnabled()
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := r.Load(row.ID); err != nil {
			logging.Logger.Error("provider failed to load", "provider", row.ID, "type", row.Type, "error", err)
		}
	}
	return nil
}

// CloseAll unloads every instance; called on shutdown.
func (r *Registry) CloseAll() {
	for _, id := range r.Loaded() {
		_ = r.Unload(id)
	}
}

func (r *Registry) publishLifecycle(id, event string) {
	metrics.ProviderReloads.WithLabelValues(id, event).Inc()
	logging.Logger.Info("provider lifecycle", "provider", id, "event", event)
	if r.bus != nil {
		r.bus.Publish(events.TopicLifecycle, map[string]string{"provider": id, "event": event})
	}
}
