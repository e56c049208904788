package llmbridge

import (
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/llm-bridge/internal/events"
	"github.com/ferro-labs/llm-bridge/internal/fault"
	"github.com/ferro-labs/llm-bridge/internal/logging"
	"github.com/ferro-labs/llm-bridge/internal/store"
)

// LoadBootstrap reads and validates a bootstrap file. YAML and JSON
// both parse; JSON is a YAML subset.
func LoadBootstrap(path string) (*BootstrapConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "read bootstrap config", err)
	}
	var cfg BootstrapConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "parse bootstrap config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Seed applies a bootstrap config to the store. Existing rows win:
// a provider or model that already exists is left untouched so runtime
// edits survive restarts, and a setting is only written when no stored
// value exists. Call before Start so seeded providers hydrate with the
// rest.
func (g *Gateway) Seed(cfg *BootstrapConfig) error {
	for _, m := range cfg.Models {
		err := g.store.Models().Create(&store.Model{
			ID:           m.ID,
			Name:         m.Name,
			Description:  m.Description,
			Capabilities: m.Capabilities,
		})
		if fault.Is(err, fault.KindConflict) {
			continue
		}
		if err != nil {
			return err
		}
	}

	for _, p := range cfg.Providers {
		err := g.store.Providers().Create(&store.Provider{
			ID:          p.ID,
			Name:        p.Name,
			Type:        p.Type,
			Enabled:     p.Enabled,
			Priority:    p.Priority,
			Description: p.Description,
		})
		if fault.Is(err, fault.KindConflict) {
			logging.Logger.Debug("bootstrap provider already exists", "provider", p.ID)
			continue
		}
		if err != nil {
			return err
		}
		for key, value := range p.Config {
			sensitive := slices.Contains(p.Sensitive, key)
			if err := g.store.Providers().SetConfig(p.ID, key, value, sensitive); err != nil {
				return err
			}
		}
		for _, link := range p.Models {
			if err := g.store.Models().Link(&store.ProviderModel{
				ProviderID: p.ID,
				ModelID:    link.ID,
				IsDefault:  link.Default,
			}); err != nil {
				return err
			}
		}
		logging.Logger.Info("seeded provider", "provider", p.ID, "type", p.Type)
	}

	for key, value := range cfg.Settings {
		_, err := g.store.Settings().Get(key)
		if err == nil {
			continue // a stored value outranks the seed
		}
		if !fault.Is(err, fault.KindNotFound) {
			return err
		}
		if _, err := g.settings.Update(key, value); err != nil {
			return err
		}
	}

	if len(cfg.Providers) > 0 {
		g.bus.Publish(events.TopicProviders, map[string]any{"event": "seeded", "count": len(cfg.Providers)})
	}
	return nil
}
