package llmbridge

import (
	"github.com/ferro-labs/llm-bridge/internal/fault"
	"github.com/ferro-labs/llm-bridge/providers"
)

// BootstrapConfig is the optional declarative seed applied at boot. It
// describes providers, models, and settings that should exist in the
// store; rows already present win, so applying the same file on every
// boot is safe.
type BootstrapConfig struct {
	Providers []BootstrapProvider `yaml:"providers"`
	Models    []BootstrapModel    `yaml:"models"`
	Settings  map[string]string   `yaml:"settings"`
}

// BootstrapProvider seeds one provider row with its config and model
// links. Keys listed in Sensitive are stored with the sensitive flag
// and masked on egress.
type BootstrapProvider struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Type        string            `yaml:"type"`
	Enabled     bool              `yaml:"enabled"`
	Priority    int               `yaml:"priority"`
	Description string            `yaml:"description"`
	Config      map[string]string `yaml:"config"`
	Sensitive   []string          `yaml:"sensitive"`
	Models      []BootstrapLink   `yaml:"models"`
}

// BootstrapLink links a seeded provider to a model id.
type BootstrapLink struct {
	ID      string `yaml:"id"`
	Default bool   `yaml:"default"`
}

// BootstrapModel seeds one logical model row.
type BootstrapModel struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities"`
}

var knownProviderTypes = map[string]bool{
	providers.TypeOpenAI:      true,
	providers.TypeOpenAILocal: true,
	providers.TypeQwenWeb:     true,
}

// Validate checks the bootstrap config for structural problems before
// anything touches the store.
func (c *BootstrapConfig) Validate() error {
	modelIDs := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.ID == "" {
			return fault.New(fault.KindValidation, "bootstrap model is missing an id")
		}
		if modelIDs[m.ID] {
			return fault.Newf(fault.KindValidation, "bootstrap model %q appears twice", m.ID)
		}
		modelIDs[m.ID] = true
	}

	providerIDs := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fault.New(fault.KindValidation, "bootstrap provider is missing an id")
		}
		if providerIDs[p.ID] {
			return fault.Newf(fault.KindValidation, "bootstrap provider %q appears twice", p.ID)
		}
		providerIDs[p.ID] = true
		if p.Name == "" {
			return fault.Newf(fault.KindValidation, "bootstrap provider %q is missing a name", p.ID)
		}
		if !knownProviderTypes[p.Type] {
			return fault.Newf(fault.KindValidation, "bootstrap provider %q has unknown type %q", p.ID, p.Type)
		}
		for _, key := range p.Sensitive {
			if _, ok := p.Config[key]; !ok {
				return fault.Newf(fault.KindValidation,
					"bootstrap provider %q marks %q sensitive but sets no value for it", p.ID, key)
			}
		}
		for _, link := range p.Models {
			if link.ID == "" {
				return fault.Newf(fault.KindValidation, "bootstrap provider %q links a model without an id", p.ID)
			}
			if !modelIDs[link.ID] {
				return fault.Newf(fault.KindValidation,
					"bootstrap provider %q links model %q which the file does not declare", p.ID, link.ID)
			}
		}
	}
	return nil
}
