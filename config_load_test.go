package llmbridge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ferro-labs/llm-bridge/internal/fault"
	"github.com/ferro-labs/llm-bridge/internal/settings"
)

const bootstrapYAML = `
models:
  - id: qwen3-max
    name: Qwen3 Max
    capabilities: [chat, streaming]

providers:
  - id: qwen-main
    name: Qwen Web
    type: qwen-web
    enabled: true
    priority: 10
    config:
      baseURL: https://chat.example.com
      defaultModel: qwen3-max
    models:
      - id: qwen3-max
        default: true
  - id: remote
    name: Remote OpenAI
    type: openai
    enabled: false
    config:
      baseURL: https://api.example.com
      apiKey: sk-test-1234
    sensitive: [apiKey]

settings:
  active_provider: qwen-main
`

func writeBootstrap(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write bootstrap: %v", err)
	}
	return path
}

func TestLoadBootstrapAndSeed(t *testing.T) {
	cfg, err := LoadBootstrap(writeBootstrap(t, bootstrapYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	g := newTestGateway(t, Options{})
	if err := g.Seed(cfg); err != nil {
		t.Fatalf("seed: %v", err)
	}

	p, err := g.Store().Providers().Get("qwen-main")
	if err != nil {
		t.Fatalf("seeded provider missing: %v", err)
	}
	if !p.Enabled || p.Priority != 10 || p.Type != "qwen-web" {
		t.Fatalf("provider row %+v", p)
	}

	values, sensitive, err := g.Store().Providers().ConfigMap("remote")
	if err != nil {
		t.Fatalf("config map: %v", err)
	}
	if values["apiKey"] != "sk-test-1234" || !sensitive["apiKey"] {
		t.Fatalf("sensitive config not honoured: %v / %v", values, sensitive)
	}

	def, err := g.Store().Models().DefaultModel("qwen-main")
	if err != nil || def != "qwen3-max" {
		t.Fatalf("default model %q err %v", def, err)
	}
	if got := g.Settings().Get(settings.KeyActiveProvider); got != "qwen-main" {
		t.Fatalf("active provider %q", got)
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	cfg, err := LoadBootstrap(writeBootstrap(t, bootstrapYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	g := newTestGateway(t, Options{})
	if err := g.Seed(cfg); err != nil {
		t.Fatalf("first seed: %v", err)
	}

	// Runtime edits must survive a re-seed.
	if err := g.Store().Providers().SetEnabled("remote", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if _, err := g.Settings().Update(settings.KeyActiveProvider, "remote"); err != nil {
		t.Fatalf("update setting: %v", err)
	}

	if err := g.Seed(cfg); err != nil {
		t.Fatalf("second seed: %v", err)
	}
	p, err := g.Store().Providers().Get("remote")
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	if !p.Enabled {
		t.Fatal("re-seed reverted a runtime edit")
	}
	if got := g.Settings().Get(settings.KeyActiveProvider); got != "remote" {
		t.Fatalf("re-seed clobbered setting: %q", got)
	}
	if n, _ := g.Store().Providers().Count(); n != 2 {
		t.Fatalf("provider count %d", n)
	}
}

func TestBootstrapValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown type", `
providers:
  - id: p1
    name: P1
    type: smoke-signals
`},
		{"undeclared model link", `
providers:
  - id: p1
    name: P1
    type: openai-local
    models:
      - id: ghost-model
`},
		{"duplicate provider", `
providers:
  - id: p1
    name: P1
    type: openai-local
  - id: p1
    name: P1 again
    type: openai-local
`},
		{"sensitive without value", `
providers:
  - id: p1
    name: P1
    type: openai
    config:
      baseURL: https://x
    sensitive: [apiKey]
`},
		{"not yaml", `{{{{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadBootstrap(writeBootstrap(t, tc.body))
			if !fault.Is(err, fault.KindValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}
