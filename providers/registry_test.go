package providers

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ferro-labs/llm-bridge/internal/events"
	"github.com/ferro-labs/llm-bridge/internal/fault"
	"github.com/ferro-labs/llm-bridge/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store, *events.Bus) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	reg := NewRegistry(st, NewFactory(Deps{}), bus)
	t.Cleanup(reg.CloseAll)
	return reg, st, bus
}

func seedProvider(t *testing.T, st *store.Store, id string, enabled bool) {
	t.Helper()
	if err := st.Providers().Create(&store.Provider{
		ID: id, Name: "Provider " + id, Type: TypeOpenAILocal, Enabled: enabled,
	}); err != nil {
		t.Fatalf("seed provider %s: %v", id, err)
	}
	if err := st.Providers().SetConfig(id, "baseURL", "http://127.0.0.1:1", false); err != nil {
		t.Fatalf("seed config: %v", err)
	}
}

func TestRegistryLoadAndGet(t *testing.T) {
	reg, st, bus := newTestRegistry(t)
	sub := bus.Subscribe(events.TopicLifecycle)
	seedProvider(t, st, "local-a", true)

	if _, err := reg.Get("local-a"); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("expected not-found before load, got %v", err)
	}
	if err := reg.Load("local-a"); err != nil {
		t.Fatalf("load: %v", err)
	}
	p, err := reg.Get("local-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.ID() != "local-a" || p.Type() != TypeOpenAILocal {
		t.Fatalf("unexpected instance %s/%s", p.ID(), p.Type())
	}

	select {
	case ev := <-sub.Events():
		payload := ev.Payload.(map[string]string)
		if payload["provider"] != "local-a" || payload["event"] != "loaded" {
			t.Fatalf("unexpected lifecycle payload %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no lifecycle event")
	}
}

func TestRegistryReloadReplacesInstance(t *testing.T) {
	reg, st, _ := newTestRegistry(t)
	seedProvider(t, st, "local-a", true)

	if err := reg.Load("local-a"); err != nil {
		t.Fatalf("load: %v", err)
	}
	before, _ := reg.Get("local-a")

	if err := reg.Reload("local-a"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	after, err := reg.Get("local-a")
	if err != nil {
		t.Fatalf("get after reload: %v", err)
	}
	if before == after {
		t.Fatal("reload kept the old instance")
	}
}

func TestRegistryUnload(t *testing.T) {
	reg, st, _ := newTestRegistry(t)
	seedProvider(t, st, "local-a", true)

	if err := reg.Load("local-a"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := reg.Unload("local-a"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if _, err := reg.Get("local-a"); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("expected not-found after unload, got %v", err)
	}
	// Unloading again is a no-op.
	if err := reg.Unload("local-a"); err != nil {
		t.Fatalf("second unload: %v", err)
	}
}

func TestRegistryLoadAllSkipsFailures(t *testing.T) {
	reg, st, _ := newTestRegistry(t)
	seedProvider(t, st, "local-good", true)
	seedProvider(t, st, "local-off", false)

	// A provider with a config its schema rejects must not abort boot.
	if err := st.Providers().Create(&store.Provider{
		ID: "bad-row", Name: "Bad", Type: TypeOpenAILocal, Enabled: true,
	}); err != nil {
		t.Fatalf("seed bad provider: %v", err)
	}
	if err := st.Providers().SetConfig("bad-row", "timeout", "whenever", false); err != nil {
		t.Fatalf("seed bad config: %v", err)
	}

	if err := reg.LoadAll(); err != nil {
		t.Fatalf("load all: %v", err)
	}

	if _, err := reg.Get("local-good"); err != nil {
		t.Fatalf("good provider missing: %v", err)
	}
	if _, err := reg.Get("bad-row"); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("bad provider should be skipped, got %v", err)
	}
	if _, err := reg.Get("local-off"); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("disabled provider should not load, got %v", err)
	}
}

func TestRegistryLoadUnknownProvider(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	if err := reg.Load("ghost"); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}
