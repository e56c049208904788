package store

import (
	"path/filepath"
	"testing"

	"github.com/ferro-labs/llm-bridge/internal/fault"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "bridge.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrationsIdempotent(t *testing.T) {
	s := newTestStore(t)

	v1, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v1 != migrations[len(migrations)-1].Version {
		t.Fatalf("expected schema version %d, got %d", migrations[len(migrations)-1].Version, v1)
	}

	// Running the whole set again must be a no-op.
	if err := s.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v2, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v2 != v1 {
		t.Fatalf("schema version changed on re-migrate: %d -> %d", v1, v2)
	}

	pending, err := s.PendingMigrations()
	if err != nil {
		t.Fatalf("pending migrations: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending migrations, got %d", len(pending))
	}
}

func TestCredentialExpiryNormalisation(t *testing.T) {
	s := newTestStore(t)

	// Simulate a legacy row written in seconds, then re-run the migration.
	_, err := s.DB().Exec(`INSERT INTO credentials(backend, token, cookies, expires_at, stale, updated_at)
		VALUES('qwen-web', 'tok', 'jar', 1700000000, 0, ?)`, NowMillis())
	if err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	tx, _ := s.DB().Begin()
	if err := migrations[2].Up(tx); err != nil {
		t.Fatalf("run normalisation: %v", err)
	}
	_ = tx.Commit()

	c, err := s.Credentials().GetCurrent("qwen-web")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if c.ExpiresAt != 1700000000000 {
		t.Fatalf("expected normalised expiry 1700000000000, got %d", c.ExpiresAt)
	}
}

func TestProviderCascade(t *testing.T) {
	s := newTestStore(t)

	p := &Provider{ID: "qwen-main", Name: "Qwen Main", Type: "qwen-web", Enabled: true, Priority: 10}
	if err := s.Providers().Create(p); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	if err := s.Providers().SetConfig("qwen-main", "baseURL", "https://chat.example.com", false); err != nil {
		t.Fatalf("set config: %v", err)
	}
	if err := s.Models().Create(&Model{ID: "qwen3-max", Capabilities: []string{CapChat, CapStreaming}}); err != nil {
		t.Fatalf("create model: %v", err)
	}
	if err := s.Models().Link(&ProviderModel{ProviderID: "qwen-main", ModelID: "qwen3-max", IsDefault: true}); err != nil {
		t.Fatalf("link model: %v", err)
	}

	// Audit rows reference the provider by value, not by FK.
	req := &Request{RequestID: "req-1", OpenAIRequest: "{}", Model: "qwen3-max", ProviderID: "qwen-main"}
	if err := s.Requests().Insert(req); err != nil {
		t.Fatalf("insert request: %v", err)
	}

	if err := s.Providers().Delete("qwen-main"); err != nil {
		t.Fatalf("delete provider: %v", err)
	}

	configs, err := s.Providers().Configs("qwen-main")
	if err != nil {
		t.Fatalf("list configs: %v", err)
	}
	if len(configs) != 0 {
		t.Fatalf("expected configs cascaded, got %d", len(configs))
	}
	links, err := s.Models().LinkedModels("qwen-main")
	if err != nil {
		t.Fatalf("list links: %v", err)
	}
	if len(links) != 0 {
		t.Fatalf("expected links cascaded, got %d", len(links))
	}
	if _, err := s.Requests().Get("req-1"); err != nil {
		t.Fatalf("expected request row to survive provider delete: %v", err)
	}
}

func TestSingleDefaultModelPerProvider(t *testing.T) {
	s := newTestStore(t)

	if err := s.Providers().Create(&Provider{ID: "local", Name: "Local", Type: "openai-local"}); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	for _, id := range []string{"m-a", "m-b"} {
		if err := s.Models().Create(&Model{ID: id}); err != nil {
			t.Fatalf("create model %s: %v", id, err)
		}
	}
	if err := s.Models().Link(&ProviderModel{ProviderID: "local", ModelID: "m-a", IsDefault: true}); err != nil {
		t.Fatalf("link m-a: %v", err)
	}
	if err := s.Models().Link(&ProviderModel{ProviderID: "local", ModelID: "m-b", IsDefault: true}); err != nil {
		t.Fatalf("link m-b: %v", err)
	}

	def, err := s.Models().DefaultModel("local")
	if err != nil {
		t.Fatalf("default model: %v", err)
	}
	if def != "m-b" {
		t.Fatalf("expected m-b as default, got %q", def)
	}

	links, _ := s.Models().LinkedModels("local")
	defaults := 0
	for _, l := range links {
		if l.IsDefault {
			defaults++
		}
	}
	if defaults != 1 {
		t.Fatalf("expected exactly one default link, got %d", defaults)
	}
}

func TestProviderIDValidation(t *testing.T) {
	s := newTestStore(t)

	bad := []string{"", "UPPER", "has space", "-leading"}
	for _, id := range bad {
		err := s.Providers().Create(&Provider{ID: id, Name: "n-" + id, Type: "openai"})
		if !fault.Is(err, fault.KindValidation) {
			t.Fatalf("expected validation error for id %q, got %v", id, err)
		}
	}
}

func TestDuplicateProviderConflict(t *testing.T) {
	s := newTestStore(t)

	if err := s.Providers().Create(&Provider{ID: "p1", Name: "P1", Type: "openai"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.Providers().Create(&Provider{ID: "p1", Name: "Other", Type: "openai"})
	if !fault.Is(err, fault.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	err = s.Providers().Create(&Provider{ID: "p2", Name: "P1", Type: "openai"})
	if !fault.Is(err, fault.KindConflict) {
		t.Fatalf("expected name conflict, got %v", err)
	}
}

func TestSessionConversationHashCollision(t *testing.T) {
	s := newTestStore(t)

	repo := s.Sessions()
	older := &Session{
		ID: "s-old", FirstUserMessage: "hi", ConversationHash: "h1",
		CreatedAt: 1000, LastAccessed: 1000, ExpiresAt: 10_000_000,
	}
	newer := &Session{
		ID: "s-new", FirstUserMessage: "hi", ConversationHash: "h1",
		CreatedAt: 2000, LastAccessed: 2000, ExpiresAt: 10_000_000,
	}
	if err := repo.Insert(older); err != nil {
		t.Fatalf("insert older: %v", err)
	}
	if err := repo.Insert(newer); err != nil {
		t.Fatalf("insert newer: %v", err)
	}

	got, err := repo.GetByConversationHash("h1")
	if err != nil {
		t.Fatalf("lookup by hash: %v", err)
	}
	if got.ID != "s-new" {
		t.Fatalf("expected newest session on collision, got %s", got.ID)
	}
}

func TestSessionClearOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Sessions().Insert(&Session{
		ID: "stale", FirstUserMessage: "hello",
		CreatedAt: 1, LastAccessed: 1, ExpiresAt: NowMillis() + 60_000,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()
	n, err := s2.Sessions().Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected sessions cleared on open, found %d", n)
	}
}

func TestSettingsTypedValues(t *testing.T) {
	s := newTestStore(t)

	repo := s.Settings()
	if err := repo.Set("server.port", "9100", SettingInt); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := repo.Set("logging.logRequests", "true", SettingBool); err != nil {
		t.Fatalf("set: %v", err)
	}

	port, err := repo.Get("server.port")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v, err := port.Int(); err != nil || v != 9100 {
		t.Fatalf("expected 9100, got %d (%v)", v, err)
	}

	lr, _ := repo.Get("logging.logRequests")
	if v, err := lr.Bool(); err != nil || !v {
		t.Fatalf("expected true, got %v (%v)", v, err)
	}

	if err := repo.Set("bad", "x", "blob"); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("expected validation error for unknown type, got %v", err)
	}
}

func TestCredentialValidity(t *testing.T) {
	s := newTestStore(t)

	repo := s.Credentials()
	now := NowMillis()
	if err := repo.Upsert(&Credential{Backend: "qwen-web", Token: "tok", Cookies: "a=b", ExpiresAt: now + 60_000}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	c, err := repo.GetCurrent("qwen-web")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !c.Valid(now) {
		t.Fatalf("expected credential valid")
	}
	if c.Valid(now + 120_000) {
		t.Fatalf("expected credential expired")
	}

	if err := repo.MarkStale("qwen-web"); err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	c, _ = repo.GetCurrent("qwen-web")
	if c.Valid(now) {
		t.Fatalf("expected stale credential invalid")
	}

	// Re-upsert clears the stale mark.
	if err := repo.Upsert(&Credential{Backend: "qwen-web", Token: "tok2", Cookies: "a=c"}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	c, _ = repo.GetCurrent("qwen-web")
	if !c.Valid(now) {
		t.Fatalf("expected refreshed credential valid")
	}
}

func TestResponseCascadeFromRequest(t *testing.T) {
	s := newTestStore(t)

	if err := s.Requests().Insert(&Request{RequestID: "r1", OpenAIRequest: "{}", Model: "m"}); err != nil {
		t.Fatalf("insert request: %v", err)
	}
	if err := s.Responses().Insert(&Response{ResponseID: "resp1", RequestID: "r1", FinishReason: "stop"}); err != nil {
		t.Fatalf("insert response: %v", err)
	}

	if _, err := s.DB().Exec(`DELETE FROM requests WHERE request_id = 'r1'`); err != nil {
		t.Fatalf("delete request: %v", err)
	}
	if _, err := s.Responses().GetByRequest("r1"); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("expected response cascaded, got %v", err)
	}
}
