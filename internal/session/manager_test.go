package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ferro-labs/llm-bridge/internal/fault"
	"github.com/ferro-labs/llm-bridge/internal/store"
)

func newTestManager(t *testing.T, ttl time.Duration) *Manager {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewManager(s.Sessions(), nil, ttl)
}

func TestLeasePolicyDefaults(t *testing.T) {
	if DefaultTTL != 30*time.Minute {
		t.Fatalf("default ttl %v", DefaultTTL)
	}
	if DefaultSweepInterval != 10*time.Minute {
		t.Fatalf("default sweep interval %v", DefaultSweepInterval)
	}
}

func TestContentAddressedIdentity(t *testing.T) {
	// MD5("Hello") is stable; any client re-sending the same leading
	// message must land on the same session.
	if got := IDFor("Hello"); got != "8b1a9953c4611296a827abf8c47804d7" {
		t.Fatalf("unexpected id %s", got)
	}
	if IDFor("Hello") != IDFor("Hello") {
		t.Fatal("id not deterministic")
	}
	if IDFor("Hello") == IDFor("hello") {
		t.Fatal("distinct messages collided")
	}
}

func TestResolveOrCreateIdempotentTouch(t *testing.T) {
	m := newTestManager(t, time.Minute)
	t0 := time.Now()

	s1, err := m.ResolveOrCreate("Hello", t0)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	t1 := t0.Add(10 * time.Second)
	s2, err := m.ResolveOrCreate("Hello", t1)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}

	if s1.ID != s2.ID {
		t.Fatalf("ids diverged: %s vs %s", s1.ID, s2.ID)
	}
	if s2.ExpiresAt < t1.Add(time.Minute).UnixMilli()-50 {
		t.Fatalf("lease not extended: %d", s2.ExpiresAt)
	}

	n, err := m.repo.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one row, got %d", n)
	}
}

func TestResolveOrCreateRejectsEmpty(t *testing.T) {
	m := newTestManager(t, time.Minute)
	if _, err := m.ResolveOrCreate("", time.Now()); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestResolveOrCreateReplacesExpired(t *testing.T) {
	m := newTestManager(t, time.Minute)
	t0 := time.Now()

	s1, err := m.ResolveOrCreate("Hello", t0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := m.Advance(s1.ID, "p-1", "c-1", t0); err != nil {
		t.Fatalf("advance: %v", err)
	}

	// Past the TTL the stale upstream chain must not be reused.
	s2, err := m.ResolveOrCreate("Hello", t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("resolve after expiry: %v", err)
	}
	if s2.ID != s1.ID {
		t.Fatalf("id changed across expiry: %s vs %s", s2.ID, s1.ID)
	}
	if s2.ChatID != "" || s2.ParentID != "" || s2.MessageCount != 0 {
		t.Fatalf("expired session state leaked into replacement: %+v", s2)
	}
}

func TestAdvanceAndContinueByConversation(t *testing.T) {
	m := newTestManager(t, time.Minute)
	t0 := time.Now()

	s, err := m.ResolveOrCreate("Hello", t0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	ok, err := m.Advance(s.ID, "parent-1", "chat-1", t0)
	if err != nil || !ok {
		t.Fatalf("advance: ok=%v err=%v", ok, err)
	}
	if err := m.CompleteFirstTurn(s, "Hi there!"); err != nil {
		t.Fatalf("complete first turn: %v", err)
	}

	got, err := m.ContinueByConversation("Hello", "Hi there!", t0.Add(time.Second))
	if err != nil {
		t.Fatalf("continue: %v", err)
	}
	if got == nil || got.ID != s.ID {
		t.Fatalf("expected session %s, got %+v", s.ID, got)
	}
	if got.ParentID != "parent-1" || got.ChatID != "chat-1" {
		t.Fatalf("chain not advanced: %+v", got)
	}
	if got.MessageCount != 1 {
		t.Fatalf("expected message_count 1, got %d", got.MessageCount)
	}

	// Unknown history resolves to nothing, not an error.
	none, err := m.ContinueByConversation("Hello", "some other reply", t0)
	if err != nil {
		t.Fatalf("continue miss: %v", err)
	}
	if none != nil {
		t.Fatalf("expected nil, got %+v", none)
	}
}

func TestAdvanceMissingSessionIsSilent(t *testing.T) {
	m := newTestManager(t, time.Minute)
	ok, err := m.Advance("no-such-session", "p", "c", time.Now())
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if ok {
		t.Fatal("expected false for missing session")
	}
}

func TestAcquireRejectsConcurrentTurn(t *testing.T) {
	m := newTestManager(t, time.Minute)

	release, err := m.Acquire("s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := m.Acquire("s1"); !fault.Is(err, fault.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	// Other sessions are unaffected.
	r2, err := m.Acquire("s2")
	if err != nil {
		t.Fatalf("acquire other session: %v", err)
	}
	r2()

	release()
	release() // double release is safe
	r3, err := m.Acquire("s1")
	if err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
	r3()
}

func TestRestartChainKeepsIdDropsChain(t *testing.T) {
	m := newTestManager(t, time.Minute)
	t0 := time.Now()

	s, err := m.ResolveOrCreate("Hello", t0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := m.Advance(s.ID, "p-1", "chat-1", t0); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := m.CompleteFirstTurn(s, "Hi there"); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	if err := m.RestartChain(s, t0.Add(time.Second)); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if s.ChatID != "" || s.ParentID != "" || s.MessageCount != 0 || s.ConversationHash != "" {
		t.Fatalf("struct not reset: %+v", s)
	}

	got, err := m.repo.Get(s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ChatID != "" || got.ParentID != "" || got.MessageCount != 0 ||
		got.FirstAssistantMessage != "" || got.ConversationHash != "" {
		t.Fatalf("row not reset: %+v", got)
	}
	if got.FirstUserMessage != "Hello" {
		t.Fatalf("identity lost: %q", got.FirstUserMessage)
	}
}

func TestSweepExpired(t *testing.T) {
	m := newTestManager(t, time.Minute)
	t0 := time.Now()

	if _, err := m.ResolveOrCreate("stale", t0.Add(-2*time.Minute)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := m.ResolveOrCreate("fresh", t0); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	n, err := m.SweepExpired(t0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	left, err := m.repo.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if left != 1 {
		t.Fatalf("expected 1 row left, got %d", left)
	}

	// Sweeping again removes nothing.
	n, err = m.SweepExpired(t0)
	if err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
}
