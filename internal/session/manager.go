// Package session gives stateless OpenAI clients a durable identity on
// a stateful upstream. Identity is content-addressed: the session id is
// the MD5 of the conversation's first user message, so a client that
// re-sends the same leading message lands on the same upstream chat
// without ever exchanging a handle.
package session

import (
	"crypto/md5"
	"encoding/hex"
	"sync"
	"time"

	"github.com/ferro-labs/llm-bridge/internal/events"
	"github.com/ferro-labs/llm-bridge/internal/fault"
	"github.com/ferro-labs/llm-bridge/internal/logging"
	"github.com/ferro-labs/llm-bridge/internal/metrics"
	"github.com/ferro-labs/llm-bridge/internal/store"
)

// DefaultTTL and DefaultSweepInterval are the fallbacks when the
// settings layer does not override them.
const (
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = 10 * time.Minute
)

// Manager is a stateless service over the session table. All durable
// state lives in the store; the manager adds hashing, TTL policy, and
// the per-session in-flight guard.
type Manager struct {
	repo *store.SessionRepo
	bus  *events.Bus
	ttl  time.Duration

	mu       sync.Mutex
	inFlight map[string]bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{} // nil until StartSweeper
}

// NewManager returns a manager with the given TTL; ttl <= 0 selects
// DefaultTTL.
func NewManager(repo *store.SessionRepo, bus *events.Bus, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		repo:     repo,
		bus:      bus,
		ttl:      ttl,
		inFlight: make(map[string]bool),
		stop:     make(chan struct{}),
	}
}

// IDFor returns the content-addressed session id for a first user
// message.
func IDFor(firstUserMessage string) string {
	sum := md5.Sum([]byte(firstUserMessage))
	return hex.EncodeToString(sum[:])
}

// ConversationHash derives the hash used to resume a conversation from
// a replayed history: MD5 over the first user message concatenated with
// the first assistant reply.
func ConversationHash(firstUser, firstAssistant string) string {
	sum := md5.Sum([]byte(firstUser + firstAssistant))
	return hex.EncodeToString(sum[:])
}

// TTL reports the configured session lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// ResolveOrCreate returns the live session for a first user message,
// extending its lease, or creates a fresh one with an empty upstream
// chain.
func (m *Manager) ResolveOrCreate(firstUserMessage string, now time.Time) (*store.Session, error) {
	if firstUserMessage == "" {
		return nil, fault.New(fault.KindValidation, "first user message must not be empty")
	}

	id := IDFor(firstUserMessage)
	nowMs := now.UnixMilli()
	expires := now.Add(m.ttl).UnixMilli()

	s, err := m.repo.Get(id)
	switch {
	case err == nil && s.ExpiresAt > nowMs:
		if _, err := m.repo.Touch(id, nowMs, expires); err != nil {
			return nil, err
		}
		s.LastAccessed = nowMs
		s.ExpiresAt = expires
		return s, nil
	case err == nil:
		// Expired but not yet swept. The upstream chain is stale, so
		// start over under the same id.
		if err := m.repo.Delete(id); err != nil {
			return nil, err
		}
	case !fault.Is(err, fault.KindNotFound):
		return nil, err
	}

	s = &store.Session{
		ID:               id,
		FirstUserMessage: firstUserMessage,
		CreatedAt:        nowMs,
		LastAccessed:     nowMs,
		ExpiresAt:        expires,
	}
	if err := m.repo.Insert(s); err != nil {
		if fault.Is(err, fault.KindConflict) {
			// Lost a race with a concurrent create; the winner's row is
			// equivalent.
			return m.repo.Get(id)
		}
		return nil, err
	}
	return s, nil
}

// RestartChain drops a session's upstream chain while keeping its id:
// same leading message, but the next turn opens a fresh chat with no
// parent. Audit rows referencing the session survive.
func (m *Manager) RestartChain(s *store.Session, now time.Time) error {
	nowMs := now.UnixMilli()
	expires := now.Add(m.ttl).UnixMilli()
	if err := m.repo.ResetChain(s.ID, nowMs, expires); err != nil {
		return err
	}
	s.ChatID = ""
	s.ParentID = ""
	s.FirstAssistantMessage = ""
	s.ConversationHash = ""
	s.MessageCount = 0
	s.LastAccessed = nowMs
	s.ExpiresAt = expires
	return nil
}

// ContinueByConversation resumes a session from a replayed history.
// Returns (nil, nil) when no live session matches.
func (m *Manager) ContinueByConversation(firstUser, firstAssistant string, now time.Time) (*store.Session, error) {
	hash := ConversationHash(firstUser, firstAssistant)
	s, err := m.repo.GetByConversationHash(hash)
	if fault.Is(err, fault.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	nowMs := now.UnixMilli()
	if s.ExpiresAt <= nowMs {
		return nil, nil
	}
	expires := now.Add(m.ttl).UnixMilli()
	if _, err := m.repo.Touch(s.ID, nowMs, expires); err != nil {
		return nil, err
	}
	s.LastAccessed = nowMs
	s.ExpiresAt = expires
	return s, nil
}

// Advance moves a session's upstream chain forward after a terminal
// response. A missing or already-swept session is not an error: the
// reply has been served either way, so the caller only loses resume
// capability. Returns false in that case.
func (m *Manager) Advance(sessionID, newParentID, newChatID string, now time.Time) (bool, error) {
	nowMs := now.UnixMilli()
	expires := now.Add(m.ttl).UnixMilli()
	ok, err := m.repo.Advance(sessionID, newParentID, newChatID, nowMs, expires)
	if err != nil {
		return false, err
	}
	if !ok {
		logging.Logger.Debug("advance on missing session", "session_id", sessionID)
	}
	return ok, nil
}

// CompleteFirstTurn records the first assistant reply and derived
// conversation hash; it is called once, after the first terminal
// response of a session.
func (m *Manager) CompleteFirstTurn(s *store.Session, firstAssistant string) error {
	hash := ConversationHash(s.FirstUserMessage, firstAssistant)
	if err := m.repo.SetConversation(s.ID, firstAssistant, hash); err != nil {
		return err
	}
	s.FirstAssistantMessage = firstAssistant
	s.ConversationHash = hash
	return nil
}

// Acquire marks a session as having an in-flight turn. A second turn on
// a session whose prior turn is still running is rejected rather than
// serialised. The returned release must be called exactly once.
func (m *Manager) Acquire(sessionID string) (release func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[sessionID] {
		return nil, fault.Newf(fault.KindConflict, "session %s has a turn in flight", sessionID)
	}
	m.inFlight[sessionID] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.inFlight, sessionID)
			m.mu.Unlock()
		})
	}, nil
}

// SweepExpired deletes sessions whose lease ended before now and
// announces the sweep when anything was removed.
func (m *Manager) SweepExpired(now time.Time) (int, error) {
	n, err := m.repo.DeleteExpired(now.UnixMilli())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.SessionsSwept.Add(float64(n))
		logging.Logger.Info("swept expired sessions", "count", n)
		if m.bus != nil {
			m.bus.Publish(events.TopicProxyStatus, map[string]any{"event": "session-swept", "count": n})
		}
	}
	return n, nil
}

// StartSweeper runs SweepExpired on the given interval until Stop.
func (m *Manager) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				if _, err := m.SweepExpired(time.Now()); err != nil {
					logging.Logger.Error("session sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the sweeper and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.done != nil {
		<-m.done
	}
}
