package store

import (
	"database/sql"

	"github.com/ferro-labs/llm-bridge/internal/fault"
)

// Session binds a client conversation (content-addressed by the MD5 of its
// first user message) to an upstream conversation's chat_id/parent_id chain.
type Session struct {
	ID                    string `json:"id"`
	ChatID                string `json:"chat_id,omitempty"`
	ParentID              string `json:"parent_id,omitempty"`
	FirstUserMessage      string `json:"first_user_message"`
	FirstAssistantMessage string `json:"first_assistant_message,omitempty"`
	ConversationHash      string `json:"conversation_hash,omitempty"`
	MessageCount          int    `json:"message_count"`
	CreatedAt             int64  `json:"created_at"`
	LastAccessed          int64  `json:"last_accessed"`
	ExpiresAt             int64  `json:"expires_at"`
}

// SessionRepo persists Session rows. Time handling lives in the session
// manager; the repo takes explicit timestamps.
type SessionRepo struct {
	db *sql.DB
}

// Insert creates a session row.
func (r *SessionRepo) Insert(s *Session) error {
	_, err := r.db.Exec(`INSERT INTO sessions(id, chat_id, parent_id, first_user_message,
		first_assistant_message, conversation_hash, message_count, created_at, last_accessed, expires_at)
		VALUES(?, NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?)`,
		s.ID, s.ChatID, s.ParentID, s.FirstUserMessage, s.FirstAssistantMessage,
		s.ConversationHash, s.MessageCount, s.CreatedAt, s.LastAccessed, s.ExpiresAt)
	if isUniqueViolation(err) {
		return fault.Newf(fault.KindConflict, "session already exists: %s", s.ID)
	}
	if err != nil {
		return storeErr("insert session", err)
	}
	return nil
}

// Get returns a session by id regardless of expiry; expiry policy belongs to
// the session manager.
func (r *SessionRepo) Get(id string) (*Session, error) {
	row := r.db.QueryRow(`SELECT id, chat_id, parent_id, first_user_message, first_assistant_message,
		conversation_hash, message_count, created_at, last_accessed, expires_at
		FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, notFound("session", id)
	}
	if err != nil {
		return nil, storeErr("get session", err)
	}
	return s, nil
}

// GetByConversationHash returns the matching session with the greatest
// created_at. The later session reflects the most recent upstream state, so
// on a hash collision the older row is strictly staler.
func (r *SessionRepo) GetByConversationHash(hash string) (*Session, error) {
	row := r.db.QueryRow(`SELECT id, chat_id, parent_id, first_user_message, first_assistant_message,
		conversation_hash, message_count, created_at, last_accessed, expires_at
		FROM sessions WHERE conversation_hash = ?
		ORDER BY created_at DESC LIMIT 1`, hash)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, notFound("session", hash)
	}
	if err != nil {
		return nil, storeErr("get session by conversation hash", err)
	}
	return s, nil
}

// Touch extends a session's lease. Returns false when no row matched.
func (r *SessionRepo) Touch(id string, lastAccessed, expiresAt int64) (bool, error) {
	res, err := r.db.Exec(`UPDATE sessions SET last_accessed = ?, expires_at = ? WHERE id = ?`,
		lastAccessed, expiresAt, id)
	if err != nil {
		return false, storeErr("touch session", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Advance moves the upstream chain forward: new parent_id, optional chat_id,
// incremented message_count, refreshed lease. Returns false when no row
// matched.
func (r *SessionRepo) Advance(id, parentID, chatID string, lastAccessed, expiresAt int64) (bool, error) {
	res, err := r.db.Exec(`UPDATE sessions SET
			parent_id = ?,
			chat_id = COALESCE(NULLIF(?, ''), chat_id),
			message_count = message_count + 1,
			last_accessed = ?,
			expires_at = ?
		WHERE id = ?`,
		parentID, chatID, lastAccessed, expiresAt, id)
	if err != nil {
		return false, storeErr("advance session", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ResetChain clears a session's upstream chain and conversation state
// in place, keeping the row (and anything referencing it) alive.
func (r *SessionRepo) ResetChain(id string, lastAccessed, expiresAt int64) error {
	_, err := r.db.Exec(`UPDATE sessions SET
			chat_id = NULL,
			parent_id = NULL,
			first_assistant_message = NULL,
			conversation_hash = NULL,
			message_count = 0,
			last_accessed = ?,
			expires_at = ?
		WHERE id = ?`,
		lastAccessed, expiresAt, id)
	if err != nil {
		return storeErr("reset session chain", err)
	}
	return nil
}

// SetConversation records the first assistant reply and the derived
// conversation hash after the first completed turn.
func (r *SessionRepo) SetConversation(id, firstAssistant, hash string) error {
	_, err := r.db.Exec(`UPDATE sessions SET first_assistant_message = ?, conversation_hash = ? WHERE id = ?`,
		firstAssistant, hash, id)
	if err != nil {
		return storeErr("set session conversation", err)
	}
	return nil
}

// DeleteExpired removes sessions whose lease ended before now and returns
// how many were removed.
func (r *SessionRepo) DeleteExpired(now int64) (int, error) {
	res, err := r.db.Exec(`DELETE FROM sessions WHERE expires_at < ?`, now)
	if err != nil {
		return 0, storeErr("sweep sessions", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Delete removes one session.
func (r *SessionRepo) Delete(id string) error {
	_, err := r.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete session", err)
	}
	return nil
}

// Clear empties the session table. Called once at boot.
func (r *SessionRepo) Clear() error {
	_, err := r.db.Exec(`DELETE FROM sessions`)
	if err != nil {
		return storeErr("clear sessions", err)
	}
	return nil
}

// FindAll returns sessions ordered by last_accessed descending.
func (r *SessionRepo) FindAll(limit, offset int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`SELECT id, chat_id, parent_id, first_user_message, first_assistant_message,
		conversation_hash, message_count, created_at, last_accessed, expires_at
		FROM sessions ORDER BY last_accessed DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, storeErr("scan session", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Count returns the number of session rows.
func (r *SessionRepo) Count() (int, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, storeErr("count sessions", err)
	}
	return n, nil
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (*Session, error) {
	var (
		s                         Session
		chatID, parentID          sql.NullString
		firstAssistant, convoHash sql.NullString
	)
	err := scanner.Scan(&s.ID, &chatID, &parentID, &s.FirstUserMessage, &firstAssistant,
		&convoHash, &s.MessageCount, &s.CreatedAt, &s.LastAccessed, &s.ExpiresAt)
	if err != nil {
		return nil, err
	}
	s.ChatID = chatID.String
	s.ParentID = parentID.String
	s.FirstAssistantMessage = firstAssistant.String
	s.ConversationHash = convoHash.String
	return &s, nil
}
