package store

import (
	"database/sql"

	"github.com/ferro-labs/llm-bridge/internal/fault"
)

// Credential is the scraped browser credential for one backend: a bearer
// token plus a serialised cookie jar. ExpiresAt is unix-ms, zero when the
// upstream never reported an expiry. Stale is set when the upstream rejects
// the credential; the record is kept so the extension can diff against it.
type Credential struct {
	Backend   string `json:"backend"`
	Token     string `json:"token"`
	Cookies   string `json:"cookies"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
	Stale     bool   `json:"stale"`
	UpdatedAt int64  `json:"updated_at"`
}

// Valid reports whether the credential has both fields, is not marked stale,
// and has not expired at the given instant.
func (c *Credential) Valid(nowMillis int64) bool {
	if c == nil || c.Token == "" || c.Cookies == "" || c.Stale {
		return false
	}
	if c.ExpiresAt > 0 && nowMillis >= c.ExpiresAt {
		return false
	}
	return true
}

// CredentialRepo persists one active credential row per backend.
type CredentialRepo struct {
	db *sql.DB
}

// GetCurrent returns the credential for a backend.
func (r *CredentialRepo) GetCurrent(backend string) (*Credential, error) {
	var (
		c       Credential
		expires sql.NullInt64
	)
	err := r.db.QueryRow(`SELECT backend, token, cookies, expires_at, stale, updated_at
		FROM credentials WHERE backend = ?`, backend).
		Scan(&c.Backend, &c.Token, &c.Cookies, &expires, &c.Stale, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("credential", backend)
	}
	if err != nil {
		return nil, storeErr("get credential", err)
	}
	c.ExpiresAt = expires.Int64
	return &c, nil
}

// Upsert replaces the credential for a backend and clears any stale mark.
func (r *CredentialRepo) Upsert(c *Credential) error {
	if c.Backend == "" {
		return fault.New(fault.KindValidation, "credential backend is required")
	}
	if c.Token == "" || c.Cookies == "" {
		return fault.New(fault.KindValidation, "credential token and cookies are required")
	}
	var expires any
	if c.ExpiresAt > 0 {
		expires = c.ExpiresAt
	}
	c.UpdatedAt = NowMillis()
	_, err := r.db.Exec(`INSERT INTO credentials(backend, token, cookies, expires_at, stale, updated_at)
		VALUES(?, ?, ?, ?, 0, ?)
		ON CONFLICT(backend) DO UPDATE SET token = excluded.token, cookies = excluded.cookies,
			expires_at = excluded.expires_at, stale = 0, updated_at = excluded.updated_at`,
		c.Backend, c.Token, c.Cookies, expires, c.UpdatedAt)
	if err != nil {
		return storeErr("upsert credential", err)
	}
	return nil
}

// MarkStale flags the credential as rejected by the upstream without
// deleting it.
func (r *CredentialRepo) MarkStale(backend string) error {
	_, err := r.db.Exec(`UPDATE credentials SET stale = 1, updated_at = ? WHERE backend = ?`,
		NowMillis(), backend)
	if err != nil {
		return storeErr("mark credential stale", err)
	}
	return nil
}
