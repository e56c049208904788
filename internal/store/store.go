// Package store owns every persisted row of the bridge: providers and their
// configs, models and links, sessions, the request/response audit trail, the
// error log, settings, and scraped upstream credentials.
//
// The backing engine is SQLite (modernc.org/sqlite, no cgo) opened in WAL
// mode with foreign keys enforced and a busy timeout so concurrent readers
// never see transient lock errors. The store is single-process; cross-process
// access is not supported.
package store

import (
	"database/sql"
	"strings"
	"time"

	// Register the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/ferro-labs/llm-bridge/internal/fault"
)

// Store wraps the SQLite handle and exposes typed repositories per entity.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path, applies the connection
// pragmas, runs pending migrations, and clears the session table.
//
// Sessions are cleared unconditionally: client message histories survive
// restarts but upstream parent_id chains do not, so stale sessions would
// desynchronise clients from the upstream.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "bridge.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fault.Wrap(fault.KindStore, "open sqlite database", err)
	}
	// SQLite serialises writers; a single connection avoids SQLITE_BUSY on
	// the write path while WAL keeps readers concurrent.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenForInspection opens the database without running migrations or
// clearing sessions, for tooling that must observe the schema as-is.
func OpenForInspection(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "bridge.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fault.Wrap(fault.KindStore, "open sqlite database", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, path: path}
	if err := s.ensureMetadata(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fault.Wrap(fault.KindStore, "apply pragma", err)
		}
	}
	if err := s.Migrate(); err != nil {
		return err
	}
	if err := s.Sessions().Clear(); err != nil {
		return err
	}
	return nil
}

// DB exposes the underlying handle for repositories and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Repositories. Each is a stateless view over the shared handle.

func (s *Store) Providers() *ProviderRepo     { return &ProviderRepo{db: s.db} }
func (s *Store) Models() *ModelRepo           { return &ModelRepo{db: s.db} }
func (s *Store) Sessions() *SessionRepo       { return &SessionRepo{db: s.db} }
func (s *Store) Requests() *RequestRepo       { return &RequestRepo{db: s.db} }
func (s *Store) Responses() *ResponseRepo     { return &ResponseRepo{db: s.db} }
func (s *Store) Errors() *ErrorRepo           { return &ErrorRepo{db: s.db} }
func (s *Store) Settings() *SettingRepo       { return &SettingRepo{db: s.db} }
func (s *Store) Credentials() *CredentialRepo { return &CredentialRepo{db: s.db} }

// NowMillis returns the current time as a unix-ms integer, the timestamp
// representation used for every persisted time column.
func NowMillis() int64 { return time.Now().UnixMilli() }

// metaGet reads a metadata value; returns "" when the key is absent.
func metaGet(q queryer, key string) (string, error) {
	var v string
	err := q.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fault.Wrap(fault.KindStore, "read metadata", err)
	}
	return v, nil
}

func metaSet(q execer, key, value string) error {
	_, err := q.Exec(`INSERT INTO metadata(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fault.Wrap(fault.KindStore, "write metadata", err)
	}
	return nil
}

type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

func storeErr(op string, err error) error {
	return fault.Wrap(fault.KindStore, op, err)
}

func notFound(entity, id string) error {
	return fault.Newf(fault.KindNotFound, "%s not found: %s", entity, id)
}
