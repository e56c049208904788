package store

import (
	"database/sql"
	"fmt"
	"strconv"

	"github.com/ferro-labs/llm-bridge/internal/fault"
)

// Migration is a single schema step. Up and Down must both be idempotent:
// tables and indexes use IF NOT EXISTS, column additions check for the
// column first. The applied version is tracked in metadata.schema_version.
type Migration struct {
	Version int
	Name    string
	Up      func(tx *sql.Tx) error
	Down    func(tx *sql.Tx) error
}

const schemaVersionKey = "schema_version"

// migrations is the ordered, sequentially numbered list. Append only.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "initial schema",
		Up:      migrateInitialUp,
		Down:    migrateInitialDown,
	},
	{
		Version: 2,
		Name:    "requests provider column",
		Up: func(tx *sql.Tx) error {
			return addColumnIfMissing(tx, "requests", "provider_id", "TEXT")
		},
		Down: func(tx *sql.Tx) error {
			// SQLite cannot drop columns portably; leaving the column in
			// place keeps the down migration idempotent and harmless.
			return nil
		},
	},
	{
		Version: 3,
		Name:    "normalise credential expiry to unix-ms",
		Up: func(tx *sql.Tx) error {
			// Rows written by earlier builds stored seconds. Anything below
			// 10^12 cannot be a millisecond timestamp in this century.
			_, err := tx.Exec(`UPDATE credentials
				SET expires_at = expires_at * 1000
				WHERE expires_at IS NOT NULL AND expires_at > 0 AND expires_at < 1000000000000`)
			return err
		},
		Down: func(tx *sql.Tx) error {
			_, err := tx.Exec(`UPDATE credentials
				SET expires_at = expires_at / 1000
				WHERE expires_at IS NOT NULL AND expires_at >= 1000000000000`)
			return err
		},
	},
}

// SchemaVersion returns the currently applied schema version.
func (s *Store) SchemaVersion() (int, error) {
	if err := s.ensureMetadata(); err != nil {
		return 0, err
	}
	raw, err := metaGet(s.db, schemaVersionKey)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fault.Wrap(fault.KindStore, "parse schema_version", err)
	}
	return v, nil
}

// PendingMigrations returns the migrations not yet applied, in order.
func (s *Store) PendingMigrations() ([]Migration, error) {
	current, err := s.SchemaVersion()
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for _, m := range migrations {
		if m.Version > current {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// Migrate applies all pending migrations. Each runs inside its own
// transaction; a failure aborts with nothing from that step applied.
func (s *Store) Migrate() error {
	pending, err := s.PendingMigrations()
	if err != nil {
		return err
	}
	for _, m := range pending {
		if err := s.applyMigration(m); err != nil {
			return fault.Wrap(fault.KindStore,
				fmt.Sprintf("migration %d (%s)", m.Version, m.Name), err)
		}
	}
	return nil
}

func (s *Store) applyMigration(m Migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := m.Up(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := metaSet(tx, schemaVersionKey, strconv.Itoa(m.Version)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ensureMetadata creates the metadata table so version reads work on a
// fresh database.
func (s *Store) ensureMetadata() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS metadata (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		return fault.Wrap(fault.KindStore, "create metadata table", err)
	}
	return nil
}

// addColumnIfMissing adds a column only when the table does not already have
// it, keeping ALTER TABLE migrations idempotent.
func addColumnIfMissing(tx *sql.Tx, table, column, decl string) error {
	rows, err := tx.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notnull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &primaryKey); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = tx.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl))
	return err
}

func migrateInitialUp(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS providers (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			type        TEXT NOT NULL,
			enabled     INTEGER NOT NULL DEFAULT 0,
			priority    INTEGER NOT NULL DEFAULT 0,
			description TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS provider_configs (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			provider_id  TEXT NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
			key          TEXT NOT NULL,
			value        TEXT NOT NULL,
			is_sensitive INTEGER NOT NULL DEFAULT 0,
			UNIQUE(provider_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS models (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			capabilities TEXT NOT NULL DEFAULT '["chat"]'
		)`,
		`CREATE TABLE IF NOT EXISTS provider_models (
			provider_id TEXT NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
			model_id    TEXT NOT NULL REFERENCES models(id) ON DELETE CASCADE,
			is_default  INTEGER NOT NULL DEFAULT 0,
			config      TEXT,
			PRIMARY KEY(provider_id, model_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id                      TEXT PRIMARY KEY,
			chat_id                 TEXT,
			parent_id               TEXT,
			first_user_message      TEXT NOT NULL,
			first_assistant_message TEXT,
			conversation_hash       TEXT,
			message_count           INTEGER NOT NULL DEFAULT 0,
			created_at              INTEGER NOT NULL,
			last_accessed           INTEGER NOT NULL,
			expires_at              INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_conversation_hash ON sessions(conversation_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)`,
		`CREATE TABLE IF NOT EXISTS requests (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id     TEXT NOT NULL UNIQUE,
			session_id     TEXT REFERENCES sessions(id) ON DELETE CASCADE,
			openai_request TEXT NOT NULL,
			qwen_request   TEXT,
			model          TEXT NOT NULL DEFAULT '',
			stream         INTEGER NOT NULL DEFAULT 0,
			method         TEXT NOT NULL DEFAULT '',
			path           TEXT NOT NULL DEFAULT '',
			timestamp      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_session ON requests(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp)`,
		`CREATE TABLE IF NOT EXISTS responses (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			response_id       TEXT NOT NULL UNIQUE,
			request_id        TEXT NOT NULL REFERENCES requests(request_id) ON DELETE CASCADE,
			session_id        TEXT REFERENCES sessions(id) ON DELETE CASCADE,
			qwen_response     TEXT,
			openai_response   TEXT,
			parent_id         TEXT,
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens      INTEGER NOT NULL DEFAULT 0,
			finish_reason     TEXT NOT NULL DEFAULT '',
			error             TEXT,
			duration_ms       INTEGER NOT NULL DEFAULT 0,
			timestamp         INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_responses_request ON responses(request_id)`,
		`CREATE TABLE IF NOT EXISTS error_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			error_id   TEXT NOT NULL UNIQUE,
			error_type TEXT NOT NULL,
			severity   TEXT NOT NULL,
			code       TEXT NOT NULL DEFAULT '',
			message    TEXT NOT NULL,
			session_id TEXT REFERENCES sessions(id) ON DELETE SET NULL,
			request_id TEXT REFERENCES requests(request_id) ON DELETE SET NULL,
			payload    TEXT,
			resolved   INTEGER NOT NULL DEFAULT 0,
			timestamp  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_error_log_timestamp ON error_log(timestamp)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			type       TEXT NOT NULL DEFAULT 'string',
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			backend    TEXT PRIMARY KEY,
			token      TEXT NOT NULL,
			cookies    TEXT NOT NULL,
			expires_at INTEGER,
			stale      INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateInitialDown(tx *sql.Tx) error {
	tables := []string{
		"credentials", "settings", "error_log", "responses", "requests",
		"sessions", "provider_models", "models", "provider_configs", "providers",
	}
	for _, t := range tables {
		if _, err := tx.Exec(`DROP TABLE IF EXISTS ` + t); err != nil {
			return err
		}
	}
	return nil
}
