package store

import (
	"database/sql"
	"strconv"

	"github.com/ferro-labs/llm-bridge/internal/fault"
)

// Setting value types.
const (
	SettingString = "string"
	SettingInt    = "int"
	SettingBool   = "bool"
	SettingFloat  = "float"
)

// Setting is a typed key-value row. Unrecognised keys are accepted and
// stored; the router simply ignores them.
type Setting struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Type      string `json:"type"`
	UpdatedAt int64  `json:"updated_at"`
}

// Int decodes the value as an integer.
func (s *Setting) Int() (int, error) {
	v, err := strconv.Atoi(s.Value)
	if err != nil {
		return 0, fault.Newf(fault.KindValidation, "setting %s is not an int: %q", s.Key, s.Value)
	}
	return v, nil
}

// Bool decodes the value as a boolean.
func (s *Setting) Bool() (bool, error) {
	v, err := strconv.ParseBool(s.Value)
	if err != nil {
		return false, fault.Newf(fault.KindValidation, "setting %s is not a bool: %q", s.Key, s.Value)
	}
	return v, nil
}

// Float decodes the value as a float.
func (s *Setting) Float() (float64, error) {
	v, err := strconv.ParseFloat(s.Value, 64)
	if err != nil {
		return 0, fault.Newf(fault.KindValidation, "setting %s is not a float: %q", s.Key, s.Value)
	}
	return v, nil
}

// SettingRepo persists Setting rows.
type SettingRepo struct {
	db *sql.DB
}

// Get returns one setting.
func (r *SettingRepo) Get(key string) (*Setting, error) {
	var s Setting
	err := r.db.QueryRow(`SELECT key, value, type, updated_at FROM settings WHERE key = ?`, key).
		Scan(&s.Key, &s.Value, &s.Type, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("setting", key)
	}
	if err != nil {
		return nil, storeErr("get setting", err)
	}
	return &s, nil
}

// Set upserts a setting. An empty type defaults to string.
func (r *SettingRepo) Set(key, value, typ string) error {
	if key == "" {
		return fault.New(fault.KindValidation, "setting key is required")
	}
	switch typ {
	case "":
		typ = SettingString
	case SettingString, SettingInt, SettingBool, SettingFloat:
	default:
		return fault.Newf(fault.KindValidation, "unknown setting type %q", typ)
	}
	_, err := r.db.Exec(`INSERT INTO settings(key, value, type, updated_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, type = excluded.type, updated_at = excluded.updated_at`,
		key, value, typ, NowMillis())
	if err != nil {
		return storeErr("set setting", err)
	}
	return nil
}

// Delete removes a setting.
func (r *SettingRepo) Delete(key string) error {
	res, err := r.db.Exec(`DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return storeErr("delete setting", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("setting", key)
	}
	return nil
}

// All returns every setting row keyed by setting key.
func (r *SettingRepo) All() (map[string]*Setting, error) {
	rows, err := r.db.Query(`SELECT key, value, type, updated_at FROM settings`)
	if err != nil {
		return nil, storeErr("list settings", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]*Setting)
	for rows.Next() {
		var s Setting
		if err := rows.Scan(&s.Key, &s.Value, &s.Type, &s.UpdatedAt); err != nil {
			return nil, storeErr("scan setting", err)
		}
		out[s.Key] = &s
	}
	return out, rows.Err()
}
