package store

import (
	"database/sql"
	"encoding/json"
	"regexp"

	"github.com/ferro-labs/llm-bridge/internal/fault"
)

// Provider is a configured upstream target.
type Provider struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Enabled     bool   `json:"enabled"`
	Priority    int    `json:"priority"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// ProviderConfig is one key-value pair scoped to a provider. Value holds a
// JSON-encoded scalar. Sensitive values are redacted on egress.
type ProviderConfig struct {
	ProviderID  string `json:"provider_id"`
	Key         string `json:"key"`
	Value       string `json:"value"`
	IsSensitive bool   `json:"is_sensitive"`
}

// ProviderFilter narrows FindAll results.
type ProviderFilter struct {
	Type    string
	Enabled *bool
	Limit   int
	Offset  int
}

var providerIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// ProviderRepo persists Provider and ProviderConfig rows.
type ProviderRepo struct {
	db *sql.DB
}

// Create inserts a provider row. The slug must be lowercase letters, digits,
// and hyphens; id and name are unique.
func (r *ProviderRepo) Create(p *Provider) error {
	if p.ID == "" || !providerIDPattern.MatchString(p.ID) {
		return fault.Newf(fault.KindValidation, "invalid provider id %q", p.ID)
	}
	if p.Name == "" {
		return fault.New(fault.KindValidation, "provider name is required")
	}
	if p.Type == "" {
		return fault.New(fault.KindValidation, "provider type is required")
	}
	now := NowMillis()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := r.db.Exec(`INSERT INTO providers(id, name, type, enabled, priority, description, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Type, p.Enabled, p.Priority, p.Description, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return fault.Newf(fault.KindConflict, "provider id or name already exists: %s", p.ID)
	}
	if err != nil {
		return storeErr("create provider", err)
	}
	return nil
}

// Get returns one provider by id.
func (r *ProviderRepo) Get(id string) (*Provider, error) {
	row := r.db.QueryRow(`SELECT id, name, type, enabled, priority, description, created_at, updated_at
		FROM providers WHERE id = ?`, id)
	p, err := scanProvider(row)
	if err == sql.ErrNoRows {
		return nil, notFound("provider", id)
	}
	if err != nil {
		return nil, storeErr("get provider", err)
	}
	return p, nil
}

// FindAll returns providers matching the filter, ordered by descending
// priority then id.
func (r *ProviderRepo) FindAll(f ProviderFilter) ([]*Provider, error) {
	q := `SELECT id, name, type, enabled, priority, description, created_at, updated_at FROM providers`
	var (
		conds []string
		args  []any
	)
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if f.Enabled != nil {
		conds = append(conds, "enabled = ?")
		args = append(args, *f.Enabled)
	}
	for i, c := range conds {
		if i == 0 {
			q += " WHERE " + c
		} else {
			q += " AND " + c
		}
	}
	q += " ORDER BY priority DESC, id ASC"
	if f.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, storeErr("list providers", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, storeErr("scan provider", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListEnabled returns enabled providers by descending priority.
func (r *ProviderRepo) ListEnabled() ([]*Provider, error) {
	enabled := true
	return r.FindAll(ProviderFilter{Enabled: &enabled})
}

// Update mutates name, enabled, priority, and description. Type and id are
// immutable after creation.
func (r *ProviderRepo) Update(p *Provider) error {
	p.UpdatedAt = NowMillis()
	res, err := r.db.Exec(`UPDATE providers SET name = ?, enabled = ?, priority = ?, description = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.Enabled, p.Priority, p.Description, p.UpdatedAt, p.ID)
	if isUniqueViolation(err) {
		return fault.Newf(fault.KindConflict, "provider name already exists: %s", p.Name)
	}
	if err != nil {
		return storeErr("update provider", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("provider", p.ID)
	}
	return nil
}

// SetEnabled flips the enabled flag.
func (r *ProviderRepo) SetEnabled(id string, enabled bool) error {
	res, err := r.db.Exec(`UPDATE providers SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, NowMillis(), id)
	if err != nil {
		return storeErr("set provider enabled", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("provider", id)
	}
	return nil
}

// Delete removes a provider; configs and model links cascade.
func (r *ProviderRepo) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM providers WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete provider", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("provider", id)
	}
	return nil
}

// Count returns the number of provider rows.
func (r *ProviderRepo) Count() (int, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM providers`).Scan(&n); err != nil {
		return 0, storeErr("count providers", err)
	}
	return n, nil
}

// SetConfig upserts one config key for a provider. value must be a
// JSON-encoded scalar; plain strings are accepted and encoded.
func (r *ProviderRepo) SetConfig(providerID, key, value string, sensitive bool) error {
	if key == "" {
		return fault.New(fault.KindValidation, "config key is required")
	}
	if !json.Valid([]byte(value)) {
		b, err := json.Marshal(value)
		if err != nil {
			return fault.Wrap(fault.KindValidation, "encode config value", err)
		}
		value = string(b)
	}
	_, err := r.db.Exec(`INSERT INTO provider_configs(provider_id, key, value, is_sensitive)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(provider_id, key) DO UPDATE SET value = excluded.value, is_sensitive = excluded.is_sensitive`,
		providerID, key, value, sensitive)
	if err != nil {
		return storeErr("set provider config", err)
	}
	return nil
}

// DeleteConfig removes one config key.
func (r *ProviderRepo) DeleteConfig(providerID, key string) error {
	_, err := r.db.Exec(`DELETE FROM provider_configs WHERE provider_id = ? AND key = ?`, providerID, key)
	if err != nil {
		return storeErr("delete provider config", err)
	}
	return nil
}

// Configs returns all config rows for a provider.
func (r *ProviderRepo) Configs(providerID string) ([]*ProviderConfig, error) {
	rows, err := r.db.Query(`SELECT provider_id, key, value, is_sensitive
		FROM provider_configs WHERE provider_id = ? ORDER BY key`, providerID)
	if err != nil {
		return nil, storeErr("list provider configs", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ProviderConfig
	for rows.Next() {
		var c ProviderConfig
		if err := rows.Scan(&c.ProviderID, &c.Key, &c.Value, &c.IsSensitive); err != nil {
			return nil, storeErr("scan provider config", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ConfigMap decodes a provider's configs into key → scalar string values.
// Sensitive keys are included; callers that egress the map must redact them.
func (r *ProviderRepo) ConfigMap(providerID string) (map[string]string, map[string]bool, error) {
	configs, err := r.Configs(providerID)
	if err != nil {
		return nil, nil, err
	}
	values := make(map[string]string, len(configs))
	sensitive := make(map[string]bool)
	for _, c := range configs {
		var s string
		if err := json.Unmarshal([]byte(c.Value), &s); err != nil {
			// Non-string scalar (number, bool): keep the raw JSON text.
			s = c.Value
		}
		values[c.Key] = s
		if c.IsSensitive {
			sensitive[c.Key] = true
		}
	}
	return values, sensitive, nil
}

func scanProvider(scanner interface{ Scan(dest ...any) error }) (*Provider, error) {
	var p Provider
	err := scanner.Scan(&p.ID, &p.Name, &p.Type, &p.Enabled, &p.Priority,
		&p.Description, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
