package store

import (
	"database/sql"
	"encoding/json"

	"github.com/ferro-labs/llm-bridge/internal/fault"
)

// Capability names a model feature. The set is closed.
const (
	CapChat       = "chat"
	CapStreaming  = "streaming"
	CapTools      = "tools"
	CapVision     = "vision"
	CapCompletion = "completion"
)

var knownCapabilities = map[string]bool{
	CapChat: true, CapStreaming: true, CapTools: true, CapVision: true, CapCompletion: true,
}

// Model is a logical model that providers may link to.
type Model struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities"`
}

// ProviderModel links a provider to a model it serves.
type ProviderModel struct {
	ProviderID string `json:"provider_id"`
	ModelID    string `json:"model_id"`
	IsDefault  bool   `json:"is_default"`
	Config     string `json:"config,omitempty"` // provider-local JSON blob
}

// ModelRepo persists Model and ProviderModel rows.
type ModelRepo struct {
	db *sql.DB
}

// Create inserts a model row. Unknown capabilities are rejected.
func (r *ModelRepo) Create(m *Model) error {
	if m.ID == "" {
		return fault.New(fault.KindValidation, "model id is required")
	}
	if m.Name == "" {
		m.Name = m.ID
	}
	if len(m.Capabilities) == 0 {
		m.Capabilities = []string{CapChat}
	}
	for _, c := range m.Capabilities {
		if !knownCapabilities[c] {
			return fault.Newf(fault.KindValidation, "unknown capability %q", c)
		}
	}
	caps, err := json.Marshal(m.Capabilities)
	if err != nil {
		return fault.Wrap(fault.KindValidation, "encode capabilities", err)
	}
	_, err = r.db.Exec(`INSERT INTO models(id, name, description, capabilities) VALUES(?, ?, ?, ?)`,
		m.ID, m.Name, m.Description, string(caps))
	if isUniqueViolation(err) {
		return fault.Newf(fault.KindConflict, "model already exists: %s", m.ID)
	}
	if err != nil {
		return storeErr("create model", err)
	}
	return nil
}

// Get returns one model by id.
func (r *ModelRepo) Get(id string) (*Model, error) {
	row := r.db.QueryRow(`SELECT id, name, description, capabilities FROM models WHERE id = ?`, id)
	m, err := scanModel(row)
	if err == sql.ErrNoRows {
		return nil, notFound("model", id)
	}
	if err != nil {
		return nil, storeErr("get model", err)
	}
	return m, nil
}

// FindAll returns every model ordered by id.
func (r *ModelRepo) FindAll() ([]*Model, error) {
	rows, err := r.db.Query(`SELECT id, name, description, capabilities FROM models ORDER BY id`)
	if err != nil {
		return nil, storeErr("list models", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, storeErr("scan model", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Update mutates name, description, and capabilities.
func (r *ModelRepo) Update(m *Model) error {
	for _, c := range m.Capabilities {
		if !knownCapabilities[c] {
			return fault.Newf(fault.KindValidation, "unknown capability %q", c)
		}
	}
	caps, err := json.Marshal(m.Capabilities)
	if err != nil {
		return fault.Wrap(fault.KindValidation, "encode capabilities", err)
	}
	res, err := r.db.Exec(`UPDATE models SET name = ?, description = ?, capabilities = ? WHERE id = ?`,
		m.Name, m.Description, string(caps), m.ID)
	if err != nil {
		return storeErr("update model", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("model", m.ID)
	}
	return nil
}

// Delete removes a model; provider links cascade.
func (r *ModelRepo) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM models WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete model", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("model", id)
	}
	return nil
}

// Count returns the number of model rows.
func (r *ModelRepo) Count() (int, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM models`).Scan(&n); err != nil {
		return 0, storeErr("count models", err)
	}
	return n, nil
}

// Link attaches a model to a provider. When isDefault is set, any existing
// default for that provider is cleared first so at most one link per
// provider carries is_default.
func (r *ModelRepo) Link(pm *ProviderModel) error {
	tx, err := r.db.Begin()
	if err != nil {
		return storeErr("link model", err)
	}
	defer func() { _ = tx.Rollback() }()

	if pm.IsDefault {
		if _, err := tx.Exec(`UPDATE provider_models SET is_default = 0 WHERE provider_id = ?`, pm.ProviderID); err != nil {
			return storeErr("clear default model", err)
		}
	}
	var cfg any
	if pm.Config != "" {
		if !json.Valid([]byte(pm.Config)) {
			return fault.New(fault.KindValidation, "provider-model config must be valid JSON")
		}
		cfg = pm.Config
	}
	_, err = tx.Exec(`INSERT INTO provider_models(provider_id, model_id, is_default, config)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(provider_id, model_id) DO UPDATE SET is_default = excluded.is_default, config = excluded.config`,
		pm.ProviderID, pm.ModelID, pm.IsDefault, cfg)
	if err != nil {
		return storeErr("link model", err)
	}
	return tx.Commit()
}

// Unlink detaches a model from a provider.
func (r *ModelRepo) Unlink(providerID, modelID string) error {
	res, err := r.db.Exec(`DELETE FROM provider_models WHERE provider_id = ? AND model_id = ?`, providerID, modelID)
	if err != nil {
		return storeErr("unlink model", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("provider-model link", providerID+"/"+modelID)
	}
	return nil
}

// LinkedModels returns the models linked to a provider.
func (r *ModelRepo) LinkedModels(providerID string) ([]*ProviderModel, error) {
	rows, err := r.db.Query(`SELECT provider_id, model_id, is_default, config
		FROM provider_models WHERE provider_id = ? ORDER BY model_id`, providerID)
	if err != nil {
		return nil, storeErr("list linked models", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ProviderModel
	for rows.Next() {
		var (
			pm  ProviderModel
			cfg sql.NullString
		)
		if err := rows.Scan(&pm.ProviderID, &pm.ModelID, &pm.IsDefault, &cfg); err != nil {
			return nil, storeErr("scan provider model", err)
		}
		pm.Config = cfg.String
		out = append(out, &pm)
	}
	return out, rows.Err()
}

// DefaultModel returns the provider's default model id, or "".
func (r *ModelRepo) DefaultModel(providerID string) (string, error) {
	var id string
	err := r.db.QueryRow(`SELECT model_id FROM provider_models
		WHERE provider_id = ? AND is_default = 1`, providerID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", storeErr("get default model", err)
	}
	return id, nil
}

// IsLinked reports whether a provider serves the given model.
func (r *ModelRepo) IsLinked(providerID, modelID string) (bool, error) {
	var one int
	err := r.db.QueryRow(`SELECT 1 FROM provider_models WHERE provider_id = ? AND model_id = ?`,
		providerID, modelID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storeErr("check model link", err)
	}
	return true, nil
}

func scanModel(scanner interface{ Scan(dest ...any) error }) (*Model, error) {
	var (
		m    Model
		caps string
	)
	if err := scanner.Scan(&m.ID, &m.Name, &m.Description, &caps); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &m.Capabilities); err != nil {
		return nil, err
	}
	return &m, nil
}
