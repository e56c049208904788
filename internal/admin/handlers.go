// Package admin exposes the management REST surface under /admin:
// provider and model CRUD, settings, credentials, and read-only access
// to the audit trail. Mutations go through the store and are reflected
// into the live registry, so the data plane follows without a restart.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/sjson"

	llmbridge "github.com/ferro-labs/llm-bridge"
	"github.com/ferro-labs/llm-bridge/internal/events"
	"github.com/ferro-labs/llm-bridge/internal/fault"
	"github.com/ferro-labs/llm-bridge/internal/logging"
	"github.com/ferro-labs/llm-bridge/internal/store"
)

// Handlers serves the admin API over a gateway instance.
type Handlers struct {
	gw *llmbridge.Gateway
}

// NewHandlers returns the admin handler set.
func NewHandlers(gw *llmbridge.Gateway) *Handlers {
	return &Handlers{gw: gw}
}

// Routes returns a chi.Router with every admin endpoint mounted.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/providers", func(r chi.Router) {
		r.Get("/", h.listProviders)
		r.Post("/", h.createProvider)
		r.Get("/{id}", h.getProvider)
		r.Put("/{id}", h.updateProvider)
		r.Delete("/{id}", h.deleteProvider)
		r.Post("/{id}/enable", h.enableProvider)
		r.Post("/{id}/disable", h.disableProvider)
		r.Post("/{id}/reload", h.reloadProvider)
		r.Post("/{id}/test", h.testProvider)
		r.Put("/{id}/config/{key}", h.setProviderConfig)
		r.Delete("/{id}/config/{key}", h.deleteProviderConfig)
		r.Post("/{id}/models", h.linkModel)
		r.Delete("/{id}/models/{modelID}", h.unlinkModel)
	})

	r.Route("/models", func(r chi.Router) {
		r.Get("/", h.listModels)
		r.Post("/", h.createModel)
		r.Get("/{id}", h.getModel)
		r.Put("/{id}", h.updateModel)
		r.Delete("/{id}", h.deleteModel)
	})

	r.Route("/settings", func(r chi.Router) {
		r.Get("/", h.listSettings)
		r.Put("/{key}", h.updateSetting)
	})

	r.Route("/credentials", func(r chi.Router) {
		r.Get("/{backend}", h.getCredential)
		r.Put("/{backend}", h.upsertCredential)
	})

	r.Get("/history", h.listHistory)
	r.Get("/history/{requestID}", h.getHistoryEntry)
	r.Get("/sessions", h.listSessions)
	r.Get("/errors", h.listErrors)
	r.Post("/errors/{id}/resolve", h.resolveError)
	r.Get("/stats", h.stats)
	r.Get("/events", h.events)

	return r
}

// ----------------------------------------------------------- providers ------

func (h *Handlers) listProviders(w http.ResponseWriter, r *http.Request) {
	enabled, ok, err := parseBoolParam(r, "enabled")
	if err != nil {
		writeFault(w, err)
		return
	}
	filter := store.ProviderFilter{Type: r.URL.Query().Get("type")}
	if ok {
		filter.Enabled = &enabled
	}
	rows, err := h.gw.Store().Providers().FindAll(filter)
	if err != nil {
		writeFault(w, err)
		return
	}

	type providerRow struct {
		*store.Provider
		Loaded bool `json:"loaded"`
	}
	out := make([]providerRow, 0, len(rows))
	for _, row := range rows {
		_, getErr := h.gw.Registry().Get(row.ID)
		out = append(out, providerRow{Provider: row, Loaded: getErr == nil})
	}
	writeJSON(w, http.StatusOK, out)
}

type providerBody struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Enabled     bool              `json:"enabled"`
	Priority    int               `json:"priority"`
	Description string            `json:"description"`
	Config      map[string]string `json:"config"`
	Sensitive   []string          `json:"sensitive"`
}

func (h *Handlers) createProvider(w http.ResponseWriter, r *http.Request) {
	var body providerBody
	if err := decodeBody(r, &body); err != nil {
		writeFault(w, err)
		return
	}
	row := &store.Provider{
		ID:          body.ID,
		Name:        body.Name,
		Type:        body.Type,
		Enabled:     body.Enabled,
		Priority:    body.Priority,
		Description: body.Description,
	}
	if err := h.gw.Store().Providers().Create(row); err != nil {
		writeFault(w, err)
		return
	}
	sensitive := make(map[string]bool, len(body.Sensitive))
	for _, key := range body.Sensitive {
		sensitive[key] = true
	}
	for key, value := range body.Config {
		if err := h.gw.Store().Providers().SetConfig(row.ID, key, value, sensitive[key]); err != nil {
			writeFault(w, err)
			return
		}
	}
	if row.Enabled {
		if err := h.gw.Registry().Load(row.ID); err != nil {
			logging.FromContext(r.Context()).Warn("created provider failed to load", "provider", row.ID, "error", err)
		}
	}
	h.gw.Bus().Publish(events.TopicProviders, map[string]string{"provider": row.ID, "event": "created"})
	writeJSON(w, http.StatusCreated, row)
}

func (h *Handlers) getProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	row, err := h.gw.Store().Providers().Get(id)
	if err != nil {
		writeFault(w, err)
		return
	}
	links, err := h.gw.Store().Models().LinkedModels(id)
	if err != nil {
		writeFault(w, err)
		return
	}

	// Config is served masked; the live instance masks sensitive
	// values, a cold row falls back to the raw keys with values hidden.
	config := map[string]string{}
	if inst, getErr := h.gw.Registry().Get(id); getErr == nil {
		config = inst.Config()
	} else {
		rows, cfgErr := h.gw.Store().Providers().Configs(id)
		if cfgErr != nil {
			writeFault(w, cfgErr)
			return
		}
		for _, c := range rows {
			if c.IsSensitive {
				config[c.Key] = "****"
				continue
			}
			var s string
			if json.Unmarshal([]byte(c.Value), &s) != nil {
				s = c.Value
			}
			config[c.Key] = s
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"provider": row,
		"config":   config,
		"models":   links,
	})
}

func (h *Handlers) updateProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	row, err := h.gw.Store().Providers().Get(id)
	if err != nil {
		writeFault(w, err)
		return
	}
	var body struct {
		Name        *string `json:"name"`
		Enabled     *bool   `json:"enabled"`
		Priority    *int    `json:"priority"`
		Description *string `json:"description"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeFault(w, err)
		return
	}
	if body.Name != nil {
		row.Name = *body.Name
	}
	if body.Enabled != nil {
		row.Enabled = *body.Enabled
	}
	if body.Priority != nil {
		row.Priority = *body.Priority
	}
	if body.Description != nil {
		row.Description = *body.Description
	}
	if err := h.gw.Store().Providers().Update(row); err != nil {
		writeFault(w, err)
		return
	}
	h.syncLifecycle(r, row.ID, row.Enabled)
	h.gw.Bus().Publish(events.TopicProviders, map[string]string{"provider": id, "event": "updated"})
	writeJSON(w, http.StatusOK, row)
}

func (h *Handlers) deleteProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.gw.Registry().Unload(id); err != nil {
		writeFault(w, err)
		return
	}
	if err := h.gw.Store().Providers().Delete(id); err != nil {
		writeFault(w, err)
		return
	}
	h.gw.Bus().Publish(events.TopicProviders, map[string]string{"provider": id, "event": "deleted"})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) enableProvider(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

func (h *Handlers) disableProvider(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handlers) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")
	if err := h.gw.Store().Providers().SetEnabled(id, enabled); err != nil {
		writeFault(w, err)
		return
	}
	h.syncLifecycle(r, id, enabled)
	h.gw.Bus().Publish(events.TopicProviders, map[string]string{"provider": id, "event": "updated"})
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": enabled})
}

// syncLifecycle brings the registry in line with the enabled flag.
func (h *Handlers) syncLifecycle(r *http.Request, id string, enabled bool) {
	var err error
	if enabled {
		err = h.gw.Registry().Load(id)
	} else {
		err = h.gw.Registry().Unload(id)
	}
	if err != nil {
		logging.FromContext(r.Context()).Warn("registry sync failed", "provider", id, "error", err)
	}
}

func (h *Handlers) reloadProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.gw.Registry().Reload(id); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "reloaded"})
}

func (h *Handlers) testProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, err := h.gw.Registry().Get(id)
	if err != nil {
		writeFault(w, err)
		return
	}
	status := inst.HealthCheck(r.Context())
	writeJSON(w, http.StatusOK, status)
}

func (h *Handlers) setProviderConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := chi.URLParam(r, "key")
	if _, err := h.gw.Store().Providers().Get(id); err != nil {
		writeFault(w, err)
		return
	}
	var body struct {
		Value     string `json:"value"`
		Sensitive bool   `json:"sensitive"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeFault(w, err)
		return
	}
	if err := h.gw.Store().Providers().SetConfig(id, key, body.Value, body.Sensitive); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "key": key, "status": "set"})
}

func (h *Handlers) deleteProviderConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := chi.URLParam(r, "key")
	if err := h.gw.Store().Providers().DeleteConfig(id, key); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// -------------------------------------------------------------- models ------

func (h *Handlers) listModels(w http.ResponseWriter, _ *http.Request) {
	rows, err := h.gw.Store().Models().FindAll()
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handlers) createModel(w http.ResponseWriter, r *http.Request) {
	var m store.Model
	if err := decodeBody(r, &m); err != nil {
		writeFault(w, err)
		return
	}
	if err := h.gw.Store().Models().Create(&m); err != nil {
		writeFault(w, err)
		return
	}
	h.gw.Bus().Publish(events.TopicModels, map[string]string{"model": m.ID, "event": "created"})
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handlers) getModel(w http.ResponseWriter, r *http.Request) {
	m, err := h.gw.Store().Models().Get(chi.URLParam(r, "id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handlers) updateModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := h.gw.Store().Models().Get(id)
	if err != nil {
		writeFault(w, err)
		return
	}
	var body struct {
		Name         *string  `json:"name"`
		Description  *string  `json:"description"`
		Capabilities []string `json:"capabilities"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeFault(w, err)
		return
	}
	if body.Name != nil {
		m.Name = *body.Name
	}
	if body.Description != nil {
		m.Description = *body.Description
	}
	if body.Capabilities != nil {
		m.Capabilities = body.Capabilities
	}
	if err := h.gw.Store().Models().Update(m); err != nil {
		writeFault(w, err)
		return
	}
	h.gw.Bus().Publish(events.TopicModels, map[string]string{"model": id, "event": "updated"})
	writeJSON(w, http.StatusOK, m)
}

func (h *Handlers) deleteModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.gw.Store().Models().Delete(id); err != nil {
		writeFault(w, err)
		return
	}
	h.gw.Bus().Publish(events.TopicModels, map[string]string{"model": id, "event": "deleted"})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) linkModel(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "id")
	var body struct {
		ModelID string `json:"model_id"`
		Default bool   `json:"default"`
		Config  string `json:"config"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeFault(w, err)
		return
	}
	if _, err := h.gw.Store().Providers().Get(providerID); err != nil {
		writeFault(w, err)
		return
	}
	if _, err := h.gw.Store().Models().Get(body.ModelID); err != nil {
		writeFault(w, err)
		return
	}
	if err := h.gw.Store().Models().Link(&store.ProviderModel{
		ProviderID: providerID,
		ModelID:    body.ModelID,
		IsDefault:  body.Default,
		Config:     body.Config,
	}); err != nil {
		writeFault(w, err)
		return
	}
	h.gw.Bus().Publish(events.TopicModels, map[string]string{"provider": providerID, "model": body.ModelID, "event": "linked"})
	writeJSON(w, http.StatusCreated, map[string]string{"provider_id": providerID, "model_id": body.ModelID})
}

func (h *Handlers) unlinkModel(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "id")
	modelID := chi.URLParam(r, "modelID")
	if err := h.gw.Store().Models().Unlink(providerID, modelID); err != nil {
		writeFault(w, err)
		return
	}
	h.gw.Bus().Publish(events.TopicModels, map[string]string{"provider": providerID, "model": modelID, "event": "unlinked"})
	w.WriteHeader(http.StatusNoContent)
}

// ------------------------------------------------------------ settings ------

func (h *Handlers) listSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.gw.Settings().All())
}

func (h *Handlers) updateSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var body struct {
		Value string `json:"value"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeFault(w, err)
		return
	}
	requiresRestart, err := h.gw.Settings().Update(key, body.Value)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":              key,
		"value":            body.Value,
		"requires_restart": requiresRestart,
	})
}

// --------------------------------------------------------- credentials ------

// maskedCredentialJSON renders a credential with token and cookies
// replaced by a trailing-four mask. sjson rewrites the encoded form so
// the struct never holds a half-masked value.
func maskedCredentialJSON(c *store.Credential) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, "encode credential", err)
	}
	body := string(raw)
	if body, err = sjson.Set(body, "token", maskTail(c.Token)); err != nil {
		return "", fault.Wrap(fault.KindInternal, "mask credential", err)
	}
	if body, err = sjson.Set(body, "cookies", maskTail(c.Cookies)); err != nil {
		return "", fault.Wrap(fault.KindInternal, "mask credential", err)
	}
	return body, nil
}

func maskTail(v string) string {
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}

func (h *Handlers) getCredential(w http.ResponseWriter, r *http.Request) {
	backend := chi.URLParam(r, "backend")
	c, err := h.gw.Store().Credentials().GetCurrent(backend)
	if err != nil {
		writeFault(w, err)
		return
	}
	body, err := maskedCredentialJSON(c)
	if err != nil {
		writeFault(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func (h *Handlers) upsertCredential(w http.ResponseWriter, r *http.Request) {
	backend := chi.URLParam(r, "backend")
	var body struct {
		Token     string `json:"token"`
		Cookies   string `json:"cookies"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeFault(w, err)
		return
	}
	c := &store.Credential{
		Backend:   backend,
		Token:     body.Token,
		Cookies:   body.Cookies,
		ExpiresAt: body.ExpiresAt,
	}
	if err := h.gw.Store().Credentials().Upsert(c); err != nil {
		writeFault(w, err)
		return
	}
	h.gw.Bus().Publish(events.TopicCredentials, map[string]string{"backend": backend, "event": "credentials-updated"})

	masked, err := maskedCredentialJSON(c)
	if err != nil {
		writeFault(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(masked))
}

// ------------------------------------------------------------- history ------

func (h *Handlers) listHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, 50, 200)
	if err != nil {
		writeFault(w, err)
		return
	}
	rows, err := h.gw.Recorder().History(store.HistoryFilter{
		ProviderID: r.URL.Query().Get("provider"),
		SessionID:  r.URL.Query().Get("session"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": rows,
		"filters": map[string]any{
			"limit":    limit,
			"offset":   offset,
			"provider": r.URL.Query().Get("provider"),
			"session":  r.URL.Query().Get("session"),
		},
	})
}

func (h *Handlers) getHistoryEntry(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	req, err := h.gw.Store().Requests().Get(requestID)
	if err != nil {
		writeFault(w, err)
		return
	}
	out := map[string]any{"request": req}
	if resp, err := h.gw.Recorder().ResponseFor(requestID); err == nil {
		out["response"] = resp
	} else if !fault.Is(err, fault.KindNotFound) {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, 50, 200)
	if err != nil {
		writeFault(w, err)
		return
	}
	rows, err := h.gw.Store().Sessions().FindAll(limit, offset)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handlers) listErrors(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, 50, 200)
	if err != nil {
		writeFault(w, err)
		return
	}
	rows, err := h.gw.Store().Errors().FindAll(limit, offset)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handlers) resolveError(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.gw.Store().Errors().Resolve(id); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "resolved"})
}

func (h *Handlers) stats(w http.ResponseWriter, _ *http.Request) {
	summary, err := h.gw.Summarize()
	if err != nil {
		writeFault(w, err)
		return
	}
	prompt, completion, total, err := h.gw.Store().Responses().UsageTotals()
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary": summary,
		"usage": map[string]int{
			"prompt_tokens":     prompt,
			"completion_tokens": completion,
			"total_tokens":      total,
		},
	})
}

// ------------------------------------------------------------- helpers ------

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fault.Wrap(fault.KindValidation, "invalid request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeFault renders a classified error as an OpenAI-shaped error body.
func writeFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(fault.HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"message": err.Error(),
			"type":    fault.OpenAIType(kind),
			"code":    string(kind),
		},
	})
}

func parseLimitOffset(r *http.Request, def, max int) (limit, offset int, err error) {
	limit = def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, perr := strconv.Atoi(raw)
		if perr != nil || n <= 0 {
			return 0, 0, fault.Newf(fault.KindValidation, "invalid limit %q", raw)
		}
		if n > max {
			n = max
		}
		limit = n
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, perr := strconv.Atoi(raw)
		if perr != nil || n < 0 {
			return 0, 0, fault.Newf(fault.KindValidation, "invalid offset %q", raw)
		}
		offset = n
	}
	return limit, offset, nil
}

func parseBoolParam(r *http.Request, name string) (value, present bool, err error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, false, nil
	}
	v, perr := strconv.ParseBool(raw)
	if perr != nil {
		return false, false, fault.Newf(fault.KindValidation, "invalid %s %q", name, raw)
	}
	return v, true, nil
}
