package store

import (
	"database/sql"
)

// Request is one inbound chat-completions call, captured before the upstream
// dial. Rows are immutable once the upstream connection is open.
type Request struct {
	ID            int64  `json:"id"`
	RequestID     string `json:"request_id"`
	SessionID     string `json:"session_id,omitempty"`
	OpenAIRequest string `json:"openai_request"`
	QwenRequest   string `json:"qwen_request,omitempty"`
	Model         string `json:"model"`
	Stream        bool   `json:"stream"`
	Method        string `json:"method"`
	Path          string `json:"path"`
	ProviderID    string `json:"provider_id,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

// Response is the terminal outcome of one request. A request has at most one.
type Response struct {
	ID               int64  `json:"id"`
	ResponseID       string `json:"response_id"`
	RequestID        string `json:"request_id"`
	SessionID        string `json:"session_id,omitempty"`
	QwenResponse     string `json:"qwen_response,omitempty"`
	OpenAIResponse   string `json:"openai_response,omitempty"`
	ParentID         string `json:"parent_id,omitempty"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	FinishReason     string `json:"finish_reason"`
	Error            string `json:"error,omitempty"`
	DurationMs       int64  `json:"duration_ms"`
	Timestamp        int64  `json:"timestamp"`
}

// ErrorRecord is one row of the append-only error log.
type ErrorRecord struct {
	ID        int64  `json:"id"`
	ErrorID   string `json:"error_id"`
	ErrorType string `json:"error_type"` // http, streaming, upstream, store, validation, lifecycle
	Severity  string `json:"severity"`   // info, warn, error, fatal
	Code      string `json:"code"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Payload   string `json:"payload,omitempty"`
	Resolved  bool   `json:"resolved"`
	Timestamp int64  `json:"timestamp"`
}

// HistoryFilter narrows request/response listings.
type HistoryFilter struct {
	ProviderID string
	SessionID  string
	Limit      int
	Offset     int
}

// RequestRepo persists Request rows.
type RequestRepo struct {
	db *sql.DB
}

// Insert writes a request row.
func (r *RequestRepo) Insert(req *Request) error {
	if req.Timestamp == 0 {
		req.Timestamp = NowMillis()
	}
	res, err := r.db.Exec(`INSERT INTO requests(request_id, session_id, openai_request, qwen_request,
		model, stream, method, path, provider_id, timestamp)
		VALUES(?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, ?, ?, NULLIF(?, ''), ?)`,
		req.RequestID, req.SessionID, req.OpenAIRequest, req.QwenRequest,
		req.Model, req.Stream, req.Method, req.Path, req.ProviderID, req.Timestamp)
	if err != nil {
		return storeErr("insert request", err)
	}
	req.ID, _ = res.LastInsertId()
	return nil
}

// AttachUpstreamPayload records the translated upstream request body. Legal
// only between translation and the upstream dial; the audit recorder
// enforces that window.
func (r *RequestRepo) AttachUpstreamPayload(requestID, payload string) error {
	_, err := r.db.Exec(`UPDATE requests SET qwen_request = ? WHERE request_id = ?`, payload, requestID)
	if err != nil {
		return storeErr("attach upstream payload", err)
	}
	return nil
}

// Get returns one request by its UUID.
func (r *RequestRepo) Get(requestID string) (*Request, error) {
	row := r.db.QueryRow(`SELECT id, request_id, session_id, openai_request, qwen_request,
		model, stream, method, path, provider_id, timestamp
		FROM requests WHERE request_id = ?`, requestID)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, notFound("request", requestID)
	}
	if err != nil {
		return nil, storeErr("get request", err)
	}
	return req, nil
}

// FindAll returns requests newest first.
func (r *RequestRepo) FindAll(f HistoryFilter) ([]*Request, error) {
	q := `SELECT id, request_id, session_id, openai_request, qwen_request,
		model, stream, method, path, provider_id, timestamp FROM requests`
	var args []any
	switch {
	case f.ProviderID != "" && f.SessionID != "":
		q += " WHERE provider_id = ? AND session_id = ?"
		args = append(args, f.ProviderID, f.SessionID)
	case f.ProviderID != "":
		q += " WHERE provider_id = ?"
		args = append(args, f.ProviderID)
	case f.SessionID != "":
		q += " WHERE session_id = ?"
		args = append(args, f.SessionID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, storeErr("list requests", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, storeErr("scan request", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Count returns the number of request rows.
func (r *RequestRepo) Count() (int, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM requests`).Scan(&n); err != nil {
		return 0, storeErr("count requests", err)
	}
	return n, nil
}

// ResponseRepo persists Response rows.
type ResponseRepo struct {
	db *sql.DB
}

// Insert writes a response row.
func (r *ResponseRepo) Insert(resp *Response) error {
	if resp.Timestamp == 0 {
		resp.Timestamp = NowMillis()
	}
	res, err := r.db.Exec(`INSERT INTO responses(response_id, request_id, session_id, qwen_response,
		openai_response, parent_id, prompt_tokens, completion_tokens, total_tokens,
		finish_reason, error, duration_ms, timestamp)
		VALUES(?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, NULLIF(?, ''), ?, ?)`,
		resp.ResponseID, resp.RequestID, resp.SessionID, resp.QwenResponse,
		resp.OpenAIResponse, resp.ParentID, resp.PromptTokens, resp.CompletionTokens,
		resp.TotalTokens, resp.FinishReason, resp.Error, resp.DurationMs, resp.Timestamp)
	if err != nil {
		return storeErr("insert response", err)
	}
	resp.ID, _ = res.LastInsertId()
	return nil
}

// GetByRequest returns the response for a request, if any.
func (r *ResponseRepo) GetByRequest(requestID string) (*Response, error) {
	row := r.db.QueryRow(`SELECT id, response_id, request_id, session_id, qwen_response, openai_response,
		parent_id, prompt_tokens, completion_tokens, total_tokens, finish_reason, error, duration_ms, timestamp
		FROM responses WHERE request_id = ?`, requestID)
	resp, err := scanResponse(row)
	if err == sql.ErrNoRows {
		return nil, notFound("response", requestID)
	}
	if err != nil {
		return nil, storeErr("get response", err)
	}
	return resp, nil
}

// FindAll returns responses newest first.
func (r *ResponseRepo) FindAll(f HistoryFilter) ([]*Response, error) {
	q := `SELECT id, response_id, request_id, session_id, qwen_response, openai_response,
		parent_id, prompt_tokens, completion_tokens, total_tokens, finish_reason, error, duration_ms, timestamp
		FROM responses`
	var args []any
	if f.SessionID != "" {
		q += " WHERE session_id = ?"
		args = append(args, f.SessionID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, storeErr("list responses", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Response
	for rows.Next() {
		resp, err := scanResponse(rows)
		if err != nil {
			return nil, storeErr("scan response", err)
		}
		out = append(out, resp)
	}
	return out, rows.Err()
}

// Count returns the number of response rows.
func (r *ResponseRepo) Count() (int, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM responses`).Scan(&n); err != nil {
		return 0, storeErr("count responses", err)
	}
	return n, nil
}

// UsageTotals sums token usage across all responses.
func (r *ResponseRepo) UsageTotals() (prompt, completion, total int, err error) {
	err = r.db.QueryRow(`SELECT COALESCE(SUM(prompt_tokens),0), COALESCE(SUM(completion_tokens),0),
		COALESCE(SUM(total_tokens),0) FROM responses`).Scan(&prompt, &completion, &total)
	if err != nil {
		return 0, 0, 0, storeErr("sum usage", err)
	}
	return prompt, completion, total, nil
}

// ErrorRepo persists the append-only error log.
type ErrorRepo struct {
	db *sql.DB
}

// Insert writes an error record.
func (r *ErrorRepo) Insert(e *ErrorRecord) error {
	if e.Timestamp == 0 {
		e.Timestamp = NowMillis()
	}
	res, err := r.db.Exec(`INSERT INTO error_log(error_id, error_type, severity, code, message,
		session_id, request_id, payload, resolved, timestamp)
		VALUES(?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?)`,
		e.ErrorID, e.ErrorType, e.Severity, e.Code, e.Message,
		e.SessionID, e.RequestID, e.Payload, e.Resolved, e.Timestamp)
	if err != nil {
		return storeErr("insert error record", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// FindAll returns error records newest first.
func (r *ErrorRepo) FindAll(limit, offset int) ([]*ErrorRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`SELECT id, error_id, error_type, severity, code, message,
		session_id, request_id, payload, resolved, timestamp
		FROM error_log ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, storeErr("list error records", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ErrorRecord
	for rows.Next() {
		var (
			e                 ErrorRecord
			sid, rid, payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ErrorID, &e.ErrorType, &e.Severity, &e.Code, &e.Message,
			&sid, &rid, &payload, &e.Resolved, &e.Timestamp); err != nil {
			return nil, storeErr("scan error record", err)
		}
		e.SessionID, e.RequestID, e.Payload = sid.String, rid.String, payload.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Resolve marks an error record handled.
func (r *ErrorRepo) Resolve(errorID string) error {
	res, err := r.db.Exec(`UPDATE error_log SET resolved = 1 WHERE error_id = ?`, errorID)
	if err != nil {
		return storeErr("resolve error record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("error record", errorID)
	}
	return nil
}

// Count returns the number of error rows.
func (r *ErrorRepo) Count() (int, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM error_log`).Scan(&n); err != nil {
		return 0, storeErr("count error records", err)
	}
	return n, nil
}

func scanRequest(scanner interface{ Scan(dest ...any) error }) (*Request, error) {
	var (
		req            Request
		sid, qwen, pid sql.NullString
	)
	err := scanner.Scan(&req.ID, &req.RequestID, &sid, &req.OpenAIRequest, &qwen,
		&req.Model, &req.Stream, &req.Method, &req.Path, &pid, &req.Timestamp)
	if err != nil {
		return nil, err
	}
	req.SessionID = sid.String
	req.QwenRequest = qwen.String
	req.ProviderID = pid.String
	return &req, nil
}

func scanResponse(scanner interface{ Scan(dest ...any) error }) (*Response, error) {
	var (
		resp                          Response
		sid, qwen, openai, pid, errsg sql.NullString
	)
	err := scanner.Scan(&resp.ID, &resp.ResponseID, &resp.RequestID, &sid, &qwen, &openai,
		&pid, &resp.PromptTokens, &resp.CompletionTokens, &resp.TotalTokens,
		&resp.FinishReason, &errsg, &resp.DurationMs, &resp.Timestamp)
	if err != nil {
		return nil, err
	}
	resp.SessionID = sid.String
	resp.QwenResponse = qwen.String
	resp.OpenAIResponse = openai.String
	resp.ParentID = pid.String
	resp.Error = errsg.String
	return &resp, nil
}
