// Package audit is the write-through persistence pipeline: every chat
// call gets a request row before the upstream dial, and a terminal
// response or error row afterwards. Orphaned request rows (a crash
// between dial and terminal chunk) are acceptable and visible in
// history as requests without a response.
package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/ferro-labs/llm-bridge/internal/fault"
	"github.com/ferro-labs/llm-bridge/internal/logging"
	"github.com/ferro-labs/llm-bridge/internal/metrics"
	"github.com/ferro-labs/llm-bridge/internal/store"
)

// Recorder writes the audit trail for chat traffic.
type Recorder struct {
	requests  *store.RequestRepo
	responses *store.ResponseRepo
	errors    *store.ErrorRepo
}

// NewRecorder returns a recorder over the given store.
func NewRecorder(st *store.Store) *Recorder {
	return &Recorder{
		requests:  st.Requests(),
		responses: st.Responses(),
		errors:    st.Errors(),
	}
}

// Entry tracks one request from intake to its terminal row.
type Entry struct {
	rec *Recorder

	RequestID  string
	SessionID  string
	ProviderID string
	Model      string

	start    time.Time
	dialed   bool
	finished bool
}

// Begin persists the request row and opens a tracking entry. It must be
// called before any upstream work; the row is immutable afterwards
// except for the upstream-payload attach window.
func (r *Recorder) Begin(req *store.Request) (*Entry, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if err := r.requests.Insert(req); err != nil {
		return nil, err
	}
	return &Entry{
		rec:        r,
		RequestID:  req.RequestID,
		SessionID:  req.SessionID,
		ProviderID: req.ProviderID,
		Model:      req.Model,
		start:      time.Now(),
	}, nil
}

// AttachUpstreamPayload records the translated upstream request body.
// Legal only between translation and the upstream dial.
func (e *Entry) AttachUpstreamPayload(payload string) error {
	if e.dialed {
		return fault.New(fault.KindInternal, "upstream payload attached after dial")
	}
	return e.rec.requests.AttachUpstreamPayload(e.RequestID, payload)
}

// MarkDialed records that the upstream stream opened. It closes the
// attach window (the request row never mutates after this point) and
// decides whether a failure gets a terminal response row: an upstream
// that was never reached leaves only the request row and an error-log
// record behind.
func (e *Entry) MarkDialed() { e.dialed = true }

// Outcome is the terminal result handed to Finish.
type Outcome struct {
	OpenAIResponse   string
	QwenResponse     string
	ParentID         string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Finish writes the terminal response row and bumps request metrics.
// Calling it more than once is an internal error: the state machine
// reaches finalised exactly once per request.
func (e *Entry) Finish(out Outcome) error {
	if e.finished {
		return fault.New(fault.KindInternal, "request finalised twice")
	}
	e.finished = true

	dur := time.Since(e.start)
	resp := &store.Response{
		ResponseID:       uuid.NewString(),
		RequestID:        e.RequestID,
		SessionID:        e.SessionID,
		OpenAIResponse:   out.OpenAIResponse,
		QwenResponse:     out.QwenResponse,
		ParentID:         out.ParentID,
		PromptTokens:     out.PromptTokens,
		CompletionTokens: out.CompletionTokens,
		TotalTokens:      out.TotalTokens,
		FinishReason:     out.FinishReason,
		DurationMs:       dur.Milliseconds(),
	}
	if err := e.rec.responses.Insert(resp); err != nil {
		return err
	}

	metrics.RequestsTotal.WithLabelValues(e.ProviderID, e.Model, "success").Inc()
	metrics.RequestDuration.WithLabelValues(e.ProviderID, e.Model).Observe(dur.Seconds())
	if out.PromptTokens > 0 {
		metrics.TokensInput.WithLabelValues(e.ProviderID, e.Model).Add(float64(out.PromptTokens))
	}
	if out.CompletionTokens > 0 {
		metrics.TokensOutput.WithLabelValues(e.ProviderID, e.Model).Add(float64(out.CompletionTokens))
	}
	return nil
}

// Fail appends an error-log record and bumps error metrics. A terminal
// response row is written only when the upstream stream had opened;
// partial carries any output accumulated before the failure and is
// preserved in the row's openai_response.
func (e *Entry) Fail(cause error, partial string) error {
	if e.finished {
		return fault.New(fault.KindInternal, "request finalised twice")
	}
	e.finished = true

	kind := fault.KindOf(cause)
	status := "error"
	if kind == fault.KindValidation {
		status = "rejected"
	}
	dur := time.Since(e.start)
	if e.dialed {
		resp := &store.Response{
			ResponseID:     uuid.NewString(),
			RequestID:      e.RequestID,
			SessionID:      e.SessionID,
			OpenAIResponse: partial,
			FinishReason:   "error",
			Error:          cause.Error(),
			DurationMs:     dur.Milliseconds(),
		}
		if err := e.rec.responses.Insert(resp); err != nil {
			logging.Logger.Error("failed to persist error response", "request_id", e.RequestID, "error", err)
		}
	}

	metrics.RequestsTotal.WithLabelValues(e.ProviderID, e.Model, status).Inc()
	metrics.RequestDuration.WithLabelValues(e.ProviderID, e.Model).Observe(dur.Seconds())
	if e.ProviderID != "" {
		metrics.ProviderErrors.WithLabelValues(e.ProviderID, string(kind)).Inc()
	}

	return e.rec.RecordError(cause, e.SessionID, e.RequestID, "")
}

// Cancelled records a client-side cancellation without an error-log row.
// As with Fail, the response row exists only for streams that opened.
func (e *Entry) Cancelled() error {
	if e.finished {
		return nil
	}
	e.finished = true

	metrics.RequestsTotal.WithLabelValues(e.ProviderID, e.Model, "cancelled").Inc()
	if !e.dialed {
		return nil
	}
	dur := time.Since(e.start)
	resp := &store.Response{
		ResponseID:   uuid.NewString(),
		RequestID:    e.RequestID,
		SessionID:    e.SessionID,
		FinishReason: "cancelled",
		Error:        "client cancelled",
		DurationMs:   dur.Milliseconds(),
	}
	return e.rec.responses.Insert(resp)
}

// RecordError appends one row to the error log, deriving type and
// severity from the fault kind.
func (r *Recorder) RecordError(cause error, sessionID, requestID, payload string) error {
	kind := fault.KindOf(cause)
	return r.errors.Insert(&store.ErrorRecord{
		ErrorID:   uuid.NewString(),
		ErrorType: fault.LogCategory(kind),
		Severity:  fault.Severity(kind),
		Code:      string(kind),
		Message:   cause.Error(),
		SessionID: sessionID,
		RequestID: requestID,
		Payload:   payload,
	})
}

// History exposes filtered read access for the admin surface and CLI.
func (r *Recorder) History(f store.HistoryFilter) ([]*store.Request, error) {
	return r.requests.FindAll(f)
}

// ResponseFor returns the terminal response of a request, if one exists.
func (r *Recorder) ResponseFor(requestID string) (*store.Response, error) {
	return r.responses.GetByRequest(requestID)
}
