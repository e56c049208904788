package audit

import (
	"path/filepath"
	"testing"

	"github.com/ferro-labs/llm-bridge/internal/fault"
	"github.com/ferro-labs/llm-bridge/internal/store"
)

func newTestRecorder(t *testing.T) (*Recorder, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewRecorder(st), st
}

func TestBeginPersistsBeforeUpstream(t *testing.T) {
	rec, st := newTestRecorder(t)

	entry, err := rec.Begin(&store.Request{
		OpenAIRequest: `{"model":"qwen3-max"}`,
		Model:         "qwen3-max",
		Stream:        true,
		Method:        "POST",
		Path:          "/v1/chat/completions",
		ProviderID:    "qwen-main",
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if entry.RequestID == "" {
		t.Fatal("expected generated request id")
	}

	// The row exists before any terminal outcome.
	row, err := st.Requests().Get(entry.RequestID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if row.Model != "qwen3-max" || !row.Stream {
		t.Fatalf("unexpected row %+v", row)
	}
	if _, err := st.Responses().GetByRequest(entry.RequestID); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("expected no response yet, got %v", err)
	}
}

func TestAttachWindowClosesOnDial(t *testing.T) {
	rec, st := newTestRecorder(t)

	entry, err := rec.Begin(&store.Request{OpenAIRequest: "{}", Model: "m"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := entry.AttachUpstreamPayload(`{"chat_id":"c1"}`); err != nil {
		t.Fatalf("attach: %v", err)
	}
	entry.MarkDialed()
	if err := entry.AttachUpstreamPayload(`{"late":true}`); !fault.Is(err, fault.KindInternal) {
		t.Fatalf("expected attach-after-dial rejection, got %v", err)
	}

	row, _ := st.Requests().Get(entry.RequestID)
	if row.QwenRequest != `{"chat_id":"c1"}` {
		t.Fatalf("payload not attached: %q", row.QwenRequest)
	}
}

func TestFinishWritesTerminalRowOnce(t *testing.T) {
	rec, st := newTestRecorder(t)

	entry, err := rec.Begin(&store.Request{OpenAIRequest: "{}", Model: "m", ProviderID: "p"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	out := Outcome{
		OpenAIResponse:   `{"choices":[]}`,
		ParentID:         "parent-9",
		FinishReason:     "stop",
		PromptTokens:     12,
		CompletionTokens: 34,
		TotalTokens:      46,
	}
	if err := entry.Finish(out); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := entry.Finish(out); !fault.Is(err, fault.KindInternal) {
		t.Fatalf("expected double-finalise rejection, got %v", err)
	}

	resp, err := st.Responses().GetByRequest(entry.RequestID)
	if err != nil {
		t.Fatalf("get response: %v", err)
	}
	if resp.ParentID != "parent-9" || resp.FinishReason != "stop" || resp.TotalTokens != 46 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestFailAfterDialWritesResponseAndErrorLog(t *testing.T) {
	rec, st := newTestRecorder(t)

	entry, err := rec.Begin(&store.Request{OpenAIRequest: "{}", Model: "m", ProviderID: "p"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	entry.MarkDialed()
	cause := fault.New(fault.KindUpstreamNet, "upstream stream aborted")
	if err := entry.Fail(cause, `{"partial":"Once upon"}`); err != nil {
		t.Fatalf("fail: %v", err)
	}

	resp, err := st.Responses().GetByRequest(entry.RequestID)
	if err != nil {
		t.Fatalf("get response: %v", err)
	}
	if resp.FinishReason != "error" || resp.Error == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.OpenAIResponse != `{"partial":"Once upon"}` {
		t.Fatalf("partial output not preserved: %q", resp.OpenAIResponse)
	}

	errs, err := st.Errors().FindAll(10, 0)
	if err != nil {
		t.Fatalf("list errors: %v", err)
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 error record, got %d", len(errs))
	}
	if errs[0].ErrorType != "upstream" || errs[0].Severity != "error" {
		t.Fatalf("unexpected classification %+v", errs[0])
	}
	if errs[0].RequestID != entry.RequestID {
		t.Fatalf("error not linked to request: %+v", errs[0])
	}
}

func TestFailBeforeDialLeavesOnlyErrorRecord(t *testing.T) {
	rec, st := newTestRecorder(t)

	entry, err := rec.Begin(&store.Request{OpenAIRequest: "{}", Model: "m", ProviderID: "p"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	cause := fault.New(fault.KindUpstreamAuth, "credentials are stale or expired")
	if err := entry.Fail(cause, ""); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// The upstream was never reached: the request row and the error
	// record survive, but no response row exists.
	if _, err := st.Requests().Get(entry.RequestID); err != nil {
		t.Fatalf("request row gone: %v", err)
	}
	if _, err := st.Responses().GetByRequest(entry.RequestID); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("expected no response row, got %v", err)
	}
	errs, err := st.Errors().FindAll(10, 0)
	if err != nil {
		t.Fatalf("list errors: %v", err)
	}
	if len(errs) != 1 || errs[0].ErrorType != "upstream" {
		t.Fatalf("unexpected error log %+v", errs)
	}
}

func TestCancelledWritesNoErrorLog(t *testing.T) {
	rec, st := newTestRecorder(t)

	entry, err := rec.Begin(&store.Request{OpenAIRequest: "{}", Model: "m"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	entry.MarkDialed()
	if err := entry.Cancelled(); err != nil {
		t.Fatalf("cancelled: %v", err)
	}

	resp, err := st.Responses().GetByRequest(entry.RequestID)
	if err != nil {
		t.Fatalf("get response: %v", err)
	}
	if resp.FinishReason != "cancelled" {
		t.Fatalf("unexpected finish reason %q", resp.FinishReason)
	}
	n, _ := st.Errors().Count()
	if n != 0 {
		t.Fatalf("expected empty error log, got %d rows", n)
	}
}
