package providers

import (
	"encoding/json"
	"testing"

	"github.com/ferro-labs/llm-bridge/internal/fault"
)

func TestRequestValidate(t *testing.T) {
	bad := func(t *testing.T, r Request) {
		t.Helper()
		if err := r.Validate(); !fault.Is(err, fault.KindValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	}

	bad(t, Request{})
	bad(t, Request{Model: "m"})

	temp := 3.5
	bad(t, Request{Model: "m", Messages: []Message{{Role: RoleUser, Content: "x"}}, Temperature: &temp})

	maxTok := -1
	bad(t, Request{Model: "m", Messages: []Message{{Role: RoleUser, Content: "x"}}, MaxTokens: &maxTok})

	ok := Request{Model: "m", Messages: []Message{{Role: RoleUser, Content: "x"}}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMessageContentForms(t *testing.T) {
	// Plain string content.
	var m Message
	if err := json.Unmarshal([]byte(`{"role":"user","content":"hi"}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Role != RoleUser || m.Content != "hi" {
		t.Fatalf("unexpected message %+v", m)
	}

	// Multipart content collapses text parts into Content.
	var mp Message
	raw := `{"role":"user","content":[{"type":"text","text":"look at "},{"type":"text","text":"this"},{"type":"image_url","image_url":{"url":"http://x/img.png"}}]}`
	if err := json.Unmarshal([]byte(raw), &mp); err != nil {
		t.Fatalf("unmarshal multipart: %v", err)
	}
	if mp.Content != "look at this" {
		t.Fatalf("collapsed content %q", mp.Content)
	}
	if len(mp.ContentParts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(mp.ContentParts))
	}

	// Round-trip keeps the multipart encoding.
	b, err := json.Marshal(mp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Message
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(back.ContentParts) != 3 {
		t.Fatalf("parts lost on round trip: %d", len(back.ContentParts))
	}
}

func TestFirstMessageHelpers(t *testing.T) {
	r := Request{Messages: []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "u1"},
		{Role: RoleAssistant, Content: "a1"},
		{Role: RoleUser, Content: "u2"},
	}}
	if r.FirstUserMessage() != "u1" {
		t.Fatalf("first user %q", r.FirstUserMessage())
	}
	if r.FirstAssistantMessage() != "a1" {
		t.Fatalf("first assistant %q", r.FirstAssistantMessage())
	}
	if (Request{}).FirstUserMessage() != "" {
		t.Fatal("expected empty for no messages")
	}
}

func TestConfigMasking(t *testing.T) {
	b := newBase("p1", TypeOpenAI,
		map[string]string{"baseURL": "https://api.example.com", "apiKey": "sk-secret-1234"},
		map[string]bool{"apiKey": true})

	cfg := b.Config()
	if cfg["baseURL"] != "https://api.example.com" {
		t.Fatalf("baseURL %q", cfg["baseURL"])
	}
	if cfg["apiKey"] != "****1234" {
		t.Fatalf("apiKey not masked: %q", cfg["apiKey"])
	}
	// The original map is untouched.
	if b.configValue("apiKey") != "sk-secret-1234" {
		t.Fatal("masking mutated the stored config")
	}
}
