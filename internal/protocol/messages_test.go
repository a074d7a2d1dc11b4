package protocol

import (
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/whisper/lobby/internal/chat"
)

// ---------------------------------------------------------------------------
// Test: Parsing a join message with a profile
// ---------------------------------------------------------------------------

func TestParseClientMessage_Join(t *testing.T) {
	input := []byte(`{"type":"join","username":"alice","session_id":"s-1","profile":{"age":31,"sex":"f","location":"Lille"}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoin {
		t.Fatalf("expected type %q, got %q", TypeJoin, msgType)
	}

	jm, ok := msg.(JoinMsg)
	if !ok {
		t.Fatalf("expected JoinMsg, got %T", msg)
	}
	if jm.Username != "alice" || jm.SessionID != "s-1" {
		t.Errorf("unexpected join fields: %+v", jm)
	}
	if jm.Profile == nil {
		t.Fatal("expected profile")
	}
	if jm.Profile.Age != 31 || jm.Profile.Location != "Lille" {
		t.Errorf("unexpected profile: %+v", *jm.Profile)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a post with a reply
// ---------------------------------------------------------------------------

func TestParseClientMessage_Post(t *testing.T) {
	input := []byte(`{"type":"post","body":"Hello!","reply_to_id":"0190-abc"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypePost {
		t.Fatalf("expected type %q, got %q", TypePost, msgType)
	}

	pm, ok := msg.(PostMsg)
	if !ok {
		t.Fatalf("expected PostMsg, got %T", msg)
	}
	if pm.Body != "Hello!" {
		t.Errorf("expected body %q, got %q", "Hello!", pm.Body)
	}
	if pm.ReplyToID != "0190-abc" {
		t.Errorf("expected reply_to_id %q, got %q", "0190-abc", pm.ReplyToID)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown or server-only type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	for _, typ := range []string{"unknown_type", TypePresence, TypeJoined} {
		msgType, msg, err := ParseClientMessage([]byte(`{"type":"` + typ + `"}`))
		if err == nil {
			t.Fatalf("%s: expected an error, got nil", typ)
		}
		if msg != nil {
			t.Errorf("%s: expected nil message, got %v", typ, msg)
		}
		if msgType != typ {
			t.Errorf("expected returned type %q, got %q", typ, msgType)
		}
	}
}

func TestParseClientMessage_BadPayload(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"history","limit":"ten"}`))
	if err == nil {
		t.Fatal("expected decode error for non-numeric limit")
	}
}

// ---------------------------------------------------------------------------
// Test: Server messages carry the type discriminator
// ---------------------------------------------------------------------------

func TestNewServerMessage_Error(t *testing.T) {
	data, err := NewServerMessage(TypeError, ErrorMsg{Code: "banned", Message: "you are banned"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeError {
		t.Errorf("expected type %q, got %v", TypeError, result["type"])
	}
	if result["code"] != "banned" {
		t.Errorf("expected code %q, got %v", "banned", result["code"])
	}
}

func TestNewServerMessage_History(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := NewServerMessage(TypeHistory, HistoryMsg{Messages: []*chat.Message{
		{ID: "1", Author: "alice", Body: "first", CreatedAt: ts, OriginIP: "10.0.0.1"},
		{ID: "2", Author: "bob", Body: "second", CreatedAt: ts.Add(time.Second), OriginIP: "10.0.0.2",
			ReplyToID: "1", Reply: &chat.ReplySnapshot{Author: "alice", Body: "first"}},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded HistoryMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeHistory {
		t.Errorf("type mismatch: expected %q, got %q", TypeHistory, decoded.Type)
	}
	if len(decoded.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(decoded.Messages))
	}
	second := decoded.Messages[1]
	if second.Reply == nil || second.Reply.Author != "alice" {
		t.Errorf("reply snapshot lost: %+v", second)
	}
	if !second.CreatedAt.Equal(ts.Add(time.Second)) {
		t.Errorf("timestamp mismatch: %v", second.CreatedAt)
	}
}

func TestWrapEvent(t *testing.T) {
	event := []byte(`{"count":2,"users":[{"username":"alice","is_decoy":false},{"username":"Decoy1","is_decoy":true}]}`)

	data, err := WrapEvent(TypePresence, event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Type  string `json:"type"`
		Count int    `json:"count"`
		Users []struct {
			Username string `json:"username"`
			IsDecoy  bool   `json:"is_decoy"`
		} `json:"users"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if result.Type != TypePresence || result.Count != 2 {
		t.Errorf("unexpected wrapped event: %+v", result)
	}
	if len(result.Users) != 2 || !result.Users[1].IsDecoy {
		t.Errorf("users not preserved: %+v", result.Users)
	}
}

func TestWrapEvent_NotAnObject(t *testing.T) {
	if _, err := WrapEvent(TypeMessage, []byte(`[1,2]`)); err == nil {
		t.Fatal("expected error for non-object event")
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"join", `{"type":"join","username":"alice"}`, TypeJoin},
		{"heartbeat", `{"type":"heartbeat"}`, TypeHeartbeat},
		{"leave", `{"type":"leave"}`, TypeLeave},
		{"post", `{"type":"post","body":"hi"}`, TypePost},
		{"private", `{"type":"private","to":"bob","body":"hi"}`, TypePrivate},
		{"history", `{"type":"history","limit":20}`, TypeHistory},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
