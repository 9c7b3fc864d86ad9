package signal

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseStreamEvent(t *testing.T) {
	ev, err := ParseStreamEvent([]byte(`{"type":"app_server.request.item.tool.call","threadId":"th-1","payload":{"method":"item/toolCall"}}`))
	if err != nil {
		t.Fatalf("ParseStreamEvent: %v", err)
	}
	if ev.Type != "app_server.request.item.tool.call" || ev.ThreadID != "th-1" {
		t.Fatalf("ev = %+v", ev)
	}

	if _, err := ParseStreamEvent([]byte(`{broken`)); err == nil {
		t.Fatal("expected decode error")
	}

	ev, err = ParseStreamEvent([]byte(`{"payload":{}}`))
	if err != nil {
		t.Fatalf("ParseStreamEvent: %v", err)
	}
	if ev.Type != "unknown" {
		t.Fatalf("type = %q, want unknown", ev.Type)
	}
}

func TestFromStreamEventLenientTypes(t *testing.T) {
	payload := map[string]any{
		"method":     42,                   // wrong type, dropped
		"signalType": "notification",
		"requestId":  float64(7),
		"session":    "not-a-map",
		"context":    map[string]any{"turnId": "t-9"},
	}
	raw, _ := json.Marshal(payload)
	sig := FromStreamEvent(StreamEvent{Type: "app_server.turn.completed", Payload: raw})

	if sig.Method != "" {
		t.Fatalf("method survived wrong type: %q", sig.Method)
	}
	if sig.SignalType != "notification" {
		t.Fatalf("signalType = %q", sig.SignalType)
	}
	if sig.RequestID != "7" {
		t.Fatalf("requestId = %q", sig.RequestID)
	}
	if sig.Session != nil {
		t.Fatalf("session = %v, want nil", sig.Session)
	}
	if sig.Context["turnId"] != "t-9" {
		t.Fatalf("context = %v", sig.Context)
	}
}

func TestNormalizeFlattensScope(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{
		"method":     "turnCompleted",
		"requestId":  "req-1",
		"receivedAt": "2026-08-30T10:00:00Z",
		"session": map[string]any{
			"projectId":       "proj-a",
			"sourceSessionId": "sess-1",
		},
		"context": map[string]any{"turnId": "turn-3"},
		"params":  map[string]any{"status": "ok"},
	})
	ev := Normalize(StreamEvent{Type: "app_server.turn.completed", Payload: raw})

	if ev.Type != "turn.completed" {
		t.Fatalf("type = %q", ev.Type)
	}
	if ev.CorrelationID != "req-1" {
		t.Fatalf("correlation = %q", ev.CorrelationID)
	}
	want := map[string]string{
		"projectId":       "proj-a",
		"sourceSessionId": "sess-1",
		"turnId":          "turn-3",
		"status":          "ok",
	}
	for k, v := range want {
		if ev.Payload[k] != v {
			t.Fatalf("payload[%s] = %v, want %s", k, ev.Payload[k], v)
		}
	}
	if got := ev.EmittedAt; !got.Equal(time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("emittedAt = %v", got)
	}
}

func TestNormalizeParamsWinOverSession(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{
		"session": map[string]any{"projectId": "from-session"},
		"params":  map[string]any{"projectId": "from-params"},
	})
	ev := Normalize(StreamEvent{Type: "app_server.session.started", Payload: raw})
	if ev.Payload["projectId"] != "from-params" {
		t.Fatalf("projectId = %v", ev.Payload["projectId"])
	}
	if ev.CorrelationID == "" {
		t.Fatal("expected generated correlation id")
	}
}

func TestNormalizeThreadIDFallback(t *testing.T) {
	ev := Normalize(StreamEvent{Type: "app_server.session.started", ThreadID: "th-2"})
	if ev.Payload["sourceSessionId"] != "th-2" {
		t.Fatalf("sourceSessionId = %v", ev.Payload["sourceSessionId"])
	}
}
