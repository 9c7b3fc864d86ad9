// Package signal normalizes raw notifications from the external agent
// process into runtime events. The agent speaks a websocket stream of typed
// envelopes; this adapter flattens the envelope's session and context blocks
// into the scope keys the dispatcher derives locks from.
package signal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/agent-runtime/internal/runtime"
)

// StreamEvent is one raw envelope off the agent stream.
type StreamEvent struct {
	Type     string          `json:"type"`
	ThreadID string          `json:"threadId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ParseStreamEvent decodes a raw frame. The payload stays opaque until
// Normalize picks it apart.
func ParseStreamEvent(body []byte) (StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return StreamEvent{}, fmt.Errorf("decode stream event: %w", err)
	}
	if ev.Type == "" {
		ev.Type = "unknown"
	}
	return ev, nil
}

// Signal is the extracted view of an agent notification payload. Fields with
// the wrong wire type are dropped rather than failing the whole frame.
type Signal struct {
	EventType  string
	Method     string
	SignalType string
	ReceivedAt string
	Context    map[string]any
	Params     any
	Session    map[string]any
	RequestID  string
}

// FromStreamEvent extracts the structured signal fields from an envelope.
func FromStreamEvent(ev StreamEvent) Signal {
	s := Signal{EventType: ev.Type, Context: map[string]any{}}
	var payload map[string]any
	if len(ev.Payload) > 0 {
		_ = json.Unmarshal(ev.Payload, &payload)
	}
	if payload == nil {
		return s
	}
	if v, ok := payload["method"].(string); ok {
		s.Method = v
	}
	if v, ok := payload["signalType"].(string); ok {
		s.SignalType = v
	}
	if v, ok := payload["receivedAt"].(string); ok {
		s.ReceivedAt = v
	}
	if v, ok := payload["context"].(map[string]any); ok {
		s.Context = v
	}
	if v, ok := payload["session"].(map[string]any); ok {
		s.Session = v
	}
	s.Params = payload["params"]
	s.RequestID = requestIDString(payload["requestId"])
	return s
}

// requestIDString accepts the wire's string-or-number request ids.
func requestIDString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatInt(int64(id), 10)
	default:
		return ""
	}
}

const streamPrefix = "app_server."

// Normalize turns a raw envelope into a dispatchable runtime event. The
// stream prefix is trimmed so handlers subscribe to the short dotted names,
// and the session and context blocks are flattened into the scope keys.
func Normalize(ev StreamEvent) runtime.Event {
	sig := FromStreamEvent(ev)

	payload := map[string]any{}
	if m, ok := sig.Params.(map[string]any); ok {
		for k, v := range m {
			payload[k] = v
		}
	} else if sig.Params != nil {
		payload["params"] = sig.Params
	}

	copyScopeKey(payload, sig.Session, "projectId")
	copyScopeKey(payload, sig.Session, "sourceSessionId")
	copyScopeKey(payload, sig.Context, "projectId")
	copyScopeKey(payload, sig.Context, "sourceSessionId")
	copyScopeKey(payload, sig.Context, "turnId")
	if _, ok := payload["sourceSessionId"]; !ok && ev.ThreadID != "" {
		payload["sourceSessionId"] = ev.ThreadID
	}
	if sig.Method != "" {
		payload["method"] = sig.Method
	}

	out := runtime.Event{
		Type:      strings.TrimPrefix(ev.Type, streamPrefix),
		Payload:   payload,
		EmittedAt: time.Now().UTC(),
	}
	if t, err := time.Parse(time.RFC3339, sig.ReceivedAt); err == nil {
		out.EmittedAt = t
	}
	if sig.RequestID != "" {
		out.CorrelationID = sig.RequestID
	} else {
		out.CorrelationID = uuid.NewString()
	}
	return out
}

// copyScopeKey promotes a scope field only when the target does not already
// carry it, so params-level values win over session metadata.
func copyScopeKey(dst map[string]any, src map[string]any, key string) {
	if src == nil {
		return
	}
	if _, taken := dst[key]; taken {
		return
	}
	if v, ok := src[key].(string); ok && v != "" {
		dst[key] = v
	}
}
