package api

import (
	"encoding/json"
	"net/http"

	"github.com/mattjoyce/agent-runtime/internal/queue"
	"github.com/mattjoyce/agent-runtime/internal/runtime"
)

// EmitRequest is the body of POST /emit.
type EmitRequest struct {
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// EmitResponse returns one normalized result per invoked handler plus the
// settled enqueue winner when the pass produced enqueue intents.
type EmitResponse struct {
	EventType     string                `json:"event_type"`
	CorrelationID string                `json:"correlation_id"`
	Results       []runtime.EmitResult  `json:"results"`
	EnqueueWinner *queue.EnqueueOutcome `json:"enqueue_winner,omitempty"`
}

// EnqueueJobRequest is the body of POST /jobs.
type EnqueueJobRequest struct {
	Type      string          `json:"type"`
	OwnerID   string          `json:"owner_id"`
	DedupeKey string          `json:"dedupe_key,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// HealthzResponse is the body of GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
	ModulesLoaded int    `json:"modules_loaded"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, ErrorResponse{Error: msg})
}
