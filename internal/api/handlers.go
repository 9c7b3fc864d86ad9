package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/agent-runtime/internal/auth"
	"github.com/mattjoyce/agent-runtime/internal/extension"
	"github.com/mattjoyce/agent-runtime/internal/queue"
	"github.com/mattjoyce/agent-runtime/internal/runtime"
	"github.com/mattjoyce/agent-runtime/internal/signal"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
		ModulesLoaded: len(s.exts.Active().Modules()),
	})
}

// handleEmit handles POST /emit.
func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	var req EmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		s.writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	ev := runtime.NewEvent(req.Type, req.Payload)
	if req.CorrelationID != "" {
		ev.CorrelationID = req.CorrelationID
	}

	results := s.emitter.Emit(r.Context(), ev)
	resp := EmitResponse{
		EventType:     ev.Type,
		CorrelationID: ev.CorrelationID,
		Results:       results,
	}
	if winner, ok := runtime.SelectEnqueueWinner(results); ok {
		resp.EnqueueWinner = &winner
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleSignal handles POST /signal: a raw agent stream envelope is
// normalized into a runtime event and dispatched.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	raw, err := signal.ParseStreamEvent(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev := signal.Normalize(raw)
	results := s.emitter.Emit(r.Context(), ev)
	resp := EmitResponse{
		EventType:     ev.Type,
		CorrelationID: ev.CorrelationID,
		Results:       results,
	}
	if winner, ok := runtime.SelectEnqueueWinner(results); ok {
		resp.EnqueueWinner = &winner
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleListExtensions handles GET /extensions.
func (s *Server) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	snap := s.exts.Active()
	respondJSON(w, http.StatusOK, map[string]any{
		"built_at":    snap.BuiltAt(),
		"modules":     snap.Inventory(),
		"diagnostics": snap.Diagnostics(),
	})
}

// handleReload handles POST /extensions/reload. A rejected reload keeps the
// previous snapshot and reports what was wrong with the candidate.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	s.logger.Info("extension reload requested", "actor", principal.Actor)

	report, err := s.exts.Reload()
	if err != nil {
		if errors.Is(err, extension.ErrReloadInProgress) {
			s.writeError(w, http.StatusConflict, "reload already in progress")
			return
		}
		respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  err.Error(),
			"report": report,
		})
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// handleEnqueueJob handles POST /jobs.
func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req EnqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	principal, _ := auth.PrincipalFromContext(r.Context())
	outcome, err := s.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		Type:        req.Type,
		OwnerID:     req.OwnerID,
		DedupeKey:   req.DedupeKey,
		Payload:     req.Payload,
		SubmittedBy: "api:" + principal.Actor,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusCreated
	switch outcome.Status {
	case queue.StatusAlreadyQueued:
		status = http.StatusOK
	case queue.StatusQueueFull:
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, outcome)
}

// handleGetJob handles GET /jobs/{jobID}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.queue.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, j)
}

// handleListJobs handles GET /jobs?owner=&state=.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var statePtr *queue.State
	if raw := r.URL.Query().Get("state"); raw != "" {
		st := queue.State(raw)
		switch st {
		case queue.StateQueued, queue.StateRunning, queue.StateCompleted, queue.StateFailed, queue.StateCanceled:
			statePtr = &st
		default:
			s.writeError(w, http.StatusBadRequest, "unknown state filter")
			return
		}
	}

	jobs, err := s.queue.List(r.Context(), r.URL.Query().Get("owner"), statePtr)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleCancelJob handles POST /jobs/{jobID}/cancel.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.queue.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, j)
}
