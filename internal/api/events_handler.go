package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/agent-runtime/internal/events"
)

// handleEvents handles GET /events as a server-sent event stream. Clients
// resume with the standard Last-Event-ID header, served from the hub's
// replay window.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replaying so nothing published in between is lost;
	// the live loop drops anything the replay already sent.
	ch, cancel := s.hub.Subscribe()
	defer cancel()

	lastSeq := parseLastEventID(r.Header.Get("Last-Event-ID"))
	sent := lastSeq
	for _, n := range s.hub.ReplaySince(lastSeq) {
		if err := writeSSE(w, n); err != nil {
			return
		}
		if n.Seq > sent {
			sent = n.Seq
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if n.Seq <= sent {
				continue
			}
			sent = n.Seq
			if err := writeSSE(w, n); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			// SSE comment line as keep-alive.
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, n events.Notification) error {
	if _, err := fmt.Fprintf(w, "id: %d\n", n.Seq); err != nil {
		return err
	}
	if n.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", n.Type); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", n.Data); err != nil {
		return err
	}
	return nil
}
