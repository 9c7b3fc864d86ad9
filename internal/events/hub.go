// Package events is an in-memory pub/sub used for runtime and job lifecycle
// notifications. A small ring buffer lets late subscribers (SSE clients, the
// watch TUI) catch up without polling.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Notification is one published lifecycle occurrence.
type Notification struct {
	Seq  int64     `json:"seq"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"` // JSON payload
}

// Hub fans notifications out to subscribers and retains the most recent ones.
type Hub struct {
	nextSeq atomic.Int64

	mu    sync.Mutex
	ring  []Notification
	start int
	size  int

	subs      map[int]chan Notification
	nextSubID int
}

// NewHub creates a hub retaining up to capacity notifications for replay.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 128
	}
	return &Hub{
		ring: make([]Notification, capacity),
		subs: make(map[int]chan Notification),
	}
}

// Publish marshals data and delivers the notification to all subscribers.
// Slow subscribers are skipped rather than blocking the publisher.
func (h *Hub) Publish(notifType string, data any) {
	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	n := Notification{
		Seq:  h.nextSeq.Add(1),
		Type: notifType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	h.pushLocked(n)
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called to release the channel.
func (h *Hub) Subscribe() (<-chan Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Notification, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// ReplaySince returns retained notifications with Seq > lastSeq, oldest-first.
// lastSeq 0 returns the whole retained window.
func (h *Hub) ReplaySince(lastSeq int64) []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Notification, 0, h.size)
	for i := 0; i < h.size; i++ {
		n := h.ring[(h.start+i)%len(h.ring)]
		if lastSeq == 0 || n.Seq > lastSeq {
			out = append(out, n)
		}
	}
	return out
}

func (h *Hub) pushLocked(n Notification) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = n
		h.size++
		return
	}

	h.ring[h.start] = n
	h.start = (h.start + 1) % capacity
}
