// Package progress keeps the latest state of in-flight parameter sweeps and
// fans progress events out to subscribers.
package progress

import (
	"log/slog"
	"sort"
	"sync"

	"quantdesk/internal/domain"
)

// Event types.
const (
	EventSnapshot = "snapshot"
	EventProgress = "progress"
	EventDone     = "done"
)

// Event is the wire format for progress messages.
type Event struct {
	Type   string              `json:"type"`
	RunID  string              `json:"run_id,omitempty"`
	Done   int                 `json:"done,omitempty"`
	Total  int                 `json:"total,omitempty"`
	Index  int                 `json:"index,omitempty"`
	Params domain.ParameterSet `json:"params,omitempty"`
	Value  float64             `json:"value,omitempty"`
	Error  string              `json:"error,omitempty"`

	// Runs holds the latest event per in-flight sweep (snapshot only).
	Runs []Event `json:"runs,omitempty"`
}

// Hub holds the latest event per running sweep and broadcasts updates.
type Hub struct {
	mu     sync.RWMutex
	latest map[string]Event // run ID -> last progress event
	log    *slog.Logger

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan Event

	onSubscribers func(n int)
}

// NewHub creates an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		latest: make(map[string]Event),
		log:    log,
		subs:   make(map[int]chan Event),
	}
}

// OnSubscribers registers a callback invoked with the subscriber count after
// every subscribe and unsubscribe.
func (h *Hub) OnSubscribers(fn func(n int)) {
	h.subsMu.Lock()
	h.onSubscribers = fn
	h.subsMu.Unlock()
}

// Snapshot returns the latest event of every in-flight sweep, ordered by run
// ID.
func (h *Hub) Snapshot() Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	runs := make([]Event, 0, len(h.latest))
	for _, e := range h.latest {
		runs = append(runs, e)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].RunID < runs[j].RunID })
	return Event{Type: EventSnapshot, Runs: runs}
}

// Publish records a progress event for runID and broadcasts it.
func (h *Hub) Publish(runID string, e Event) {
	e.Type = EventProgress
	e.RunID = runID
	h.mu.Lock()
	h.latest[runID] = e
	h.mu.Unlock()

	h.broadcast(e)
}

// Finish forgets runID and broadcasts a done event.
func (h *Hub) Finish(runID string, done, total int) {
	h.mu.Lock()
	delete(h.latest, runID)
	h.mu.Unlock()

	h.broadcast(Event{Type: EventDone, RunID: runID, Done: done, Total: total})
}

// Subscribe returns a channel that receives events. bufSize controls the
// channel buffer; slow consumers will have events dropped.
func (h *Hub) Subscribe(bufSize int) (int, <-chan Event) {
	ch := make(chan Event, bufSize)
	h.subsMu.Lock()
	id := h.nextSubID
	h.nextSubID++
	h.subs[id] = ch
	n, fn := len(h.subs), h.onSubscribers
	h.subsMu.Unlock()

	if fn != nil {
		fn(n)
	}
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.subsMu.Lock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
	n, fn := len(h.subs), h.onSubscribers
	h.subsMu.Unlock()

	if fn != nil {
		fn(n)
	}
}

// broadcast sends an event to all subscribers non-blocking (drop on full).
func (h *Hub) broadcast(e Event) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.log.Debug("dropping progress event for slow subscriber", "sub", id, "run", e.RunID)
		}
	}
}
