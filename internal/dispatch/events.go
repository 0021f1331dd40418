package dispatch

import (
	"sync"
	"time"
)

// EventType names one dispatcher progress event.
type EventType string

const (
	EventBatchStarted  EventType = "batch_started"
	EventItemStarted   EventType = "item_started"
	EventItemCompleted EventType = "item_completed"
	EventItemFailed    EventType = "item_failed"
	EventBatchPaused   EventType = "batch_paused"
	EventBatchResumed  EventType = "batch_resumed"
	EventBatchStopped  EventType = "batch_stopped"
	EventBatchDone     EventType = "batch_done"
)

// Event is one streamable progress update from the dispatcher.
type Event struct {
	Type      EventType `json:"type"`
	ItemPath  string    `json:"item_path,omitempty"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Total     int       `json:"total"`
	Err       string    `json:"err,omitempty"`
	At        time.Time `json:"at"`
}

// emitter fans events out to subscribers. Sends never block: a subscriber
// that stops draining loses events rather than stalling the worker.
type emitter struct {
	mu   sync.Mutex
	subs []chan Event
}

func (e *emitter) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	e.mu.Lock()
	e.subs = append(e.subs, ch)
	e.mu.Unlock()
	return ch
}

func (e *emitter) emit(ev Event) {
	ev.At = time.Now().UTC()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default: // non-blocking
		}
	}
}

func (e *emitter) closeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
}
