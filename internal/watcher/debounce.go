package watcher

import (
	"log/slog"
	"sync"
	"time"
)

// Op classifies a workspace file change.
type Op int

const (
	OpCreate Op = iota
	OpModify
	OpDelete
)

func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Event is one workspace file change.
type Event struct {
	Path string
	Op   Op
	Time time.Time
}

// Debouncer coalesces rapid events per path so editor save bursts produce
// one batch instead of many. Sequences for the same path merge:
//
//	create+modify = create
//	create+delete = nothing
//	modify+delete = delete
//	delete+create = modify
type Debouncer struct {
	window time.Duration
	output chan []Event

	mu      sync.Mutex
	pending map[string]*pendingEvent
	timer   *time.Timer
	stopped bool
}

type pendingEvent struct {
	event   Event
	firstOp Op
}

// NewDebouncer builds a debouncer with the given coalescing window.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window:  window,
		pending: make(map[string]*pendingEvent),
		output:  make(chan []Event, 10),
	}
}

// Add queues an event for the next flush, merging with any pending event
// for the same path.
func (d *Debouncer) Add(event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if existing, ok := d.pending[event.Path]; ok {
		merged, keep := coalesce(existing.firstOp, event)
		if !keep {
			delete(d.pending, event.Path)
		} else {
			existing.event = merged
		}
	} else {
		d.pending[event.Path] = &pendingEvent{event: event, firstOp: event.Op}
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func coalesce(firstOp Op, next Event) (Event, bool) {
	switch firstOp {
	case OpCreate:
		switch next.Op {
		case OpModify:
			// Still a brand new file.
			next.Op = OpCreate
			return next, true
		case OpDelete:
			// Created and deleted inside one window; net nothing.
			return Event{}, false
		}
	case OpDelete:
		if next.Op == OpCreate {
			// Replaced in place.
			next.Op = OpModify
			return next, true
		}
	}
	return next, true
}

// Output delivers coalesced batches. Closed by Stop.
func (d *Debouncer) Output() <-chan []Event {
	return d.output
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || len(d.pending) == 0 {
		return
	}

	batch := make([]Event, 0, len(d.pending))
	for _, pe := range d.pending {
		batch = append(batch, pe.event)
	}
	d.pending = make(map[string]*pendingEvent)

	select {
	case d.output <- batch:
	default:
		slog.Warn("debouncer output full, dropping batch", slog.Int("size", len(batch)))
	}
}

// Stop halts flushing and closes the output channel. Safe to call twice.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}
