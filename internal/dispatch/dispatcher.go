package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"describify/internal/config"
	"describify/internal/provider"
	"describify/internal/workspace"
)

// State is the dispatcher's global state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
)

// ErrBatchActive rejects a second Start while a batch exists, alive or
// paused. The rejection performs no mutation.
var ErrBatchActive = errors.New("dispatch: a batch is already active for this workspace")

// ErrNothingToResume means no batch state or no remaining queue.
var ErrNothingToResume = errors.New("dispatch: nothing to resume")

// Dispatcher drains one workspace's item queue sequentially on a dedicated
// worker goroutine. Pause, resume, and stop are asynchronous and observed
// only at item boundaries, so the in-flight call is never interrupted and no
// partial description is ever persisted.
type Dispatcher struct {
	mu sync.Mutex

	ws     *workspace.Workspace
	store  *workspace.Store
	desc   provider.Describer
	ai     config.AI
	logger *slog.Logger

	state        State
	workerActive bool
	done         chan struct{}

	events emitter
}

// New wires a dispatcher to an open workspace. The dispatcher is the only
// component that mutates item states.
func New(ws *workspace.Workspace, store *workspace.Store, desc provider.Describer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		ws:     ws,
		store:  store,
		desc:   desc,
		logger: logger,
		state:  StateIdle,
	}
}

// State returns the dispatcher's current global state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Snapshot is a point-in-time view of the dispatcher and its workspace.
type Snapshot struct {
	State  State
	Counts map[workspace.ItemState]int
	Batch  *workspace.BatchState
}

// Snapshot reads state, item counts, and batch under the dispatcher's lock,
// so status endpoints can poll while the worker mutates items. The batch is
// a copy; callers never see later mutations.
func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap := Snapshot{State: d.state, Counts: d.ws.Counts()}
	if d.ws.Batch != nil {
		b := *d.ws.Batch
		snap.Batch = &b
	}
	return snap
}

// Subscribe returns a channel of progress events. Slow subscribers drop
// events instead of blocking the worker.
func (d *Dispatcher) Subscribe() <-chan Event {
	return d.events.Subscribe()
}

// Wait blocks until the current worker (if any) has exited.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Start enqueues the given items in caller order and begins draining.
// BatchState is created atomically with the first pending transition: both
// happen under the lock and are persisted in one snapshot save.
func (d *Dispatcher) Start(ctx context.Context, items []*workspace.Item, ai config.AI) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ws.Batch != nil || d.state != StateIdle {
		return ErrBatchActive
	}
	if len(items) == 0 {
		return errors.New("dispatch: no items to enqueue")
	}

	for i, it := range items {
		pos := i
		it.QueuePosition = &pos
		it.State = workspace.StatePending
		it.LastError = ""
	}
	d.ws.Batch = &workspace.BatchState{
		Provider:     ai.Provider,
		Model:        ai.Model,
		PromptStyle:  ai.PromptStyle,
		CustomPrompt: ai.CustomPrompt,
		TotalQueued:  len(items),
		StartedAt:    time.Now().UTC(),
	}
	d.ai = ai
	if err := d.store.Save(d.ws); err != nil {
		// roll the enqueue back; a batch that cannot persist never started
		for _, it := range items {
			it.QueuePosition = nil
			it.State = workspace.StateNone
		}
		d.ws.Batch = nil
		return fmt.Errorf("dispatch: persist batch start: %w", err)
	}

	d.state = StateRunning
	d.events.emit(Event{Type: EventBatchStarted, Total: len(items)})
	d.spawnLocked(ctx)
	return nil
}

// Pause holds the queue. The in-flight item (if any) completes normally;
// items still pending are marked paused so "never started" and "deliberately
// held" stay distinguishable.
func (d *Dispatcher) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateRunning {
		return
	}
	d.state = StatePaused
	for _, it := range d.ws.Items {
		if it.State == workspace.StatePending {
			it.State = workspace.StatePaused
		}
	}
	d.saveLocked()
	d.events.emit(d.progressLocked(EventBatchPaused))
}

// Resume returns paused items to pending and continues draining from the
// lowest remaining queue position. It also serves resume-after-restart, when
// a loaded workspace still carries BatchState and queued items.
func (d *Dispatcher) Resume(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ws.Batch == nil {
		return ErrNothingToResume
	}
	switch d.state {
	case StatePaused, StateIdle:
	default:
		return fmt.Errorf("dispatch: cannot resume while %s", d.state)
	}

	for _, it := range d.ws.Items {
		if it.State == workspace.StatePaused {
			it.State = workspace.StatePending
		}
	}
	if len(d.queuedLocked(workspace.StatePending)) == 0 {
		return ErrNothingToResume
	}

	if d.ai.Provider == "" {
		// resume-after-restart: rebuild the run config from BatchState
		d.ai = config.AI{
			Provider:     d.ws.Batch.Provider,
			Model:        d.ws.Batch.Model,
			PromptStyle:  d.ws.Batch.PromptStyle,
			CustomPrompt: d.ws.Batch.CustomPrompt,
		}
	}

	d.state = StateRunning
	d.saveLocked()
	d.events.emit(d.progressLocked(EventBatchResumed))
	if !d.workerActive {
		d.spawnLocked(ctx)
	}
	return nil
}

// Stop takes effect at the next item boundary: BatchState is cleared and
// items still pending or paused revert to none, discarding their queue
// positions. Completed and failed items are untouched. An abandoned batch
// on an idle dispatcher (loaded from disk, never resumed) is discarded
// immediately.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case StateRunning:
		d.state = StateStopping
	case StatePaused:
		d.state = StateStopping
		if !d.workerActive {
			d.finalizeStopLocked()
		}
	case StateIdle:
		// a freshly loaded workspace can still carry an abandoned batch
		// with no live worker; discard it here
		if d.ws.Batch != nil {
			d.finalizeStopLocked()
		}
	}
}

// RequeueFailed resets failed items to none so a fresh batch can pick them
// up, returned in path order so the requeued batch enqueues the same way
// every time. Failed items are never retried implicitly.
func (d *Dispatcher) RequeueFailed() []*workspace.Item {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*workspace.Item
	for _, it := range d.ws.Items {
		if it.State == workspace.StateFailed {
			it.State = workspace.StateNone
			it.QueuePosition = nil
			it.LastError = ""
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Close shuts the event stream down after the worker has exited.
func (d *Dispatcher) Close() {
	d.Wait()
	d.events.closeAll()
}

func (d *Dispatcher) spawnLocked(ctx context.Context) {
	d.workerActive = true
	d.done = make(chan struct{})
	go d.run(ctx, d.done)
}

// run is the worker loop. It owns all item state transitions.
func (d *Dispatcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		it, ok := d.takeNext()
		if !ok {
			return
		}

		req := provider.Request{
			ItemPath:    it.Path,
			Prompt:      provider.ResolvePrompt(d.ai.PromptStyle, d.ai.CustomPrompt),
			Model:       d.ai.Model,
			Temperature: d.ai.Temperature,
		}
		resp, err := d.desc.Describe(ctx, req)

		d.mu.Lock()
		if err != nil {
			it.State = workspace.StateFailed
			it.LastError = err.Error()
			d.saveLocked()
			d.events.emit(d.progressLocked(EventItemFailed, it.Path, err.Error()))
			d.logger.Warn("item failed", "item", it.Path, "err", err)
		} else {
			it.Descriptions = append(it.Descriptions, workspace.Description{
				Text:         resp.Text,
				Provider:     d.ai.Provider,
				Model:        d.ai.Model,
				PromptStyle:  d.ai.PromptStyle,
				CustomPrompt: d.ai.CustomPrompt,
				Usage:        resp.Usage,
				CreatedAt:    time.Now().UTC(),
			})
			it.State = workspace.StateCompleted
			it.LastError = ""
			d.saveLocked()
			d.events.emit(d.progressLocked(EventItemCompleted, it.Path, ""))
		}
		d.mu.Unlock()
	}
}

// takeNext is the item boundary: pause and stop are only observed here, so
// the in-flight call is never interrupted.
func (d *Dispatcher) takeNext() (*workspace.Item, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateStopping:
		d.finalizeStopLocked()
		d.workerActive = false
		return nil, false
	case StatePaused:
		d.workerActive = false
		return nil, false
	}

	pending := d.queuedLocked(workspace.StatePending)
	if len(pending) == 0 {
		d.finalizeDoneLocked()
		d.workerActive = false
		return nil, false
	}

	it := pending[0]
	it.State = workspace.StateProcessing
	d.saveLocked()
	d.events.emit(d.progressLocked(EventItemStarted, it.Path, ""))
	return it, true
}

func (d *Dispatcher) queuedLocked(state workspace.ItemState) []*workspace.Item {
	return d.ws.Queued(state)
}

// finalizeDoneLocked ends a fully drained batch: every queued item is now
// completed or failed.
func (d *Dispatcher) finalizeDoneLocked() {
	ev := d.progressLocked(EventBatchDone)
	d.clearPositionsLocked()
	d.ws.Batch = nil
	d.state = StateIdle
	d.saveLocked()
	d.events.emit(ev)
	d.logger.Info("batch done", "completed", ev.Completed, "failed", ev.Failed, "total", ev.Total)
}

func (d *Dispatcher) finalizeStopLocked() {
	for _, it := range d.ws.Items {
		switch it.State {
		case workspace.StatePending, workspace.StatePaused:
			it.State = workspace.StateNone
			it.QueuePosition = nil
		}
	}
	ev := d.progressLocked(EventBatchStopped)
	d.clearPositionsLocked()
	d.ws.Batch = nil
	d.state = StateIdle
	d.saveLocked()
	d.events.emit(ev)
}

// clearPositionsLocked drops queue positions once a batch has finalized so a
// later batch's progress counts never include terminal items from this one.
func (d *Dispatcher) clearPositionsLocked() {
	for _, it := range d.ws.Items {
		it.QueuePosition = nil
	}
}

// progressLocked snapshots completed/failed counts among queued items.
func (d *Dispatcher) progressLocked(t EventType, pathAndErr ...string) Event {
	ev := Event{Type: t}
	if len(pathAndErr) > 0 {
		ev.ItemPath = pathAndErr[0]
	}
	if len(pathAndErr) > 1 {
		ev.Err = pathAndErr[1]
	}
	if d.ws.Batch != nil {
		ev.Total = d.ws.Batch.TotalQueued
	}
	for _, it := range d.ws.Items {
		if it.QueuePosition == nil {
			continue
		}
		switch it.State {
		case workspace.StateCompleted:
			ev.Completed++
		case workspace.StateFailed:
			ev.Failed++
		}
	}
	return ev
}

func (d *Dispatcher) saveLocked() {
	if err := d.store.Save(d.ws); err != nil {
		d.logger.Error("snapshot save failed", "path", d.store.Path(), "err", err)
	}
}
