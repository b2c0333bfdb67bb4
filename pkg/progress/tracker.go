// Package progress tracks per-(model, stage) status for one orchestrator
// run and aggregates it into a single overall status.
//
// Subscribers receive updates over channels rather than registering
// callbacks, so the tracker holds no references back into its consumers.
package progress

import (
	"sync"
	"time"
)

// Status is the state of one (model, stage) cell, or of the whole run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusStarted    Status = "started"
	StatusInProgress Status = "in_progress"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Update is one progress event.
type Update struct {
	Model     string    `json:"model"`
	Stage     string    `json:"stage"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the aggregate view: the status matrix plus the overall
// status.
type Snapshot struct {
	// Stages maps stage -> model -> status.
	Stages map[string]map[string]Status `json:"stages"`

	// Overall is Failed if any settled stage has failures and no
	// completions, InProgress if any cell is non-terminal, else
	// Completed. A stage where at least one model completed counts as
	// completed even when other models in it failed.
	Overall Status `json:"overall"`
}

// Tracker records updates for one run. Safe for concurrent use. Updates
// for a given (model, stage) pair are delivered to subscribers in
// occurrence order; the mutex is held through the channel sends to keep
// that guarantee.
type Tracker struct {
	mu          sync.Mutex
	cells       map[string]map[string]Update // stage -> model -> latest
	log         []Update
	subscribers []chan Update
	closed      bool
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		cells: make(map[string]map[string]Update),
	}
}

// Update records a status change and fans it out to subscribers.
// Subscriber channels are buffered; a full channel drops the update for
// that subscriber rather than blocking the run.
func (t *Tracker) Update(model, stage string, status Status, message string) {
	update := Update{
		Model:     model,
		Stage:     stage,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	models, ok := t.cells[stage]
	if !ok {
		models = make(map[string]Update)
		t.cells[stage] = models
	}
	models[model] = update
	t.log = append(t.log, update)

	for _, ch := range t.subscribers {
		select {
		case ch <- update:
		default:
		}
	}
}

// Subscribe returns a buffered channel of updates and a cancel function.
// The channel is closed by Close or by the cancel function.
func (t *Tracker) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Update, buffer)

	t.mu.Lock()
	t.subscribers = append(t.subscribers, ch)
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, sub := range t.subscribers {
			if sub == ch {
				t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Snapshot returns the current status matrix and overall status.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	stages := make(map[string]map[string]Status, len(t.cells))
	anyStageFailed := false
	anyOpen := false

	for stage, models := range t.cells {
		m := make(map[string]Status, len(models))
		var open, failed, completed bool
		for model, update := range models {
			m[model] = update.Status
			switch {
			case update.Status == StatusFailed:
				failed = true
			case update.Status == StatusCompleted:
				completed = true
			case !update.Status.Terminal():
				open = true
			}
		}
		stages[stage] = m

		if open {
			anyOpen = true
		}
		// A stage fails only once it settled with no completions at all.
		if failed && !completed && !open {
			anyStageFailed = true
		}
	}

	overall := StatusCompleted
	switch {
	case anyStageFailed:
		overall = StatusFailed
	case anyOpen:
		overall = StatusInProgress
	case len(t.log) == 0:
		overall = StatusPending
	}

	return Snapshot{Stages: stages, Overall: overall}
}

// Log returns a copy of every update in occurrence order.
func (t *Tracker) Log() []Update {
	t.mu.Lock()
	defer t.mu.Unlock()

	log := make([]Update, len(t.log))
	copy(log, t.log)
	return log
}

// Close closes all subscriber channels. Further updates are dropped.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for _, ch := range t.subscribers {
		close(ch)
	}
	t.subscribers = nil
}
