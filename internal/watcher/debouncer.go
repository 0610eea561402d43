package watcher

import (
	"sync"
	"time"
)

// BatchDebouncer collects changes and emits them as one batch once no new
// change has arrived for the delay
type BatchDebouncer struct {
	delay   time.Duration
	timer   *time.Timer
	mu      sync.Mutex
	changes []Change
	emit    func([]Change)
}

// NewBatchDebouncer creates a new batch debouncer
func NewBatchDebouncer(delay time.Duration, emit func([]Change)) *BatchDebouncer {
	return &BatchDebouncer{
		delay:   delay,
		changes: make([]Change, 0),
		emit:    emit,
	}
}

// Add adds a change to the batch
func (b *BatchDebouncer) Add(c Change) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.changes = append(b.changes, c)

	// Reset timer
	if b.timer != nil {
		b.timer.Stop()
	}

	b.timer = time.AfterFunc(b.delay, func() {
		b.flush()
	})
}

// flush emits collected changes
func (b *BatchDebouncer) flush() {
	b.mu.Lock()
	changes := b.changes
	b.changes = make([]Change, 0)
	b.timer = nil
	b.mu.Unlock()

	if len(changes) > 0 && b.emit != nil {
		b.emit(changes)
	}
}

// Cancel cancels any pending emission
func (b *BatchDebouncer) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.changes = make([]Change, 0)
}

// Flush immediately emits any pending changes
func (b *BatchDebouncer) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	b.flush()
}

// Pending returns the number of pending changes
func (b *BatchDebouncer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.changes)
}
