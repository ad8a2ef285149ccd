package nudge

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	defaultGap         = 3 * time.Second
	defaultSendTimeout = 30 * time.Second
)

// Options describes one finished run to nudge about.
type Options struct {
	TaskID       int64
	TaskName     string
	Success      bool
	DurationMs   int64
	ErrorMessage string
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

func WithClock(c clock.Clock) QueueOption {
	return func(q *Queue) {
		if c != nil {
			q.clock = c
		}
	}
}

func WithGap(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.gap = d
		}
	}
}

// Queue serializes nudges through a single Nudger with a fixed gap between
// deliveries. It is safe for concurrent use.
type Queue struct {
	nudger Nudger
	logger *slog.Logger
	clock  clock.Clock
	gap    time.Duration

	mu       sync.Mutex
	items    []Options
	draining bool
	stopped  bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewQueue returns a queue delivering through n.
func NewQueue(n Nudger, logger *slog.Logger, opts ...QueueOption) *Queue {
	q := &Queue{
		nudger: n,
		logger: logger,
		clock:  clock.New(),
		gap:    defaultGap,
		stopCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue appends opts and starts the drain loop if it is idle.
func (q *Queue) Enqueue(opts Options) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, opts)
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()
	go q.drain()
}

// Pending returns the number of queued, undelivered nudges.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stop drops queued nudges and ends the drain loop. A delivery in progress finishes.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		q.items = nil
		q.mu.Unlock()
		close(q.stopCh)
	})
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if q.stopped || len(q.items) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		q.deliver(item)

		// Hold the loop for the gap so the next nudge, queued now or during the
		// wait, never lands in the same interaction.
		select {
		case <-q.clock.After(q.gap):
		case <-q.stopCh:
		}
	}
}

func (q *Queue) deliver(item Options) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic in nudger", "task_id", item.TaskID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
	defer cancel()
	if err := q.nudger.Send(ctx, item); err != nil {
		q.logger.Warn("nudge failed", "task_id", item.TaskID, "err", err)
		return
	}
	q.logger.Debug("nudge delivered", "task_id", item.TaskID)
}
