package notify

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/daymonio/daymon-sub001/internal/events"
)

const (
	defaultQueueSize   = 64
	defaultRatePerSec  = 1
	defaultBurst       = 3
	defaultSendTimeout = 10 * time.Second
)

type job struct {
	title string
	body  string
}

// Dispatcher turns task events into notifications delivered by a single
// background worker. Delivery is rate limited and never blocks the caller; when
// the queue is full the event is dropped.
type Dispatcher struct {
	notifier Notifier
	logger   *slog.Logger
	limiter  *rate.Limiter

	mu      sync.Mutex
	queue   chan job
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// NewDispatcher returns a stopped dispatcher delivering through n.
func NewDispatcher(n Notifier, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		notifier: n,
		logger:   logger,
		// Token bucket so a burst of completions does not flood the phone.
		limiter: rate.NewLimiter(rate.Limit(defaultRatePerSec), defaultBurst),
	}
}

// Start launches the delivery worker.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.queue = make(chan job, defaultQueueSize)
	d.cancel = cancel
	d.workers.Add(1)
	go d.loop(runCtx, d.queue)
}

// Stop ends the worker; queued notifications are dropped.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.queue = nil
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.workers.Wait()
}

// HandleEvent queues a notification for a task event.
func (d *Dispatcher) HandleEvent(eventType string, ev events.TaskEvent) {
	title, body := EventMessage(eventType, ev)
	d.mu.Lock()
	q := d.queue
	d.mu.Unlock()
	if q == nil {
		return
	}
	select {
	case q <- job{title: title, body: body}:
	default:
		d.logger.Warn("notification queue full, dropping", "task_id", ev.TaskID)
	}
}

func (d *Dispatcher) loop(ctx context.Context, q <-chan job) {
	defer d.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q:
			if err := d.limiter.Wait(ctx); err != nil {
				return
			}
			d.deliver(ctx, j)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in notifier", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	sendCtx, cancel := context.WithTimeout(ctx, defaultSendTimeout)
	defer cancel()
	if err := d.notifier.Send(sendCtx, j.title, j.body); err != nil {
		d.logger.Warn("send notification", "title", j.title, "err", err)
	}
}

// EventMessage renders a task event as a notification title and body.
func EventMessage(eventType string, ev events.TaskEvent) (title, body string) {
	name := ev.TaskName
	if name == "" {
		name = fmt.Sprintf("task %d", ev.TaskID)
	}
	dur := (time.Duration(ev.DurationMs) * time.Millisecond).Round(time.Second)
	if eventType == events.TaskFailed || !ev.Success {
		title = fmt.Sprintf("daymon: %s failed", name)
		body = fmt.Sprintf("Failed after %s", dur)
		if msg := strings.TrimSpace(ev.ErrorMessage); msg != "" {
			body += ": " + msg
		}
		return title, body
	}
	title = fmt.Sprintf("daymon: %s completed", name)
	body = fmt.Sprintf("Completed in %s", dur)
	if preview := strings.TrimSpace(ev.OutputPreview); preview != "" {
		body += "\n" + preview
	}
	return title, body
}
