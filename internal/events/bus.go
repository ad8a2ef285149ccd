// Package events fans task lifecycle events out to live Server-Sent-Events subscribers.
//
// Delivery is best effort: there is no buffering and no replay, so a subscriber
// that connects after an event fired never sees it.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// Event types emitted by the runner.
const (
	TaskComplete = "task:complete"
	TaskFailed   = "task:failed"
)

// TaskEvent is the payload of task:complete and task:failed frames.
type TaskEvent struct {
	TaskID        int64  `json:"taskId"`
	TaskName      string `json:"taskName"`
	Success       bool   `json:"success"`
	OutputPreview string `json:"outputPreview,omitempty"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
	DurationMs    int64  `json:"durationMs"`
	NudgeMode     string `json:"nudgeMode"`
}

// Subscriber is one open stream registered on the bus.
type Subscriber struct {
	id  string
	bus *Bus

	mu     sync.Mutex
	w      io.Writer
	closed bool
}

// ID returns the subscriber's handle id.
func (s *Subscriber) ID() string { return s.id }

// Close unregisters the subscriber. After Close returns no further writes reach
// the underlying writer, so an HTTP handler may return safely.
func (s *Subscriber) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.bus.remove(s.id)
}

func (s *Subscriber) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// Bus is an in-memory pub/sub of SSE frames.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]*Subscriber
}

// NewBus returns an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger, subs: make(map[string]*Subscriber)}
}

// Subscribe registers w and immediately writes a keep-alive comment so the peer
// knows the channel is live.
func (b *Bus) Subscribe(w io.Writer) (*Subscriber, error) {
	sub := &Subscriber{id: uuid.NewString(), bus: b, w: w}
	if err := sub.write([]byte(": connected\n\n")); err != nil {
		return nil, fmt.Errorf("write keep-alive: %w", err)
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	b.logger.Debug("event subscriber connected", "id", sub.id)
	return sub, nil
}

// Emit encodes payload once and writes it to every current subscriber. A failed
// write drops that subscriber; the rest still receive the frame.
func (b *Bus) Emit(eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("encode event", "type", eventType, "err", err)
		return
	}
	frame := encodeFrame(eventType, data)

	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if err := s.write(frame); err != nil {
			b.logger.Debug("dropping event subscriber", "id", s.id, "err", err)
			b.remove(s.id)
		}
	}
}

// Ping writes a keep-alive comment to every subscriber, pruning dead ones.
func (b *Bus) Ping() {
	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		if err := s.write([]byte(": ping\n\n")); err != nil {
			b.remove(s.id)
		}
	}
}

// Count returns the number of live subscribers.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func encodeFrame(eventType string, data []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(eventType) + len(data) + 16)
	buf.WriteString("event: ")
	buf.WriteString(eventType)
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}
