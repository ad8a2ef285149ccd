package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/daymonio/daymon-sub001/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type message struct{ title, body string }

type chanNotifier struct {
	ch  chan message
	err error
}

func (n *chanNotifier) Send(ctx context.Context, title, body string) error {
	n.ch <- message{title: title, body: body}
	return n.err
}

func TestEventMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		eventType string
		ev        events.TaskEvent
		title     string
		body      string
	}{
		{
			name:      "completed with preview",
			eventType: events.TaskComplete,
			ev:        events.TaskEvent{TaskID: 1, TaskName: "digest", Success: true, DurationMs: 4200, OutputPreview: " 3 new mails "},
			title:     "daymon: digest completed",
			body:      "Completed in 4s\n3 new mails",
		},
		{
			name:      "failed with error",
			eventType: events.TaskFailed,
			ev:        events.TaskEvent{TaskID: 2, DurationMs: 90000, ErrorMessage: "exit code 1"},
			title:     "daymon: task 2 failed",
			body:      "Failed after 1m30s: exit code 1",
		},
	}
	for _, tt := range tests {
		title, body := EventMessage(tt.eventType, tt.ev)
		if title != tt.title || body != tt.body {
			t.Fatalf("%s: EventMessage = %q / %q, want %q / %q", tt.name, title, body, tt.title, tt.body)
		}
	}
}

func TestMultiNotifierJoinsErrors(t *testing.T) {
	t.Parallel()

	errA := errors.New("a down")
	a := &chanNotifier{ch: make(chan message, 1), err: errA}
	b := &chanNotifier{ch: make(chan message, 1)}
	err := NewMultiNotifier(a, b).Send(context.Background(), "t", "b")
	if !errors.Is(err, errA) {
		t.Fatalf("Send error = %v, want %v", err, errA)
	}
	if len(b.ch) != 1 {
		t.Fatalf("second notifier skipped after first failed")
	}
}

func TestBarkNotifier(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		got <- map[string]string{"title": r.PostForm.Get("title"), "body": r.PostForm.Get("body"), "group": r.PostForm.Get("group")}
	}))
	defer srv.Close()

	bark, err := NewBarkNotifier(" " + srv.URL + "/ ")
	if err != nil {
		t.Fatalf("NewBarkNotifier error = %v", err)
	}
	if err := bark.Send(context.Background(), "daymon: digest completed", "Completed in 4s"); err != nil {
		t.Fatalf("Send error = %v", err)
	}
	fields := <-got
	if fields["title"] != "daymon: digest completed" || fields["body"] != "Completed in 4s" || fields["group"] != "daymon" {
		t.Fatalf("form = %v", fields)
	}

	if _, err := NewBarkNotifier("  "); err == nil {
		t.Fatalf("NewBarkNotifier(empty) error = nil")
	}
}

func TestBarkNotifierReportsHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	bark, _ := NewBarkNotifier(srv.URL)
	if err := bark.Send(context.Background(), "t", "b"); err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("Send error = %v, want status 502", err)
	}
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	if _, ok := FromConfig("", false, testLogger()).(LogNotifier); !ok {
		t.Fatalf("FromConfig without bark is not a LogNotifier")
	}
	if _, ok := FromConfig("", true, testLogger()).(LogNotifier); !ok {
		t.Fatalf("FromConfig with empty bark url is not a LogNotifier")
	}
	if _, ok := FromConfig("https://api.day.app/key", true, testLogger()).(*MultiNotifier); !ok {
		t.Fatalf("FromConfig with bark is not a MultiNotifier")
	}
}

func TestDispatcherDeliversEvents(t *testing.T) {
	t.Parallel()

	n := &chanNotifier{ch: make(chan message, 4), err: errors.New("offline")}
	d := NewDispatcher(n, testLogger())

	// Events before Start are ignored.
	d.HandleEvent(events.TaskComplete, events.TaskEvent{TaskID: 9, Success: true})

	d.Start(context.Background())
	defer d.Stop()
	d.HandleEvent(events.TaskFailed, events.TaskEvent{TaskID: 1, TaskName: "digest", ErrorMessage: "boom"})
	d.HandleEvent(events.TaskComplete, events.TaskEvent{TaskID: 2, TaskName: "report", Success: true})

	for _, want := range []string{"daymon: digest failed", "daymon: report completed"} {
		select {
		case got := <-n.ch:
			if got.title != want {
				t.Fatalf("title = %q, want %q", got.title, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("notification %q not delivered", want)
		}
	}
	select {
	case got := <-n.ch:
		t.Fatalf("unexpected notification %q", got.title)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcherStopIsIdempotent(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(LogNotifier{Logger: testLogger()}, testLogger())
	d.Start(context.Background())
	d.Stop()
	d.Stop()
	d.HandleEvent(events.TaskComplete, events.TaskEvent{TaskID: 1})
}
