package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// MultiNotifier combines multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send delivers to every notifier and joins their errors.
func (m *MultiNotifier) Send(ctx context.Context, title, body string) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Send(ctx context.Context, title, body string) error {
	n.Logger.Info("notification", "title", title, "body", body)
	return nil
}

// FromConfig builds the host notifier: always the log, plus Bark when enabled.
func FromConfig(barkURL string, barkEnabled bool, logger *slog.Logger) Notifier {
	notifiers := []Notifier{LogNotifier{Logger: logger}}
	if barkEnabled {
		bark, err := NewBarkNotifier(barkURL)
		if err != nil {
			logger.Warn("bark disabled", "err", err)
		} else {
			notifiers = append(notifiers, bark)
		}
	}
	if len(notifiers) == 1 {
		return notifiers[0]
	}
	return NewMultiNotifier(notifiers...)
}
