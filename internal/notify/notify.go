package notify

import (
	"context"
	"errors"
	"log/slog"
)

var ErrMisconfigured = errors.New("notifier misconfigured")

// Severity ranks an alert.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "Warning"
	case SeverityError:
		return "Error"
	case SeverityCritical:
		return "Critical"
	default:
		return "Info"
	}
}

// Notification is one alert. Context names the process that raised it,
// e.g. "Submit Process".
type Notification struct {
	Severity Severity
	Context  string
	Message  string
}

// Title renders the headline shared by every channel.
func (n Notification) Title() string {
	if n.Context == "" {
		return "AI Commentary " + n.Severity.String()
	}
	return "AI Commentary " + n.Severity.String() + ": " + n.Context
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send delivers to every notifier and joins their errors.
func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for tests or when no channel is configured)
type NoopNotifier struct{}

func (NoopNotifier) Send(context.Context, Notification) error { return nil }

// SafeNotifier logs delivery failures instead of returning them, so a broken
// channel can never abort the caller.
type SafeNotifier struct {
	next   Notifier
	logger *slog.Logger
}

func NewSafeNotifier(next Notifier, logger *slog.Logger) *SafeNotifier {
	return &SafeNotifier{next: next, logger: logger}
}

func (s *SafeNotifier) Send(ctx context.Context, n Notification) error {
	if err := s.next.Send(ctx, n); err != nil {
		s.logger.Error("notification delivery failed",
			"severity", n.Severity.String(),
			"context", n.Context,
			"error", err,
		)
	}
	return nil
}
