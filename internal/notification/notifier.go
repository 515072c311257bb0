// Package notification delivers alerts for journal ERROR entries to external
// channels (webhook, Telegram) without blocking the journal.
package notification

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"cryptodesk/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	TS      time.Time  `json:"ts"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier logs alerts instead of delivering them.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(_ context.Context, alert Alert) error {
	slog.Warn("alert",
		slog.String("component", "notify"),
		slog.String("level", string(alert.Level)),
		slog.String("title", alert.Title),
		slog.String("message", alert.Message),
	)
	return nil
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AlertFromEntry maps an ERROR journal entry to a critical alert.
func AlertFromEntry(e model.LogEntry) Alert {
	return Alert{
		Level:   AlertCritical,
		Title:   "cryptodesk " + e.Source + " error",
		Message: e.Text,
		TS:      e.TS,
	}
}

// Dispatcher queues alerts for ERROR journal entries and sends them from its
// own goroutine. Observe is safe to use as a journal hook.
type Dispatcher struct {
	n       Notifier
	queue   chan Alert
	timeout time.Duration

	sent    atomic.Uint64
	dropped atomic.Uint64

	// OnResult is called after each delivery attempt (for metrics).
	OnResult func(err error)
}

// NewDispatcher creates a dispatcher with a queue of size alerts.
func NewDispatcher(n Notifier, size int, timeout time.Duration) *Dispatcher {
	if size <= 0 {
		size = 64
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		n:       n,
		queue:   make(chan Alert, size),
		timeout: timeout,
	}
}

// Observe queues an alert for ERROR entries and ignores everything else.
func (d *Dispatcher) Observe(e model.LogEntry) {
	if e.Tag != model.TagError {
		return
	}
	select {
	case d.queue <- AlertFromEntry(e):
	default:
		d.dropped.Add(1)
	}
}

// Run delivers queued alerts until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-d.queue:
			sctx, cancel := context.WithTimeout(ctx, d.timeout)
			err := d.n.Send(sctx, a)
			cancel()
			if err != nil {
				slog.Warn("alert delivery failed",
					slog.String("component", "notify"),
					slog.String("title", a.Title),
					slog.String("error", err.Error()),
				)
			} else {
				d.sent.Add(1)
			}
			if d.OnResult != nil {
				d.OnResult(err)
			}
		}
	}
}

// Stats returns delivered and dropped alert counts.
func (d *Dispatcher) Stats() (sent, dropped uint64) {
	return d.sent.Load(), d.dropped.Load()
}
