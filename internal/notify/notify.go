// Package notify dispatches engine events (active patient changes,
// deletions, connectivity advisories) to whoever wants to hear about them.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/jwalitptl/carelink/pkg/logger"
)

type Kind string

const (
	KindActiveChanged  Kind = "active_changed"
	KindPatientDeleted Kind = "patient_deleted"
	KindLinkChanged    Kind = "link_changed"

	// KindAdvisory is the single non-blocking notice raised after repeated
	// background failures.
	KindAdvisory  Kind = "advisory"
	KindRecovered Kind = "recovered"
)

type Event struct {
	Kind      Kind      `json:"kind"`
	Caregiver string    `json:"caregiver,omitempty"`
	Patient   string    `json:"patient,omitempty"`
	Task      string    `json:"task,omitempty"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Notifier delivers events. Implementations must not block for long; a
// failed delivery is reported but never retried.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Multi fans an event out to every notifier.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes events to the log.
type LogNotifier struct {
	logger *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	if log == nil {
		log = logger.Nop()
	}
	return &LogNotifier{logger: log.With("notify")}
}

func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	fields := []interface{}{"kind", string(event.Kind)}
	if event.Caregiver != "" {
		fields = append(fields, "caregiver", event.Caregiver)
	}
	if event.Patient != "" {
		fields = append(fields, "patient", event.Patient)
	}
	if event.Task != "" {
		fields = append(fields, "task", event.Task)
	}
	if event.Kind == KindAdvisory {
		n.logger.Warn(event.Message, fields...)
		return nil
	}
	n.logger.Info(event.Message, fields...)
	return nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
