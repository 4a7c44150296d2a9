// Package queue holds server writes that could not be delivered and replays
// them in order once the server is reachable again.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/carelink/internal/model"
	"github.com/jwalitptl/carelink/internal/repository"
	apperrors "github.com/jwalitptl/carelink/pkg/errors"
	"github.com/jwalitptl/carelink/pkg/logger"
	"github.com/jwalitptl/carelink/pkg/metrics"
)

type Reachability interface {
	IsReachable(ctx context.Context) bool
}

// Executor delivers one operation to the server.
type Executor interface {
	Execute(ctx context.Context, op *model.PendingOp) error
}

// DrainReport summarizes one Drain call.
type DrainReport struct {
	Attempted int
	Succeeded int
	Failed    int
	Dropped   int
	Remaining int
	// Stopped is set when the drain ended early because the server became
	// unreachable.
	Stopped bool
}

type Queue struct {
	repo    repository.PendingOpRepository
	prober  Reachability
	exec    Executor
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	drainMu sync.Mutex
}

func New(repo repository.PendingOpRepository, prober Reachability, exec Executor, log *logger.Logger, m *metrics.Metrics) *Queue {
	if log == nil {
		log = logger.Nop()
	}
	return &Queue{
		repo:    repo,
		prober:  prober,
		exec:    exec,
		logger:  log.With("queue"),
		metrics: m,
		now:     time.Now,
	}
}

// Enqueue appends op. A queued op of the same kind for the same pair is
// superseded; a queued connect and disconnect for one pair cancel out.
func (q *Queue) Enqueue(ctx context.Context, op *model.PendingOp) error {
	if op.Kind == "" || op.SourceEmail == "" {
		return apperrors.BadRequest("incomplete pending operation", nil)
	}
	op.SourceEmail = model.NormalizeEmail(op.SourceEmail)
	op.TargetEmail = model.NormalizeEmail(op.TargetEmail)
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = q.now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.repo.LoadOps(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending operations: %w", err)
	}

	kept := ops[:0:0]
	cancelled := false
	for _, existing := range ops {
		switch {
		case existing.Kind == op.Kind && existing.SameTarget(op):
			q.logger.Debug("Superseding pending operation", "id", existing.ID, "kind", string(op.Kind))
		case existing.Opposes(op):
			q.logger.Debug("Pending operations cancel out", "id", existing.ID, "kind", string(op.Kind))
			cancelled = true
		default:
			kept = append(kept, existing)
		}
	}
	if !cancelled {
		kept = append(kept, op)
	}
	return q.save(ctx, kept)
}

func (q *Queue) List(ctx context.Context) ([]*model.PendingOp, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.repo.LoadOps(ctx)
}

// Drain attempts every queued op in FIFO order. It does not start while the
// server is unreachable and stops as soon as the server becomes unreachable.
func (q *Queue) Drain(ctx context.Context) (DrainReport, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var report DrainReport
	if !q.prober.IsReachable(ctx) {
		report.Stopped = true
		ops, err := q.List(ctx)
		report.Remaining = len(ops)
		return report, err
	}

	ops, err := q.List(ctx)
	if err != nil {
		return report, err
	}

	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}
		report.Attempted++
		execErr := q.exec.Execute(ctx, op)

		outcome, err := q.settle(ctx, op.ID, execErr)
		if err != nil {
			return report, err
		}
		switch outcome {
		case outcomeDelivered:
			report.Succeeded++
		case outcomeDropped:
			report.Dropped++
		case outcomeRetry:
			report.Failed++
			if !q.prober.IsReachable(ctx) {
				report.Stopped = true
			}
		}
		if report.Stopped {
			break
		}
	}

	remaining, err := q.List(ctx)
	report.Remaining = len(remaining)
	if report.Attempted > 0 {
		q.logger.Info("Drained pending operations",
			"attempted", report.Attempted,
			"succeeded", report.Succeeded,
			"failed", report.Failed,
			"dropped", report.Dropped,
			"remaining", report.Remaining)
	}
	return report, err
}

type outcome int

const (
	outcomeGone outcome = iota
	outcomeDelivered
	outcomeDropped
	outcomeRetry
)

// settle records the result of executing op against the current queue,
// which may have changed while the request was in flight.
func (q *Queue) settle(ctx context.Context, id string, execErr error) (outcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.repo.LoadOps(ctx)
	if err != nil {
		return outcomeGone, fmt.Errorf("failed to load pending operations: %w", err)
	}
	idx := -1
	for i, op := range ops {
		if op.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return outcomeGone, nil
	}
	op := ops[idx]

	var result outcome
	switch {
	case execErr == nil:
		result = outcomeDelivered
		if q.metrics != nil {
			q.metrics.QueueProcessed.Inc()
		}
	case apperrors.IsAuthoritative(execErr):
		result = outcomeDropped
		q.logger.Warn("Dropping rejected pending operation", "id", op.ID, "kind", string(op.Kind), "error", execErr.Error())
		if q.metrics != nil {
			q.metrics.QueueDropped.WithLabelValues(string(op.Kind)).Inc()
		}
	default:
		now := q.now().UTC()
		op.Attempts++
		op.LastError = execErr.Error()
		op.LastAttemptAt = &now
		if q.metrics != nil {
			q.metrics.QueueFailed.WithLabelValues(string(op.Kind)).Inc()
		}
		return outcomeRetry, q.save(ctx, ops)
	}

	ops = append(ops[:idx], ops[idx+1:]...)
	return result, q.save(ctx, ops)
}

func (q *Queue) save(ctx context.Context, ops []*model.PendingOp) error {
	if err := q.repo.SaveOps(ctx, ops); err != nil {
		return fmt.Errorf("failed to save pending operations: %w", err)
	}
	if q.metrics != nil {
		q.metrics.QueueSize.Set(float64(len(ops)))
	}
	return nil
}
