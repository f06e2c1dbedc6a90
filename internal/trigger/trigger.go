// Package trigger accepts cycle requests and runs them on the worker pool.
// Callers get a run id back immediately; the outcome is only visible through
// the recorded run status, row state and alerts.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jeskokaiser/altfragen-io-backend/internal/engine"
	"github.com/jeskokaiser/altfragen-io-backend/internal/notify"
	"github.com/jeskokaiser/altfragen-io-backend/internal/worker"
	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
)

var ErrUnknownKind = errors.New("unknown cycle kind")

// Runner executes cycles. *engine.Engine satisfies it.
type Runner interface {
	SubmitCycle(ctx context.Context) (*engine.SubmitReport, error)
	ConsumeCycle(ctx context.Context) (*engine.ConsumeReport, error)
	RunCycle(ctx context.Context) (*engine.RunReport, error)
}

var _ Runner = (*engine.Engine)(nil)

type Enqueuer interface {
	Enqueue(task worker.Task) error
}

// RunStore records run status. *cache.RedisCache satisfies it.
type RunStore interface {
	SetRun(ctx context.Context, run *models.Run, ttl time.Duration) error
	GetRun(ctx context.Context, runID uuid.UUID) (*models.Run, bool, error)
}

type Service struct {
	runner   Runner
	pool     Enqueuer
	runs     RunStore
	notifier notify.Notifier
	logger   *slog.Logger
	ttl      time.Duration
	now      func() time.Time
}

func NewService(runner Runner, pool Enqueuer, runs RunStore, notifier notify.Notifier, logger *slog.Logger, ttl time.Duration) *Service {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	return &Service{
		runner:   runner,
		pool:     pool,
		runs:     runs,
		notifier: notify.NewSafeNotifier(notifier, logger),
		logger:   logger,
		ttl:      ttl,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Trigger enqueues a cycle of the given kind and returns its queued run.
// worker.ErrQueueFull and worker.ErrClosed are passed through.
func (s *Service) Trigger(ctx context.Context, kind string) (*models.Run, error) {
	if !models.ValidCycleKind(kind) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	run := &models.Run{
		ID:       uuid.New(),
		Kind:     kind,
		Status:   models.RunStatusQueued,
		QueuedAt: s.now(),
	}
	s.record(ctx, run)

	// The worker owns its own copy; the caller's run is never mutated.
	task := *run
	err := s.pool.Enqueue(worker.Task{
		ID:   run.ID,
		Kind: kind,
		Run: func(ctx context.Context) error {
			return s.execute(ctx, &task)
		},
	})
	if err != nil {
		failed := *run
		failed.Status = models.RunStatusFailed
		failed.Error = err.Error()
		s.record(ctx, &failed)
		return nil, err
	}

	s.logger.Info("cycle queued", "run_id", run.ID, "kind", kind)
	return run, nil
}

// Run returns the last recorded status of a run.
func (s *Service) Run(ctx context.Context, runID uuid.UUID) (*models.Run, bool, error) {
	return s.runs.GetRun(ctx, runID)
}

func (s *Service) execute(ctx context.Context, run *models.Run) (err error) {
	logger := s.logger.With("run_id", run.ID, "kind", run.Kind)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			logger.Error("panic in cycle run", "error", r)
			s.notifier.Send(context.WithoutCancel(ctx), notify.Notification{
				Severity: notify.SeverityCritical,
				Context:  contextFor(run.Kind),
				Message:  fmt.Sprintf("cycle run %s crashed: %v", run.ID, r),
			})
		}
		s.finish(ctx, run, err)
	}()

	started := s.now()
	run.Status = models.RunStatusRunning
	run.StartedAt = &started
	s.record(ctx, run)

	switch run.Kind {
	case models.CycleSubmit:
		var r *engine.SubmitReport
		r, err = s.runner.SubmitCycle(ctx)
		if r != nil {
			logger.Info("submit cycle finished", "claimed", r.Claimed, "jobs_created", r.JobsCreated, "completed", r.Completed, "skipped", r.Skipped)
		}
	case models.CycleConsume:
		var r *engine.ConsumeReport
		r, err = s.runner.ConsumeCycle(ctx)
		if r != nil {
			logger.Info("consume cycle finished", "jobs_polled", r.JobsPolled, "items_succeeded", r.ItemsSucceeded, "items_failed", r.ItemsFailed)
		}
	case models.CycleRun:
		_, err = s.runner.RunCycle(ctx)
	}

	if err != nil {
		s.notifier.Send(context.WithoutCancel(ctx), notify.Notification{
			Severity: notify.SeverityError,
			Context:  contextFor(run.Kind),
			Message:  fmt.Sprintf("cycle run %s aborted: %v", run.ID, err),
		})
	}
	return err
}

func (s *Service) finish(ctx context.Context, run *models.Run, err error) {
	done := s.now()
	run.CompletedAt = &done
	run.Status = models.RunStatusSucceeded
	if err != nil {
		run.Status = models.RunStatusFailed
		run.Error = err.Error()
	}
	s.record(context.WithoutCancel(ctx), run)
}

// record is best effort; a cache outage must not stop a cycle.
func (s *Service) record(ctx context.Context, run *models.Run) {
	if err := s.runs.SetRun(ctx, run, s.ttl); err != nil {
		s.logger.Warn("recording run status failed", "run_id", run.ID, "status", run.Status, "error", err)
	}
}

func contextFor(kind string) string {
	switch kind {
	case models.CycleSubmit:
		return "Submit Process"
	case models.CycleConsume:
		return "Consume Process"
	default:
		return "Run Process"
	}
}
