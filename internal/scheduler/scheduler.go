// Package scheduler fires submit and consume cycles on cron schedules for
// deployments without an external scheduler.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/jeskokaiser/altfragen-io-backend/internal/config"
	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
)

// Triggerer enqueues a cycle. *trigger.Service satisfies it.
type Triggerer interface {
	Trigger(ctx context.Context, kind string) (*models.Run, error)
}

type Scheduler struct {
	cron    *cron.Cron
	trigger Triggerer
	logger  *slog.Logger
	entries int
}

// ParseCron parses a standard five-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// New registers one entry per non-empty expression in cfg.
func New(cfg config.ScheduleConfig, t Triggerer, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow))),
		trigger: t,
		logger:  logger,
	}

	for _, e := range []struct {
		kind string
		expr string
	}{
		{models.CycleSubmit, cfg.SubmitCron},
		{models.CycleConsume, cfg.ConsumeCron},
	} {
		if e.expr == "" {
			continue
		}
		if err := s.add(e.kind, e.expr); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(kind, expr string) error {
	_, err := s.cron.AddFunc(expr, func() { s.fire(kind) })
	if err != nil {
		return fmt.Errorf("scheduling %s cycle %q: %w", kind, expr, err)
	}
	s.entries++
	s.logger.Info("cycle scheduled", "kind", kind, "cron", expr)
	return nil
}

func (s *Scheduler) fire(kind string) {
	run, err := s.trigger.Trigger(context.Background(), kind)
	if err != nil {
		s.logger.Warn("scheduled cycle not queued", "kind", kind, "error", err)
		return
	}
	s.logger.Debug("scheduled cycle queued", "kind", kind, "run_id", run.ID)
}

// Entries returns the number of registered schedules.
func (s *Scheduler) Entries() int {
	return s.entries
}

func (s *Scheduler) Start() {
	if s.entries == 0 {
		return
	}
	s.cron.Start()
}

// Stop halts the schedule. The returned context is done once any in-flight
// fire call has returned; the cycles themselves run on the worker pool.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
