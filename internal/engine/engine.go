// Package engine runs the submit and consume cycles that move questions
// through claim, provider dispatch and result reconciliation.
//
// Cycles may overlap with each other and with themselves. No lock
// serializes them; correctness rests on the compare-and-set claim in the
// store and on comment upserts being keyed by (question, provider).
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jeskokaiser/altfragen-io-backend/internal/notify"
	"github.com/jeskokaiser/altfragen-io-backend/internal/provider"
	"github.com/jeskokaiser/altfragen-io-backend/internal/store"
)

// Alert contexts, used as notification titles.
const (
	contextSubmit     = "Submit Process"
	contextConsume    = "Consume Process"
	contextKillSwitch = "Kill-switch"
)

// errorRateThreshold is the share of failed items above which a consume
// cycle sends a warning.
const errorRateThreshold = 0.2

type Options struct {
	// CallTimeout bounds every single provider call. Zero means the cycle
	// context alone bounds it.
	CallTimeout        time.Duration
	PollConcurrency    int
	InstantConcurrency int
	Logger             *slog.Logger
	Now                func() time.Time
}

// Engine executes cycles. It holds no per-cycle state; settings are
// re-read at the start of every cycle.
type Engine struct {
	store              store.Store
	providers          *provider.Set
	notifier           notify.Notifier
	logger             *slog.Logger
	now                func() time.Time
	callTimeout        time.Duration
	pollConcurrency    int
	instantConcurrency int
}

func New(st store.Store, providers *provider.Set, notifier notify.Notifier, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.PollConcurrency <= 0 {
		opts.PollConcurrency = 4
	}
	if opts.InstantConcurrency <= 0 {
		opts.InstantConcurrency = 3
	}
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	return &Engine{
		store:              st,
		providers:          providers,
		notifier:           notify.NewSafeNotifier(notifier, opts.Logger),
		logger:             opts.Logger,
		now:                opts.Now,
		callTimeout:        opts.CallTimeout,
		pollConcurrency:    opts.PollConcurrency,
		instantConcurrency: opts.InstantConcurrency,
	}
}

// RunReport aggregates a submit cycle followed by a consume cycle.
type RunReport struct {
	Submit  *SubmitReport  `json:"submit"`
	Consume *ConsumeReport `json:"consume"`
}

// RunCycle runs SubmitCycle and then ConsumeCycle. A failed submit does not
// prevent the consume cycle from running.
func (e *Engine) RunCycle(ctx context.Context) (*RunReport, error) {
	sr, serr := e.SubmitCycle(ctx)
	cr, cerr := e.ConsumeCycle(ctx)
	return &RunReport{Submit: sr, Consume: cr}, errors.Join(serr, cerr)
}

// alert never fails; delivery errors are logged by the safe notifier.
func (e *Engine) alert(ctx context.Context, severity notify.Severity, where, message string) {
	_ = e.notifier.Send(ctx, notify.Notification{Severity: severity, Context: where, Message: message})
}

func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.callTimeout)
}
