package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jeskokaiser/altfragen-io-backend/internal/classify"
	"github.com/jeskokaiser/altfragen-io-backend/internal/notify"
	"github.com/jeskokaiser/altfragen-io-backend/internal/store"
	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
)

// SubmitReport summarizes one submit cycle.
type SubmitReport struct {
	Skipped          bool                  `json:"skipped"`
	Escalated        int                   `json:"escalated"`
	Selected         int                   `json:"selected"`
	Claimed          int                   `json:"claimed"`
	JobsCreated      int                   `json:"jobs_created"`
	InstantSucceeded int                   `json:"instant_succeeded"`
	InstantFailed    int                   `json:"instant_failed"`
	Completed        int                   `json:"completed"`
	KillSwitch       []models.ProviderName `json:"kill_switch,omitempty"`

	mu sync.Mutex
}

func (r *SubmitReport) add(field *int, n int) {
	r.mu.Lock()
	*field += n
	r.mu.Unlock()
}

// SubmitCycle selects eligible questions, claims them and dispatches them to
// every active provider. It is a no-op while the feature is disabled.
func (e *Engine) SubmitCycle(ctx context.Context) (*SubmitReport, error) {
	report := &SubmitReport{}

	settings, err := e.store.GetSettings(ctx)
	if err != nil {
		return report, fmt.Errorf("loading settings: %w", err)
	}
	if !settings.FeatureEnabled {
		e.logger.Info("ai commentary disabled, skipping submit cycle")
		report.Skipped = true
		return report, nil
	}

	required := e.providers.Required(settings)
	if len(required) == 0 {
		e.logger.Warn("no enabled provider is configured, skipping submit cycle")
		report.Skipped = true
		return report, nil
	}

	now := e.now()
	filter := store.CandidateFilter{
		Limit:       settings.BatchSize,
		StaleBefore: now.Add(-settings.StuckAfter),
		MaxAttempts: settings.MaxAttempts,
		Now:         now,
	}
	if settings.ProcessingDelay > 0 {
		filter.PendingBefore = now.Add(-settings.ProcessingDelay)
	}

	escalated, err := e.store.FailExhaustedQuestions(ctx, filter)
	if err != nil {
		return report, fmt.Errorf("escalating exhausted questions: %w", err)
	}
	if len(escalated) > 0 {
		report.Escalated = len(escalated)
		e.logger.Warn("questions exhausted their attempts", "count", len(escalated), "max_attempts", settings.MaxAttempts)
		e.alert(ctx, notify.SeverityWarning, contextSubmit,
			fmt.Sprintf("%d question(s) marked failed after %d attempts", len(escalated), settings.MaxAttempts))
	}

	candidates, err := e.store.SelectCandidates(ctx, filter)
	if err != nil {
		return report, fmt.Errorf("selecting candidates: %w", err)
	}
	report.Selected = len(candidates)
	if len(candidates) == 0 {
		e.logger.Info("no questions to submit")
		return report, nil
	}

	ids := make([]uuid.UUID, len(candidates))
	for i, q := range candidates {
		ids[i] = q.ID
	}
	claimed, err := e.store.ClaimQuestions(ctx, ids, filter)
	if err != nil {
		return report, fmt.Errorf("claiming questions: %w", err)
	}
	report.Claimed = len(claimed)
	if len(claimed) == 0 {
		e.logger.Info("all candidates were claimed concurrently")
		return report, nil
	}
	e.logger.Info("claimed questions", "selected", len(candidates), "claimed", len(claimed))

	claimedIDs := make([]uuid.UUID, len(claimed))
	for i, q := range claimed {
		claimedIDs[i] = q.ID
	}
	commented, err := e.store.CommentedProviders(ctx, claimedIDs)
	if err != nil {
		return report, fmt.Errorf("loading existing comments: %w", err)
	}

	// A re-claimed question may already carry every required comment from an
	// earlier attempt.
	var work []*models.Question
	for _, q := range claimed {
		if hasAll(commented[q.ID], required) {
			ok, err := e.store.CompleteQuestion(ctx, q.ID, required)
			if err != nil {
				return report, fmt.Errorf("completing question %s: %w", q.ID, err)
			}
			if ok {
				report.add(&report.Completed, 1)
			}
			continue
		}
		work = append(work, q)
	}

	ks := e.newKillSwitch("submit")
	defer func() { report.KillSwitch = ks.Providers() }()

	batch, instant := e.providers.Active(settings)
	for _, p := range batch {
		if ks.Tripped() {
			break
		}
		pending := missing(work, commented, p.Name())
		if len(pending) == 0 {
			continue
		}
		if err := e.submitBatch(ctx, p, pending, ks, report); err != nil {
			return report, err
		}
	}

	for _, p := range instant {
		if ks.Tripped() {
			break
		}
		pending := missing(work, commented, p.Name())
		if len(pending) == 0 {
			continue
		}
		if err := e.invokeInstant(ctx, p, pending, required, ks, report); err != nil {
			return report, err
		}
	}

	return report, nil
}

// submitBatch sends one full copy of the claimed questions to p. Provider
// failures leave the claims standing; only persistence errors, including a
// kill-switch that could not write the flag, are returned.
func (e *Engine) submitBatch(ctx context.Context, p models.BatchProvider, questions []*models.Question, ks *killSwitch, report *SubmitReport) error {
	logger := e.logger.With("provider", p.Name())
	logger.Info("submitting batch", "questions", len(questions))

	callCtx, cancel := e.callContext(ctx)
	sub, err := p.Submit(callCtx, questions)
	cancel()
	if err != nil {
		switch classify.Classify(err) {
		case classify.QuotaExhausted:
			return ks.Trip(ctx, p.Name(), err)
		case classify.Transient:
			logger.Warn("batch submit failed, claims kept for retry", "error", err)
			e.alert(ctx, notify.SeverityWarning, contextSubmit, fmt.Sprintf("%s batch submit failed (transient): %v", p.Name(), err))
		default:
			logger.Error("batch submit failed", "error", err)
			e.alert(ctx, notify.SeverityError, contextSubmit, fmt.Sprintf("%s batch submit failed: %v", p.Name(), err))
		}
		return nil
	}

	now := e.now()
	job := &models.BatchJob{
		ID:              uuid.New(),
		Provider:        p.Name(),
		ExternalBatchID: sub.ExternalBatchID,
		Status:          models.BatchJobSubmitted,
		QuestionIDs:     questionIDs(questions),
		InputRef:        sub.InputRef,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreateBatchJob(ctx, job); err != nil {
		e.alert(ctx, notify.SeverityError, contextSubmit,
			fmt.Sprintf("%s batch %s accepted but not recorded: %v", p.Name(), sub.ExternalBatchID, err))
		return fmt.Errorf("recording %s batch %s: %w", p.Name(), sub.ExternalBatchID, err)
	}

	report.add(&report.JobsCreated, 1)
	logger.Info("batch job created", "job_id", job.ID, "external_batch_id", job.ExternalBatchID)
	return nil
}

// invokeInstant calls p once per question with bounded concurrency.
func (e *Engine) invokeInstant(ctx context.Context, p models.InstantProvider, questions []*models.Question, required []models.ProviderName, ks *killSwitch, report *SubmitReport) error {
	logger := e.logger.With("provider", p.Name())
	logger.Info("invoking instant provider", "questions", len(questions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.instantConcurrency)

	for _, q := range questions {
		q := q
		g.Go(func() error {
			if ks.Tripped() {
				return nil
			}

			callCtx, cancel := e.callContext(gctx)
			body, err := p.Invoke(callCtx, q)
			cancel()
			if err != nil {
				report.add(&report.InstantFailed, 1)
				return e.handleItemError(gctx, p.Name(), q.ID, err, ks, contextSubmit)
			}

			if err := e.saveComment(gctx, p.Name(), p.Model(), q.ID, body); err != nil {
				return err
			}
			report.add(&report.InstantSucceeded, 1)

			ok, err := e.store.CompleteQuestion(gctx, q.ID, required)
			if err != nil {
				return fmt.Errorf("completing question %s: %w", q.ID, err)
			}
			if ok {
				report.add(&report.Completed, 1)
			}
			return nil
		})
	}
	return g.Wait()
}

// handleItemError applies the failure policy to one question: quota trips
// the kill-switch, fatal fails the question, transient keeps the claim.
// It returns an error only when persistence fails.
func (e *Engine) handleItemError(ctx context.Context, p models.ProviderName, qid uuid.UUID, cause error, ks *killSwitch, where string) error {
	logger := e.logger.With("provider", p, "question_id", qid)

	switch classify.Classify(cause) {
	case classify.QuotaExhausted:
		return ks.Trip(ctx, p, cause)
	case classify.Transient:
		logger.Warn("transient provider error, question stays claimed", "error", cause)
	default:
		ok, err := e.store.MarkQuestionFailed(ctx, qid)
		if err != nil {
			return fmt.Errorf("failing question %s: %w", qid, err)
		}
		logger.Error("provider failed question", "error", cause, "transitioned", ok)
		if ok {
			e.alert(ctx, notify.SeverityError, where, fmt.Sprintf("%s failed question %s: %v", p, qid, cause))
		}
	}
	return nil
}

func (e *Engine) saveComment(ctx context.Context, p models.ProviderName, model string, qid uuid.UUID, body models.Commentary) error {
	now := e.now()
	c := &models.Comment{
		ID:         uuid.New(),
		QuestionID: qid,
		Provider:   p,
		Model:      model,
		Body:       body,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.UpsertComment(ctx, c); err != nil {
		return fmt.Errorf("saving %s comment for %s: %w", p, qid, err)
	}
	return nil
}

func hasAll(have map[models.ProviderName]bool, required []models.ProviderName) bool {
	for _, p := range required {
		if !have[p] {
			return false
		}
	}
	return true
}

// missing returns the questions p has not commented on yet.
func missing(questions []*models.Question, commented map[uuid.UUID]map[models.ProviderName]bool, p models.ProviderName) []*models.Question {
	var out []*models.Question
	for _, q := range questions {
		if !commented[q.ID][p] {
			out = append(out, q)
		}
	}
	return out
}

func questionIDs(questions []*models.Question) []uuid.UUID {
	ids := make([]uuid.UUID, len(questions))
	for i, q := range questions {
		ids[i] = q.ID
	}
	return ids
}
