package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jeskokaiser/altfragen-io-backend/internal/classify"
	"github.com/jeskokaiser/altfragen-io-backend/internal/notify"
	"github.com/jeskokaiser/altfragen-io-backend/internal/store"
	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
)

// ConsumeReport summarizes one consume cycle.
type ConsumeReport struct {
	JobsPolled     int                   `json:"jobs_polled"`
	JobsOpen       int                   `json:"jobs_open"`
	JobsCompleted  int                   `json:"jobs_completed"`
	JobsFailed     int                   `json:"jobs_failed"`
	ItemsSucceeded int                   `json:"items_succeeded"`
	ItemsFailed    int                   `json:"items_failed"`
	Completed      int                   `json:"questions_completed"`
	KillSwitch     []models.ProviderName `json:"kill_switch,omitempty"`

	mu sync.Mutex
}

func (r *ConsumeReport) add(field *int, n int) {
	r.mu.Lock()
	*field += n
	r.mu.Unlock()
}

// ErrorRate is failed items over all items resolved in the cycle.
func (r *ConsumeReport) ErrorRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := r.ItemsSucceeded + r.ItemsFailed
	if total == 0 {
		return 0
	}
	return float64(r.ItemsFailed) / float64(total)
}

// ConsumeCycle polls every open batch job and reconciles finished ones.
// Jobs are processed concurrently with a bounded fan-out so one hanging
// provider call cannot starve the others.
func (e *Engine) ConsumeCycle(ctx context.Context) (*ConsumeReport, error) {
	report := &ConsumeReport{}

	settings, err := e.store.GetSettings(ctx)
	if err != nil {
		return report, fmt.Errorf("loading settings: %w", err)
	}
	required := e.providers.Required(settings)

	jobs, err := e.store.ListOpenBatchJobs(ctx)
	if err != nil {
		return report, fmt.Errorf("listing open batch jobs: %w", err)
	}
	if len(jobs) == 0 {
		e.logger.Info("no open batch jobs")
		return report, nil
	}
	e.logger.Info("consuming open batch jobs", "count", len(jobs))

	ks := e.newKillSwitch("consume")
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.pollConcurrency)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			return e.consumeJob(gctx, job, required, ks, report)
		})
	}
	err = g.Wait()
	report.KillSwitch = ks.Providers()
	if err != nil {
		return report, err
	}

	if rate := report.ErrorRate(); rate > errorRateThreshold {
		e.logger.Warn("high item error rate", "rate", rate, "failed", report.ItemsFailed, "succeeded", report.ItemsSucceeded)
		e.alert(ctx, notify.SeverityWarning, contextConsume,
			fmt.Sprintf("%.0f%% of batch items failed this cycle (%d of %d)", rate*100, report.ItemsFailed, report.ItemsFailed+report.ItemsSucceeded))
	}
	return report, nil
}

// consumeJob advances a single job and writes its row exactly once. Cycles
// may overlap, so every write is conditional on the job still being open and
// a job closed by another cycle is left alone.
func (e *Engine) consumeJob(ctx context.Context, job *models.BatchJob, required []models.ProviderName, ks *killSwitch, report *ConsumeReport) error {
	logger := e.logger.With("provider", job.Provider, "job_id", job.ID, "external_batch_id", job.ExternalBatchID)

	p, err := e.providers.Batch(job.Provider)
	if err != nil {
		logger.Warn("batch provider unavailable, job left open", "error", err)
		return e.touchJob(ctx, job, err.Error())
	}
	if ks.TrippedFor(job.Provider) {
		logger.Info("kill-switch tripped for provider, job left open")
		return e.touchJob(ctx, job, "")
	}

	callCtx, cancel := e.callContext(ctx)
	res, err := p.Poll(callCtx, job.ExternalBatchID)
	cancel()
	report.add(&report.JobsPolled, 1)
	if err != nil {
		switch classify.Classify(err) {
		case classify.QuotaExhausted:
			if terr := ks.Trip(ctx, job.Provider, err); terr != nil {
				return terr
			}
		case classify.Transient:
			logger.Warn("polling batch failed, will retry", "error", err)
		default:
			logger.Error("polling batch failed", "error", err)
			e.alert(ctx, notify.SeverityError, contextConsume, fmt.Sprintf("%s batch %s could not be polled: %v", job.Provider, job.ExternalBatchID, err))
		}
		return e.touchJob(ctx, job, err.Error())
	}

	logger.Info("batch status", "status", res.Status, "raw_status", res.RawStatus)

	// The poll can take long enough for an overlapping cycle to finish the job.
	current, err := e.store.GetBatchJob(ctx, job.ID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("batch job vanished during consume")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reloading batch job %s: %w", job.ID, err)
	}
	if !current.Status.IsOpen() {
		logger.Info("batch job closed by another cycle", "status", current.Status)
		return nil
	}

	switch res.Status {
	case models.BatchJobCompleted:
		return e.reconcileCompleted(ctx, p, job, res, required, ks, report)
	case models.BatchJobFailed, models.BatchJobExpired:
		return e.reconcileFailed(ctx, job, res, ks, report)
	default:
		report.add(&report.JobsOpen, 1)
		_, err := e.updateJob(ctx, job, models.BatchJobInProgress)
		return err
	}
}

// reconcileCompleted stores results item by item. Items that fail with a
// quota error stop the job's remaining items; those stay claimed.
func (e *Engine) reconcileCompleted(ctx context.Context, p models.BatchProvider, job *models.BatchJob, res models.PollResult, required []models.ProviderName, ks *killSwitch, report *ConsumeReport) error {
	logger := e.logger.With("provider", job.Provider, "job_id", job.ID)

	if res.OutputRef == "" && res.ErrorRef == "" {
		pe := &models.ProviderError{Provider: job.Provider, Code: "missing_output", Message: "batch completed without output file"}
		res.Status = models.BatchJobFailed
		res.Err = pe
		return e.reconcileFailed(ctx, job, res, ks, report)
	}

	var items []models.ResultItem
	for _, ref := range []string{res.OutputRef, res.ErrorRef} {
		if ref == "" {
			continue
		}
		callCtx, cancel := e.callContext(ctx)
		got, err := p.FetchResults(callCtx, ref)
		cancel()
		if err != nil {
			if classify.Classify(err) == classify.QuotaExhausted {
				if terr := ks.Trip(ctx, job.Provider, err); terr != nil {
					return terr
				}
			}
			// Leave the job open so the download is retried next cycle.
			logger.Warn("downloading batch results failed", "ref", ref, "error", err)
			return e.touchJob(ctx, job, err.Error(), store.WithOutputRef(res.OutputRef), store.WithErrorRef(res.ErrorRef))
		}
		items = append(items, got...)
	}

	inJob := make(map[uuid.UUID]bool, len(job.QuestionIDs))
	for _, id := range job.QuestionIDs {
		inJob[id] = true
	}

	seen := make(map[uuid.UUID]bool, len(items))
	var succeeded, failed int
	var quotaHit bool
	for _, item := range items {
		if !inJob[item.QuestionID] {
			logger.Warn("result for question outside job ignored", "question_id", item.QuestionID)
			continue
		}
		if seen[item.QuestionID] {
			continue
		}
		seen[item.QuestionID] = true

		if item.Err != nil {
			failed++
			if classify.ClassifyProviderError(item.Err) == classify.QuotaExhausted {
				if err := ks.Trip(ctx, job.Provider, item.Err); err != nil {
					return err
				}
				quotaHit = true
				break
			}
			if err := e.handleItemError(ctx, job.Provider, item.QuestionID, item.Err, ks, contextConsume); err != nil {
				return err
			}
			continue
		}

		if err := e.saveComment(ctx, job.Provider, p.Model(), item.QuestionID, *item.Commentary); err != nil {
			return err
		}
		succeeded++
		ok, err := e.store.CompleteQuestion(ctx, item.QuestionID, required)
		if err != nil {
			return fmt.Errorf("completing question %s: %w", item.QuestionID, err)
		}
		if ok {
			report.add(&report.Completed, 1)
		}
	}
	report.add(&report.ItemsSucceeded, succeeded)
	report.add(&report.ItemsFailed, failed)

	if unresolved := len(job.QuestionIDs) - len(seen); unresolved > 0 && !quotaHit {
		logger.Warn("questions missing from batch results stay claimed", "count", unresolved)
	}
	if failed > 0 {
		logger.Warn("batch finished with errors", "errors", failed, "successes", succeeded)
	}

	won, err := e.updateJob(ctx, job, models.BatchJobCompleted, store.WithOutputRef(res.OutputRef), store.WithErrorRef(res.ErrorRef))
	if won {
		report.add(&report.JobsCompleted, 1)
	}
	return err
}

// reconcileFailed handles a job that ended without results. Alerts and the
// kill-switch only fire for the cycle that actually closed the job.
func (e *Engine) reconcileFailed(ctx context.Context, job *models.BatchJob, res models.PollResult, ks *killSwitch, report *ConsumeReport) error {
	logger := e.logger.With("provider", job.Provider, "job_id", job.ID)

	pe := res.Err
	if pe == nil {
		pe = &models.ProviderError{Provider: job.Provider, Code: "batch_" + string(res.Status), Message: "batch ended with status " + res.RawStatus}
	}
	opts := []store.BatchJobUpdateOption{store.WithErrorRef(res.ErrorRef), store.WithLastError(pe.Error())}

	// Quota keeps the claims so the questions are retried once the feature
	// is switched back on.
	if classify.ClassifyProviderError(pe) == classify.QuotaExhausted {
		won, err := e.updateJob(ctx, job, res.Status, opts...)
		if err != nil || !won {
			return err
		}
		report.add(&report.JobsFailed, 1)
		return ks.Trip(ctx, job.Provider, pe)
	}

	// Questions are failed while the job still references them, so a submit
	// cycle cannot re-claim them in between.
	var failed int
	for _, qid := range job.QuestionIDs {
		ok, err := e.store.MarkQuestionFailed(ctx, qid)
		if err != nil {
			return fmt.Errorf("failing question %s: %w", qid, err)
		}
		if ok {
			failed++
		}
	}
	report.add(&report.ItemsFailed, failed)

	won, err := e.updateJob(ctx, job, res.Status, opts...)
	if err != nil || !won {
		return err
	}
	report.add(&report.JobsFailed, 1)

	logger.Error("batch ended without results", "status", res.Status, "error", pe, "questions_failed", failed)
	e.alert(ctx, notify.SeverityError, contextConsume,
		fmt.Sprintf("%s batch %s ended with status %s: %v (%d question(s) failed)", job.Provider, job.ExternalBatchID, res.RawStatus, pe, failed))
	return nil
}

// updateJob moves the job to status. It reports false without an error when
// another cycle already closed or removed the job.
func (e *Engine) updateJob(ctx context.Context, job *models.BatchJob, status models.BatchJobStatus, opts ...store.BatchJobUpdateOption) (bool, error) {
	err := e.store.UpdateBatchJob(ctx, job.ID, status, opts...)
	switch {
	case errors.Is(err, store.ErrJobClosed):
		e.logger.Info("batch job already closed by another cycle", "job_id", job.ID, "status", status)
		return false, nil
	case errors.Is(err, store.ErrNotFound):
		e.logger.Warn("batch job vanished during consume", "job_id", job.ID)
		return false, nil
	case err != nil:
		return false, fmt.Errorf("updating batch job %s: %w", job.ID, err)
	}
	return true, nil
}

// touchJob keeps the job's status but refreshes updated_at so a stalled job
// is visible in the row itself.
func (e *Engine) touchJob(ctx context.Context, job *models.BatchJob, lastError string, opts ...store.BatchJobUpdateOption) error {
	if lastError != "" {
		opts = append(opts, store.WithLastError(lastError))
	}
	_, err := e.updateJob(ctx, job, "", opts...)
	return err
}
