package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrJobClosed is returned by UpdateBatchJob when the job already reached a
// terminal status. Another cycle got there first.
var ErrJobClosed = errors.New("batch job no longer open")

// Store is the persistence gateway. All database operations go through here.
// Every method performs a single atomic statement so a cancelled cycle never
// leaves a row half written.
type Store interface {
	Ping(ctx context.Context) error

	GetSettings(ctx context.Context) (*models.Settings, error)
	SetFeatureEnabled(ctx context.Context, enabled bool) error
	SetProviderEnabled(ctx context.Context, provider models.ProviderName, enabled bool) error

	// SelectCandidates is a side-effect-free read of eligible questions,
	// oldest updated_at first.
	SelectCandidates(ctx context.Context, filter CandidateFilter) ([]*models.Question, error)
	// ClaimQuestions moves eligible questions to claimed with a per-row
	// compare-and-set and returns only the rows it actually claimed.
	ClaimQuestions(ctx context.Context, ids []uuid.UUID, filter CandidateFilter) ([]*models.Question, error)
	// FailExhaustedQuestions escalates stale claims that used up their attempts.
	FailExhaustedQuestions(ctx context.Context, filter CandidateFilter) ([]uuid.UUID, error)
	MarkQuestionFailed(ctx context.Context, id uuid.UUID) (bool, error)
	// CompleteQuestion marks a claimed question completed once a comment exists
	// for every required provider. It reports whether the row transitioned.
	CompleteQuestion(ctx context.Context, id uuid.UUID, required []models.ProviderName) (bool, error)
	GetQuestion(ctx context.Context, id uuid.UUID) (*models.Question, error)

	CreateBatchJob(ctx context.Context, job *models.BatchJob) error
	GetBatchJob(ctx context.Context, id uuid.UUID) (*models.BatchJob, error)
	ListOpenBatchJobs(ctx context.Context) ([]*models.BatchJob, error)
	// UpdateBatchJob writes only while the job is still submitted or
	// in_progress and returns ErrJobClosed otherwise. An empty status leaves
	// the status column as it is.
	UpdateBatchJob(ctx context.Context, id uuid.UUID, status models.BatchJobStatus, opts ...BatchJobUpdateOption) error

	UpsertComment(ctx context.Context, c *models.Comment) error
	ListComments(ctx context.Context, questionID uuid.UUID) ([]*models.Comment, error)
	// CommentedProviders returns, per question, the providers that already
	// produced a comment.
	CommentedProviders(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]map[models.ProviderName]bool, error)
}

// CandidateFilter bounds candidate selection and claiming. Rows claimed before
// StaleBefore are stuck and eligible again. Pending rows become eligible once
// they were queued at or before PendingBefore; the zero value applies no delay.
type CandidateFilter struct {
	Limit         int
	StaleBefore   time.Time
	PendingBefore time.Time
	MaxAttempts   int
	Now           time.Time
}

type batchJobUpdateParams struct {
	OutputRef *string
	ErrorRef  *string
	LastError *string
}

type BatchJobUpdateOption func(*batchJobUpdateParams)

func WithOutputRef(ref string) BatchJobUpdateOption {
	return func(p *batchJobUpdateParams) {
		p.OutputRef = &ref
	}
}

func WithErrorRef(ref string) BatchJobUpdateOption {
	return func(p *batchJobUpdateParams) {
		p.ErrorRef = &ref
	}
}

func WithLastError(msg string) BatchJobUpdateOption {
	return func(p *batchJobUpdateParams) {
		p.LastError = &msg
	}
}

// ApplyBatchJobUpdate folds update options into job. In-memory stores and
// tests use it to mirror what UpdateBatchJob writes.
func ApplyBatchJobUpdate(job *models.BatchJob, status models.BatchJobStatus, now time.Time, opts ...BatchJobUpdateOption) {
	params := &batchJobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}
	if status != "" {
		job.Status = status
	}
	job.UpdatedAt = now
	if params.OutputRef != nil {
		job.OutputRef = *params.OutputRef
	}
	if params.ErrorRef != nil {
		job.ErrorRef = *params.ErrorRef
	}
	if params.LastError != nil {
		msg := *params.LastError
		job.LastError = &msg
	}
}
