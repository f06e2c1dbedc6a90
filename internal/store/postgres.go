package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
	psql sq.StatementBuilderType
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		psql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Settings ---

func (s *PostgresStore) GetSettings(ctx context.Context) (*models.Settings, error) {
	var (
		st         models.Settings
		stuckSecs  int
		delaySecs  int
		rawEnabled []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT feature_enabled, batch_size, stuck_after_seconds, processing_delay_seconds, max_attempts, providers_enabled, updated_at
		 FROM ai_commentary_settings WHERE id = 1`,
	).Scan(&st.FeatureEnabled, &st.BatchSize, &stuckSecs, &delaySecs, &st.MaxAttempts, &rawEnabled, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	st.StuckAfter = time.Duration(stuckSecs) * time.Second
	st.ProcessingDelay = time.Duration(delaySecs) * time.Second

	enabled, err := decodeProvidersEnabled(rawEnabled)
	if err != nil {
		return nil, err
	}
	st.ProvidersEnabled = enabled
	return &st, nil
}

func decodeProvidersEnabled(raw []byte) (map[models.ProviderName]bool, error) {
	var flags map[string]bool
	if err := json.Unmarshal(raw, &flags); err != nil {
		return nil, fmt.Errorf("decode providers_enabled: %w", err)
	}
	out := make(map[models.ProviderName]bool, len(flags))
	for name, on := range flags {
		p, err := models.ParseProviderName(name)
		if err != nil {
			// Unknown providers in the operator-owned row are ignored.
			continue
		}
		out[p] = on
	}
	return out, nil
}

func (s *PostgresStore) SetFeatureEnabled(ctx context.Context, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ai_commentary_settings SET feature_enabled = $1, updated_at = NOW() WHERE id = 1`, enabled)
	if err != nil {
		return fmt.Errorf("set feature enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetProviderEnabled(ctx context.Context, provider models.ProviderName, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ai_commentary_settings
		 SET providers_enabled = jsonb_set(providers_enabled, ARRAY[$1::text], to_jsonb($2::boolean)),
		     updated_at = NOW()
		 WHERE id = 1`, string(provider), enabled)
	if err != nil {
		return fmt.Errorf("set provider enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Questions ---

var questionColumns = []string{
	"q.id", "q.question", "q.option_a", "q.option_b", "q.option_c", "q.option_d", "q.option_e",
	"q.ai_commentary_status", "q.attempts", "q.created_at", "q.updated_at",
}

const openJobReference = `NOT EXISTS (
	SELECT 1 FROM ai_commentary_batch_jobs j
	WHERE j.status IN ('submitted', 'in_progress') AND q.id = ANY(j.question_ids))`

// eligible is the predicate shared by selection and claiming: pending rows past
// the processing delay, or claimed rows that went stale and still have attempts left, never rows an
// open batch job is waiting on.
func eligible(f CandidateFilter) sq.Sqlizer {
	stale := sq.And{
		sq.Eq{"q.ai_commentary_status": string(models.QuestionClaimed)},
		sq.Lt{"q.updated_at": f.StaleBefore},
	}
	if f.MaxAttempts > 0 {
		stale = append(stale, sq.Lt{"q.attempts": f.MaxAttempts})
	}
	pending := sq.And{sq.Eq{"q.ai_commentary_status": string(models.QuestionPending)}}
	if !f.PendingBefore.IsZero() {
		pending = append(pending, sq.LtOrEq{"q.updated_at": f.PendingBefore})
	}
	return sq.And{
		sq.Or{pending, stale},
		sq.Expr(openJobReference),
	}
}

func scanQuestion(row pgx.Row) (*models.Question, error) {
	var q models.Question
	err := row.Scan(&q.ID, &q.Text, &q.OptionA, &q.OptionB, &q.OptionC, &q.OptionD, &q.OptionE,
		&q.Status, &q.Attempts, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func collectQuestions(rows pgx.Rows) ([]*models.Question, error) {
	defer rows.Close()
	var out []*models.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SelectCandidates(ctx context.Context, f CandidateFilter) ([]*models.Question, error) {
	if f.Limit <= 0 {
		return []*models.Question{}, nil
	}
	query, args, err := s.psql.
		Select(questionColumns...).
		From("questions q").
		Where(eligible(f)).
		OrderBy("q.updated_at ASC", "q.id ASC").
		Limit(uint64(f.Limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build candidate query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	return collectQuestions(rows)
}

func (s *PostgresStore) ClaimQuestions(ctx context.Context, ids []uuid.UUID, f CandidateFilter) ([]*models.Question, error) {
	if len(ids) == 0 {
		return []*models.Question{}, nil
	}
	query, args, err := s.psql.
		Update("questions AS q").
		Set("ai_commentary_status", string(models.QuestionClaimed)).
		Set("updated_at", f.Now).
		Set("attempts", sq.Expr("q.attempts + 1")).
		Where(sq.Expr("q.id = ANY(?)", ids)).
		Where(eligible(f)).
		Suffix("RETURNING " + strings.Join(questionColumns, ", ")).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build claim query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claim questions: %w", err)
	}
	return collectQuestions(rows)
}

func (s *PostgresStore) FailExhaustedQuestions(ctx context.Context, f CandidateFilter) ([]uuid.UUID, error) {
	if f.MaxAttempts <= 0 {
		return nil, nil
	}
	query, args, err := s.psql.
		Update("questions AS q").
		Set("ai_commentary_status", string(models.QuestionFailed)).
		Set("updated_at", f.Now).
		Where(sq.Eq{"q.ai_commentary_status": string(models.QuestionClaimed)}).
		Where(sq.Lt{"q.updated_at": f.StaleBefore}).
		Where(sq.GtOrEq{"q.attempts": f.MaxAttempts}).
		Where(sq.Expr(openJobReference)).
		Suffix("RETURNING q.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build escalation query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fail exhausted questions: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan question id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) MarkQuestionFailed(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE questions SET ai_commentary_status = 'failed', updated_at = NOW()
		 WHERE id = $1 AND ai_commentary_status = 'claimed'`, id)
	if err != nil {
		return false, fmt.Errorf("mark question failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) CompleteQuestion(ctx context.Context, id uuid.UUID, required []models.ProviderName) (bool, error) {
	names := providerStrings(required)
	tag, err := s.pool.Exec(ctx,
		`UPDATE questions q SET ai_commentary_status = 'completed', updated_at = NOW()
		 WHERE q.id = $1 AND q.ai_commentary_status = 'claimed'
		   AND (SELECT COUNT(DISTINCT c.provider) FROM ai_commentary_comments c
		        WHERE c.question_id = q.id AND c.provider = ANY($2::text[])) = cardinality($2::text[])`,
		id, names)
	if err != nil {
		return false, fmt.Errorf("complete question: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetQuestion(ctx context.Context, id uuid.UUID) (*models.Question, error) {
	query, args, err := s.psql.Select(questionColumns...).From("questions q").Where(sq.Eq{"q.id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build question query: %w", err)
	}
	q, err := scanQuestion(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get question: %w", err)
	}
	return q, nil
}

func providerStrings(ps []models.ProviderName) []string {
	seen := make(map[models.ProviderName]bool, len(ps))
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, string(p))
	}
	return out
}

// --- Batch Jobs ---

var batchJobColumns = []string{
	"id", "provider", "external_batch_id", "status", "question_ids",
	"input_ref", "output_ref", "error_ref", "last_error", "created_at", "updated_at",
}

func scanBatchJob(row pgx.Row) (*models.BatchJob, error) {
	var j models.BatchJob
	err := row.Scan(&j.ID, &j.Provider, &j.ExternalBatchID, &j.Status, &j.QuestionIDs,
		&j.InputRef, &j.OutputRef, &j.ErrorRef, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateBatchJob(ctx context.Context, job *models.BatchJob) error {
	if len(job.QuestionIDs) == 0 {
		return fmt.Errorf("create batch job: no question ids")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ai_commentary_batch_jobs (id, provider, external_batch_id, status, question_ids, input_ref, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, string(job.Provider), job.ExternalBatchID, string(job.Status), job.QuestionIDs,
		job.InputRef, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create batch job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBatchJob(ctx context.Context, id uuid.UUID) (*models.BatchJob, error) {
	query, args, err := s.psql.Select(batchJobColumns...).From("ai_commentary_batch_jobs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build batch job query: %w", err)
	}
	j, err := scanBatchJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch job: %w", err)
	}
	return j, nil
}

func openStatusStrings() []string {
	open := make([]string, 0, 2)
	for _, st := range models.OpenBatchJobStatuses() {
		open = append(open, string(st))
	}
	return open
}

func (s *PostgresStore) ListOpenBatchJobs(ctx context.Context) ([]*models.BatchJob, error) {
	open := openStatusStrings()
	query, args, err := s.psql.
		Select(batchJobColumns...).
		From("ai_commentary_batch_jobs").
		Where(sq.Eq{"status": open}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build open jobs query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list open batch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.BatchJob
	for rows.Next() {
		j, err := scanBatchJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) UpdateBatchJob(ctx context.Context, id uuid.UUID, status models.BatchJobStatus, opts ...BatchJobUpdateOption) error {
	params := &batchJobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	b := s.psql.Update("ai_commentary_batch_jobs").
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"status": openStatusStrings()})
	if status != "" {
		b = b.Set("status", string(status))
	}
	if params.OutputRef != nil {
		b = b.Set("output_ref", *params.OutputRef)
	}
	if params.ErrorRef != nil {
		b = b.Set("error_ref", *params.ErrorRef)
	}
	if params.LastError != nil {
		b = b.Set("last_error", *params.LastError)
	}

	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build batch job update: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update batch job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ai_commentary_batch_jobs WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check batch job: %w", err)
	}
	if exists {
		return ErrJobClosed
	}
	return ErrNotFound
}

// --- Comments ---

func (s *PostgresStore) UpsertComment(ctx context.Context, c *models.Comment) error {
	body, err := json.Marshal(c.Body)
	if err != nil {
		return fmt.Errorf("encode comment body: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ai_commentary_comments (id, question_id, provider, model, body, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (question_id, provider) DO UPDATE SET
		   model = EXCLUDED.model,
		   body = EXCLUDED.body,
		   updated_at = NOW()`,
		c.ID, c.QuestionID, string(c.Provider), c.Model, body, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListComments(ctx context.Context, questionID uuid.UUID) ([]*models.Comment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, question_id, provider, model, body, created_at, updated_at
		 FROM ai_commentary_comments WHERE question_id = $1 ORDER BY provider`, questionID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var comments []*models.Comment
	for rows.Next() {
		var (
			c    models.Comment
			body []byte
		)
		if err := rows.Scan(&c.ID, &c.QuestionID, &c.Provider, &c.Model, &body, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		if err := json.Unmarshal(body, &c.Body); err != nil {
			return nil, fmt.Errorf("decode comment body: %w", err)
		}
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}

func (s *PostgresStore) CommentedProviders(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]map[models.ProviderName]bool, error) {
	out := make(map[uuid.UUID]map[models.ProviderName]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT question_id, provider FROM ai_commentary_comments WHERE question_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("commented providers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			qid      uuid.UUID
			provider models.ProviderName
		)
		if err := rows.Scan(&qid, &provider); err != nil {
			return nil, fmt.Errorf("scan commented provider: %w", err)
		}
		if out[qid] == nil {
			out[qid] = make(map[models.ProviderName]bool)
		}
		out[qid][provider] = true
	}
	return out, rows.Err()
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique violation (23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
