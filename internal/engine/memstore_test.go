package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeskokaiser/altfragen-io-backend/internal/store"
	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
)

type commentKey struct {
	question uuid.UUID
	provider models.ProviderName
}

// memStore is an in-memory store.Store with the same compare-and-set
// semantics as PostgresStore. Every method holds the lock for its whole
// body, which stands in for a single SQL statement.
type memStore struct {
	mu         sync.Mutex
	settings   models.Settings
	questions  map[uuid.UUID]*models.Question
	jobs       map[uuid.UUID]*models.BatchJob
	comments   map[commentKey]*models.Comment
	jobUpdates map[uuid.UUID]int
	flagWrites int
	flagErr    error
}

var _ store.Store = (*memStore)(nil)

func newMemStore(settings models.Settings) *memStore {
	return &memStore{
		settings:   settings,
		questions:  make(map[uuid.UUID]*models.Question),
		jobs:       make(map[uuid.UUID]*models.BatchJob),
		comments:   make(map[commentKey]*models.Comment),
		jobUpdates: make(map[uuid.UUID]int),
	}
}

func (s *memStore) addQuestion(status models.QuestionStatus, updatedAt time.Time, attempts int) *models.Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := &models.Question{
		ID:        uuid.New(),
		Text:      "Welches Organ produziert Insulin?",
		OptionA:   "Pankreas",
		OptionB:   "Leber",
		OptionC:   "Milz",
		OptionD:   "Niere",
		OptionE:   "Herz",
		Status:    status,
		Attempts:  attempts,
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}
	s.questions[q.ID] = q
	cp := *q
	return &cp
}

func (s *memStore) addJob(p models.ProviderName, externalID string, status models.BatchJobStatus, ids ...uuid.UUID) *models.BatchJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	j := &models.BatchJob{
		ID:              uuid.New(),
		Provider:        p,
		ExternalBatchID: externalID,
		Status:          status,
		QuestionIDs:     ids,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.jobs[j.ID] = j
	cp := *j
	return &cp
}

func (s *memStore) question(id uuid.UUID) models.Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.questions[id]
}

func (s *memStore) job(id uuid.UUID) models.BatchJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memStore) allJobs() []models.BatchJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BatchJob
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

func (s *memStore) commentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.comments)
}

func (s *memStore) hasComment(qid uuid.UUID, p models.ProviderName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.comments[commentKey{qid, p}]
	return ok
}

func (s *memStore) featureEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.FeatureEnabled
}

func (s *memStore) setJobStatus(id uuid.UUID, status models.BatchJobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].Status = status
}

func (s *memStore) updatesFor(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobUpdates[id]
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) GetSettings(context.Context) (*models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.settings
	cp.ProvidersEnabled = make(map[models.ProviderName]bool, len(s.settings.ProvidersEnabled))
	for k, v := range s.settings.ProvidersEnabled {
		cp.ProvidersEnabled[k] = v
	}
	return &cp, nil
}

func (s *memStore) SetFeatureEnabled(_ context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flagWrites++
	if s.flagErr != nil {
		return s.flagErr
	}
	s.settings.FeatureEnabled = enabled
	return nil
}

func (s *memStore) SetProviderEnabled(_ context.Context, p models.ProviderName, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.ProvidersEnabled[p] = enabled
	return nil
}

// inOpenJob must be called with the lock held.
func (s *memStore) inOpenJob(id uuid.UUID) bool {
	for _, j := range s.jobs {
		if !j.Status.IsOpen() {
			continue
		}
		for _, qid := range j.QuestionIDs {
			if qid == id {
				return true
			}
		}
	}
	return false
}

func (s *memStore) eligible(q *models.Question, f store.CandidateFilter) bool {
	switch q.Status {
	case models.QuestionPending:
		if !f.PendingBefore.IsZero() && q.UpdatedAt.After(f.PendingBefore) {
			return false
		}
	case models.QuestionClaimed:
		if !q.UpdatedAt.Before(f.StaleBefore) {
			return false
		}
		if f.MaxAttempts > 0 && q.Attempts >= f.MaxAttempts {
			return false
		}
	default:
		return false
	}
	return !s.inOpenJob(q.ID)
}

func (s *memStore) SelectCandidates(_ context.Context, f store.CandidateFilter) ([]*models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Question
	for _, q := range s.questions {
		if s.eligible(q, f) {
			cp := *q
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) ClaimQuestions(_ context.Context, ids []uuid.UUID, f store.CandidateFilter) ([]*models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Question
	for _, id := range ids {
		q, ok := s.questions[id]
		if !ok || !s.eligible(q, f) {
			continue
		}
		q.Status = models.QuestionClaimed
		q.UpdatedAt = f.Now
		q.Attempts++
		cp := *q
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) FailExhaustedQuestions(_ context.Context, f store.CandidateFilter) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.MaxAttempts <= 0 {
		return nil, nil
	}
	var out []uuid.UUID
	for _, q := range s.questions {
		if q.Status == models.QuestionClaimed && q.UpdatedAt.Before(f.StaleBefore) &&
			q.Attempts >= f.MaxAttempts && !s.inOpenJob(q.ID) {
			q.Status = models.QuestionFailed
			q.UpdatedAt = f.Now
			out = append(out, q.ID)
		}
	}
	return out, nil
}

func (s *memStore) MarkQuestionFailed(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[id]
	if !ok || q.Status != models.QuestionClaimed {
		return false, nil
	}
	q.Status = models.QuestionFailed
	q.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *memStore) CompleteQuestion(_ context.Context, id uuid.UUID, required []models.ProviderName) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[id]
	if !ok || q.Status != models.QuestionClaimed {
		return false, nil
	}
	for _, p := range required {
		if _, ok := s.comments[commentKey{id, p}]; !ok {
			return false, nil
		}
	}
	q.Status = models.QuestionCompleted
	q.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *memStore) GetQuestion(_ context.Context, id uuid.UUID) (*models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (s *memStore) CreateBatchJob(_ context.Context, job *models.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Provider == job.Provider && j.ExternalBatchID == job.ExternalBatchID {
			return store.ErrDuplicateKey
		}
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) GetBatchJob(_ context.Context, id uuid.UUID) (*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) ListOpenBatchJobs(context.Context) ([]*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.BatchJob
	for _, j := range s.jobs {
		if j.Status.IsOpen() {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) UpdateBatchJob(_ context.Context, id uuid.UUID, status models.BatchJobStatus, opts ...store.BatchJobUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !j.Status.IsOpen() {
		return store.ErrJobClosed
	}
	store.ApplyBatchJobUpdate(j, status, time.Now().UTC(), opts...)
	s.jobUpdates[id]++
	return nil
}

func (s *memStore) UpsertComment(_ context.Context, c *models.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := commentKey{c.QuestionID, c.Provider}
	if existing, ok := s.comments[key]; ok {
		existing.Body = c.Body
		existing.Model = c.Model
		existing.UpdatedAt = c.UpdatedAt
		return nil
	}
	cp := *c
	s.comments[key] = &cp
	return nil
}

func (s *memStore) ListComments(_ context.Context, questionID uuid.UUID) ([]*models.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Comment
	for k, c := range s.comments {
		if k.question == questionID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) CommentedProviders(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]map[models.ProviderName]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]map[models.ProviderName]bool)
	for _, id := range ids {
		for k := range s.comments {
			if k.question != id {
				continue
			}
			if out[id] == nil {
				out[id] = make(map[models.ProviderName]bool)
			}
			out[id][k.provider] = true
		}
	}
	return out, nil
}
