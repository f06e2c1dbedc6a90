package mock

import (
	"context"
	"strconv"
	"sync"

	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
)

// BatchProvider satisfies models.BatchProvider for testing.
// Calls are counted so tests can assert how often the engine reached it.
type BatchProvider struct {
	Name_            models.ProviderName
	SubmitFunc       func(ctx context.Context, questions []*models.Question) (models.Submission, error)
	PollFunc         func(ctx context.Context, externalBatchID string) (models.PollResult, error)
	FetchResultsFunc func(ctx context.Context, ref string) ([]models.ResultItem, error)

	mu          sync.Mutex
	submitCalls int
	pollCalls   int
}

func (m *BatchProvider) Name() models.ProviderName { return m.Name_ }

func (m *BatchProvider) Model() string { return "mock-" + string(m.Name_) }

func (m *BatchProvider) Submit(ctx context.Context, questions []*models.Question) (models.Submission, error) {
	m.mu.Lock()
	m.submitCalls++
	m.mu.Unlock()
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, questions)
	}
	return models.Submission{ExternalBatchID: "batch-" + string(m.Name_)}, nil
}

func (m *BatchProvider) Poll(ctx context.Context, externalBatchID string) (models.PollResult, error) {
	m.mu.Lock()
	m.pollCalls++
	m.mu.Unlock()
	if m.PollFunc != nil {
		return m.PollFunc(ctx, externalBatchID)
	}
	return models.PollResult{Status: models.BatchJobInProgress, RawStatus: "in_progress"}, nil
}

func (m *BatchProvider) FetchResults(ctx context.Context, ref string) ([]models.ResultItem, error) {
	if m.FetchResultsFunc != nil {
		return m.FetchResultsFunc(ctx, ref)
	}
	return nil, nil
}

func (m *BatchProvider) SubmitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitCalls
}

func (m *BatchProvider) PollCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollCalls
}

// InstantProvider satisfies models.InstantProvider for testing.
type InstantProvider struct {
	Name_      models.ProviderName
	InvokeFunc func(ctx context.Context, q *models.Question) (models.Commentary, error)

	mu    sync.Mutex
	calls int
}

func (m *InstantProvider) Name() models.ProviderName { return m.Name_ }

func (m *InstantProvider) Model() string { return "mock-" + string(m.Name_) }

func (m *InstantProvider) Invoke(ctx context.Context, q *models.Question) (models.Commentary, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.InvokeFunc != nil {
		return m.InvokeFunc(ctx, q)
	}
	return SampleCommentary(), nil
}

func (m *InstantProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// SampleCommentary returns a complete, valid commentary.
func SampleCommentary() models.Commentary {
	return models.Commentary{
		ChosenAnswer:   "A",
		GeneralComment: "Mock-Kommentar",
		CommentA:       "richtig",
		CommentB:       "falsch",
		CommentC:       "falsch",
		CommentD:       "falsch",
		CommentE:       "falsch",
	}
}

// NewBatchProvider returns a BatchProvider whose results cover every
// submitted question once the job is polled.
func NewBatchProvider(name models.ProviderName) *BatchProvider {
	m := &BatchProvider{Name_: name}
	var (
		mu        sync.Mutex
		submitted = map[string][]*models.Question{}
		n         int
	)
	m.SubmitFunc = func(_ context.Context, questions []*models.Question) (models.Submission, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		id := string(name) + "-batch-" + strconv.Itoa(n)
		submitted[id] = questions
		return models.Submission{ExternalBatchID: id, InputRef: id + "-input"}, nil
	}
	m.PollFunc = func(_ context.Context, id string) (models.PollResult, error) {
		return models.PollResult{Status: models.BatchJobCompleted, RawStatus: "completed", OutputRef: id}, nil
	}
	m.FetchResultsFunc = func(_ context.Context, ref string) ([]models.ResultItem, error) {
		mu.Lock()
		defer mu.Unlock()
		var items []models.ResultItem
		for _, q := range submitted[ref] {
			c := SampleCommentary()
			items = append(items, models.ResultItem{QuestionID: q.ID, Commentary: &c})
		}
		return items, nil
	}
	return m
}

// NewFailingBatchProvider returns a BatchProvider whose Submit and Poll always fail with err.
func NewFailingBatchProvider(name models.ProviderName, err error) *BatchProvider {
	return &BatchProvider{
		Name_: name,
		SubmitFunc: func(context.Context, []*models.Question) (models.Submission, error) {
			return models.Submission{}, err
		},
		PollFunc: func(context.Context, string) (models.PollResult, error) {
			return models.PollResult{}, err
		},
	}
}

// NewFailingInstantProvider returns an InstantProvider that always returns err.
func NewFailingInstantProvider(name models.ProviderName, err error) *InstantProvider {
	return &InstantProvider{
		Name_: name,
		InvokeFunc: func(context.Context, *models.Question) (models.Commentary, error) {
			return models.Commentary{}, err
		},
	}
}

// NewHangingBatchProvider returns a BatchProvider whose Poll blocks until ctx is done.
func NewHangingBatchProvider(name models.ProviderName) *BatchProvider {
	return &BatchProvider{
		Name_: name,
		PollFunc: func(ctx context.Context, _ string) (models.PollResult, error) {
			<-ctx.Done()
			return models.PollResult{}, &models.ProviderError{Provider: name, Transport: true, Message: "request timed out", Err: ctx.Err()}
		},
	}
}

var (
	_ models.BatchProvider   = (*BatchProvider)(nil)
	_ models.InstantProvider = (*InstantProvider)(nil)
)
