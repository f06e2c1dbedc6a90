package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jeskokaiser/altfragen-io-backend/internal/notify"
	"github.com/jeskokaiser/altfragen-io-backend/internal/provider/mock"
	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitCycle_DisabledIsNoop(t *testing.T) {
	settings := testSettings(models.ProviderOpenAI)
	settings.FeatureEnabled = false
	st := newMemStore(settings)
	q := st.addQuestion(models.QuestionPending, t0.Add(-time.Hour), 0)
	p := mock.NewBatchProvider(models.ProviderOpenAI)
	e := newTestEngine(st, &recordingNotifier{}, []models.BatchProvider{p}, nil)

	report, err := e.SubmitCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, 0, report.Claimed)
	assert.Equal(t, models.QuestionPending, st.question(q.ID).Status)
	assert.Equal(t, 0, p.SubmitCalls())
}

func TestSubmitCycle_NoConfiguredProviderClaimsNothing(t *testing.T) {
	st := newMemStore(testSettings(models.ProviderMistral))
	q := st.addQuestion(models.QuestionPending, t0.Add(-time.Hour), 0)
	e := newTestEngine(st, &recordingNotifier{}, []models.BatchProvider{mock.NewBatchProvider(models.ProviderOpenAI)}, nil)

	report, err := e.SubmitCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, models.QuestionPending, st.question(q.ID).Status)
}

func TestSubmitCycle_CreatesBatchJob(t *testing.T) {
	st := newMemStore(testSettings(models.ProviderOpenAI))
	q1 := st.addQuestion(models.QuestionPending, t0.Add(-2*time.Hour), 0)
	q2 := st.addQuestion(models.QuestionPending, t0.Add(-time.Hour), 0)

	var got []uuid.UUID
	p := &mock.BatchProvider{
		Name_: models.ProviderOpenAI,
		SubmitFunc: func(_ context.Context, qs []*models.Question) (models.Submission, error) {
			for _, q := range qs {
				got = append(got, q.ID)
			}
			return models.Submission{ExternalBatchID: "B1", InputRef: "file-in"}, nil
		},
	}
	e := newTestEngine(st, &recordingNotifier{}, []models.BatchProvider{p}, nil)

	report, err := e.SubmitCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Claimed)
	assert.Equal(t, 1, report.JobsCreated)
	assert.Equal(t, []uuid.UUID{q1.ID, q2.ID}, got)

	jobs := st.allJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, models.ProviderOpenAI, jobs[0].Provider)
	assert.Equal(t, "B1", jobs[0].ExternalBatchID)
	assert.Equal(t, models.BatchJobSubmitted, jobs[0].Status)
	assert.ElementsMatch(t, []uuid.UUID{q1.ID, q2.ID}, jobs[0].QuestionIDs)
	assert.Equal(t, "file-in", jobs[0].InputRef)

	for _, id := range []uuid.UUID{q1.ID, q2.ID} {
		q := st.question(id)
		assert.Equal(t, models.QuestionClaimed, q.Status)
		assert.Equal(t, 1, q.Attempts)
		assert.Equal(t, t0, q.UpdatedAt)
	}
}

func TestSubmitCycle_BatchSizeCapsOldestFirst(t *testing.T) {
	st := newMemStore(testSettings(models.ProviderOpenAI))
	newest := st.addQuestion(models.QuestionPending, t0.Add(-time.Minute), 0)
	oldest := st.addQuestion(models.QuestionPending, t0.Add(-3*time.Hour), 0)
	middle := st.addQuestion(models.QuestionPending, t0.Add(-2*time.Hour), 0)
	e := newTestEngine(st, &recordingNotifier{}, []models.BatchProvider{mock.NewBatchProvider(models.ProviderOpenAI)}, nil)

	_, err := e.SubmitCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.QuestionClaimed, st.question(oldest.ID).Status)
	assert.Equal(t, models.QuestionClaimed, st.question(middle.ID).Status)
	assert.Equal(t, models.QuestionPending, st.question(newest.ID).Status)
}

func TestSubmitCycle_EachBatchProviderGetsFullCopy(t *testing.T) {
	st := newMemStore(testSettings(models.ProviderOpenAI, models.ProviderMistral))
	q1 := st.addQuestion(models.QuestionPending, t0.Add(-time.Hour), 0)
	q2 := st.addQuestion(models.QuestionPending, t0.Add(-time.Hour), 0)
	e := newTestEngine(st, &recordingNotifier{}, []models.BatchProvider{
		mock.NewBatchProvider(models.ProviderOpenAI),
		mock.NewBatchProvider(models.ProviderMistral),
	}, nil)

	report, err := e.SubmitCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.JobsCreated)
	for _, j := range st.allJobs() {
		assert.ElementsMatch(t, []uuid.UUID{q1.ID, q2.ID}, j.QuestionIDs, "provider %s", j.Provider)
	}
}

func TestSubmitCycle_InsufficientQuotaTripsKillSwitch(t *testing.T) {
	st := newMemStore(testSettings(models.ProviderOpenAI, models.ProviderMistral))
	q1 := st.addQuestion(models.QuestionPending, t0.Add(-time.Hour), 0)
	q2 := st.addQuestion(models.QuestionPending, t0.Add(-time.Hour), 0)
	n := &recordingNotifier{}

	quota := &models.ProviderError{
		Provider:   models.ProviderOpenAI,
		StatusCode: 429,
		Message:    "You exceeded your current quota (insufficient_quota)",
	}
	openai := mock.NewFailingBatchProvider(models.ProviderOpenAI, quota)
	mistral := mock.NewBatchProvider(models.ProviderMistral)
	e := newTestEngine(st, n, []models.BatchProvider{openai, mistral}, nil)

	report, err := e.SubmitCycle(context.Background())
	require.NoError(t, err)

	assert.False(t, st.featureEnabled())
	assert.Equal(t, 1, n.total())
	assert.Equal(t, 1, n.count(notify.SeverityCritical))
	assert.Equal(t, []models.ProviderName{models.ProviderOpenAI}, report.KillSwitch)

	assert.Equal(t, models.QuestionClaimed, st.question(q1.ID).Status)
	assert.Equal(t, models.QuestionClaimed, st.question(q2.ID).Status)
	assert.Empty(t, st.allJobs())
	// no further provider calls once the switch tripped
	assert.Equal(t, 0, mistral.SubmitCalls())
}

func TestSubmitCycle_TransientSubmitKeepsClaims(t *testing.T) {
	st := newMemStore(testSettings(models.ProviderOpenAI))
	q := st.addQuestion(models.QuestionPending, t0.Add(-time.Hour), 0)
	n := &recordingNotifier{}
	transient := &models.ProviderError{Provider: models.ProviderOpenAI, StatusCode: 503, Message: "service unavailable"}
	e := newTestEngine(st, n, []models.BatchProvider{mock.NewFailingBatchProvider(models.ProviderOpenAI, transient)}, nil)

	_, err := e.SubmitCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, st.featureEnabled())
	assert.Equal(t, models.QuestionClaimed, st.question(q.ID).Status)
	assert.Equal(t, 1, n.count(notify.SeverityWarning))
	assert.Empty(t, st.allJobs())
}

func TestSubmitCycle_FatalSubmitAlerts(t *testing.T) {
	st := newMemStore(testSettings(models.ProviderOpenAI))
	q := st.addQuestion(models.QuestionPending, t0.Add(-time.Hour), 0)
	n := &recordingNotifier{}
	fatal := &models.ProviderError{Provider: models.ProviderOpenAI, StatusCode: 400, Code: "invalid_request_error", Message: "bad jsonl"}
	e := newTestEngine(st, n, []models.BatchProvider{mock.NewFailingBatchProvider(models.ProviderOpenAI, fatal)}, nil)

	_, err := e.SubmitCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n.count(notify.SeverityError))
	assert.Equal(t, models.QuestionClaimed, st.question(q.ID).Status)
}

func TestSubmitCycle_ConcurrentClaimExclusivity(t *testing.T) {
	settings := testSettings(models.ProviderOpenAI)
	settings.BatchSize = 5
	st := newMemStore(settings)
	for i := 0; i < 20; i++ {
		st.addQuestion(models.QuestionPending, t0.Add(-time.Duration(i+1)*time.Minute), 0)
	}
	e := newTestEngine(st, &recordingNotifier{}, []models.BatchProvider{mock.NewBatchProvider(models.ProviderOpenAI)}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.SubmitCycle(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	refs := make(map[uuid.UUID]int)
	for _, j := range st.allJobs() {
		if !j.Status.IsOpen() {
			continue
		}
		for _, id := range j.QuestionIDs {
			refs[id]++
		}
	}
	for id, n := range refs {
		assert.Equal(t, 1, n, "question %s referenced by %d open jobs", id, n)
		q := st.question(id)
		assert.Equal(t, models.QuestionClaimed, q.Status)
		assert.Equal(t, 1, q.Attempts)
	}
	assert.NotEmpty(t, refs)
}

func TestSubmitCycle_StaleClaimReselected(t *testing.T) {
	st := newMemStore(testSettings(models.ProviderOpenAI))
	stale := st.addQuestion(models.QuestionClaimed, t0.Add(-2*time.Hour), 1)
	fresh := st.addQuestion(models.QuestionClaimed, t0.Add(-5*time.Minute), 1)
	e := newTestEngine(st, &recordingNotifier{}, []models.BatchProvider{mock.NewBatchProvider(models.ProviderOpenAI)}, nil)

	report, err := e.SubmitCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Claimed)

	q := st.question(stale.ID)
	assert.Equal(t, models.QuestionClaimed, q.Status)
	assert.Equal(t, 2, q.Attempts)
	assert.Equal(t, t0, q.UpdatedAt)
	assert.Equal(t, 1, st.question(fresh.ID).Attempts)
}

func TestSubmitCycle_StaleQuestionInOpenJobNotReselected(t *testing.T) {
	st := newMemStore(testSettings(models.ProviderOpenAI))
	q := st.addQuestion(models.QuestionClaimed, t0.Add(-2*time.Hour), 1)
	st.addJob(models.ProviderOpenAI, "b-open", models.BatchJobInProgress, q.ID)
	p := mock.NewBatchProvider(models.ProviderOpenAI)
	e := newTestEngine(st, &recordingNotifier{}, []models.BatchProvider{p}, nil)

	report, err := e.SubmitCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Selected)
	assert.Equal(t, 0, p.SubmitCalls())
	assert.Equal(t, 1, st.question(q.ID).Attempts)
}

func TestSubmitCycle_EscalatesExhaustedQuestions(t *testing.T) {
	st := newMemStore(testSettings(models.ProviderOpenAI))
	exhausted := st.addQuestion(models.QuestionClaimed, t0.Add(-2*time.Hour), 5)
	n := &recordingNotifier{}
	p := mock.NewBatchProvider(models.ProviderOpenAI)
	e := newTestEngine(st, n, []models.BatchProvider{p}, nil)

	report, err := e.SubmitCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Escalated)
	assert.Equal(t, models.QuestionFailed, st.question(exhausted.ID).Status)
	assert.Equal(t, 1, n.count(notify.SeverityWarning))
	assert.Equal(t, 0, p.SubmitCalls())

	// never re-claimed afterwards
	_, err = e.SubmitCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.QuestionFailed, st.question(exhausted.ID).Status)
}

func TestSubmitCycle_InstantProvidersComplete(t *testing.T) {
	st := newMemStore(testSettings(models.ProviderDeepSeek))
	q1 := st.addQuestion(models.QuestionPending, t0.Add(-time.Hour), 0)
	q2 := st.addQuestion(models.QuestionPending, t0.Add(-time.Hour), 0)
	ds := &mock.InstantProvider{Name_: models.ProviderDeepSeek}
	e := newTestEngine(st, &recordingNotifier{}, nil, []models.InstantProvider{ds})

	report, err := e.SubmitCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.InstantSucceeded)
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 2, ds.Calls())
	assert.Equal(t, models.QuestionCompleted, st.question(q1.ID).Status)
	assert.Equal(t, models.QuestionCompleted, st.question(q2.ID).Status)
	assert.Empty(t, st.allJobs())
}

func TestSubmitCycle_InstantFailureClasses(t *testing.T) {
	st := newMemStore(testSettings(models.ProviderPerplexity))
	fatalQ := st.addQuestion(models.QuestionPending, t0.Add(-2*time.Hour), 0)
	transientQ := st.addQuestion(models.QuestionPending, t0.Add(-time.Hour), 0)
	n := &recordingNotifier{}

	pp := &mock.InstantProvider{
		Name_: models.ProviderPerplexity,
		InvokeFunc: func(_ context.Context, q *models.Question) (models.Commentary, error) {
			if q.ID == fatalQ.ID {
				return models.Commentary{}, &models.ProviderError{Provider: models.ProviderPerplexity, Code: "invalid_payload", Message: "no JSON object"}
			}
			return models.Commentary{}, &models.ProviderError{Provider: models.ProviderPerplexity, Transport: true, Message: "request timed out"}
		},
	}
	e := newTestEngine(st, n, nil, []models.InstantProvider{pp})

	report, err := e.SubmitCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.InstantFailed)
	assert.Equal(t, models.QuestionFailed, st.question(fatalQ.ID).Status)
	assert.Equal(t, models.QuestionClaimed, st.question(transientQ.ID).Status)
	assert.Equal(t, 1, n.count(notify.SeverityError))
	assert.True(t, st.featureEnabled())
}

func TestSubmitCycle_InstantQuotaAlertsOnce(t *testing.T) {
	settings := testSettings(models.ProviderDeepSeek)
	settings.BatchSize = 3
	st := newMemStore(settings)
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		ids = append(ids, st.addQuestion(models.QuestionPending, t0.Add(-time.Hour), 0).ID)
	}
	n := &recordingNotifier{}

	// All three calls are in flight before any of them fails.
	var started sync.WaitGroup
	started.Add(3)
	ds := &mock.InstantProvider{
		Name_: models.ProviderDeepSeek,
		InvokeFunc: func(context.Context, *models.Question) (models.Commentary, error) {
			started.Done()
			started.Wait()
			return models.Commentary{}, &models.ProviderError{Provider: models.ProviderDeepSeek, StatusCode: 402, Message: "Insufficient Balance"}
		},
	}
	e := newTestEngine(st, n, nil, []models.InstantProvider{ds})

	_, err := e.SubmitCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, st.featureEnabled())
	assert.Equal(t, 1, n.count(notify.SeverityCritical))
	for _, id := range ids {
		assert.Equal(t, models.QuestionClaimed, st.question(id).Status)
	}
}

func TestSubmitCycle_SkipsProvidersThatAlreadyCommented(t *testing.T) {
	st := newMemStore(testSettings(models.ProviderOpenAI, models.ProviderDeepSeek))
	done := st.addQuestion(models.QuestionClaimed, t0.Add(-2*time.Hour), 1)
	half := st.addQuestion(models.QuestionClaimed, t0.Add(-2*time.Hour), 1)
	for _, c := range []*models.Comment{
		{ID: uuid.New(), QuestionID: done.ID, Provider: models.ProviderOpenAI, Body: mock.SampleCommentary()},
		{ID: uuid.New(), QuestionID: done.ID, Provider: models.ProviderDeepSeek, Body: mock.SampleCommentary()},
		{ID: uuid.New(), QuestionID: half.ID, Provider: models.ProviderOpenAI, Body: mock.SampleCommentary()},
	} {
		require.NoError(t, st.UpsertComment(context.Background(), c))
	}

	openai := mock.NewBatchProvider(models.ProviderOpenAI)
	ds := &mock.InstantProvider{Name_: models.ProviderDeepSeek}
	e := newTestEngine(st, &recordingNotifier{}, []models.BatchProvider{openai}, []models.InstantProvider{ds})

	report, err := e.SubmitCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 0, openai.SubmitCalls())
	assert.Equal(t, 1, ds.Calls())
	assert.Equal(t, models.QuestionCompleted, st.question(done.ID).Status)
	assert.Equal(t, models.QuestionCompleted, st.question(half.ID).Status)
}

func TestSubmitCycle_NotifierFailureDoesNotAbort(t *testing.T) {
	st := newMemStore(testSettings(models.ProviderOpenAI))
	st.addQuestion(models.QuestionPending, t0.Add(-time.Hour), 0)
	n := &recordingNotifier{err: errors.New("pushover unreachable")}
	quota := &models.ProviderError{Provider: models.ProviderOpenAI, StatusCode: 402, Message: "billing hard limit reached"}
	e := newTestEngine(st, n, []models.BatchProvider{mock.NewFailingBatchProvider(models.ProviderOpenAI, quota)}, nil)

	_, err := e.SubmitCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, st.featureEnabled())
	assert.Equal(t, 1, n.total())
}

func TestSubmitCycle_ProcessingDelayHoldsBackRecentQuestions(t *testing.T) {
	settings := testSettings(models.ProviderOpenAI)
	settings.BatchSize = 10
	settings.ProcessingDelay = time.Hour
	st := newMemStore(settings)
	settled := st.addQuestion(models.QuestionPending, t0.Add(-2*time.Hour), 0)
	boundary := st.addQuestion(models.QuestionPending, t0.Add(-time.Hour), 0)
	recent := st.addQuestion(models.QuestionPending, t0.Add(-10*time.Minute), 0)
	stuck := st.addQuestion(models.QuestionClaimed, t0.Add(-45*time.Minute), 1)
	e := newTestEngine(st, &recordingNotifier{}, []models.BatchProvider{mock.NewBatchProvider(models.ProviderOpenAI)}, nil)

	report, err := e.SubmitCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Claimed)
	assert.Equal(t, models.QuestionClaimed, st.question(settled.ID).Status)
	assert.Equal(t, models.QuestionClaimed, st.question(boundary.ID).Status)
	assert.Equal(t, 2, st.question(stuck.ID).Attempts)
	assert.Equal(t, models.QuestionPending, st.question(recent.ID).Status)
}

func TestSubmitCycle_KillSwitchWriteFailureAbortsCycle(t *testing.T) {
	st := newMemStore(testSettings(models.ProviderOpenAI))
	st.flagErr = errors.New("connection refused")
	q := st.addQuestion(models.QuestionPending, t0.Add(-time.Hour), 0)
	n := &recordingNotifier{}
	quota := &models.ProviderError{Provider: models.ProviderOpenAI, StatusCode: 429, Code: "insufficient_quota", Message: "You exceeded your current quota"}
	e := newTestEngine(st, n, []models.BatchProvider{mock.NewFailingBatchProvider(models.ProviderOpenAI, quota)}, nil)

	_, err := e.SubmitCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, st.flagErr)
	assert.True(t, st.featureEnabled())
	assert.Equal(t, models.QuestionClaimed, st.question(q.ID).Status)
	require.Equal(t, 1, n.count(notify.SeverityCritical))
	assert.Contains(t, n.sent[0].Message, "could NOT be disabled")
}

func TestSubmitCycle_InstantKillSwitchWriteFailure(t *testing.T) {
	st := newMemStore(testSettings(models.ProviderDeepSeek))
	st.flagErr = errors.New("connection refused")
	st.addQuestion(models.QuestionPending, t0.Add(-time.Hour), 0)
	ds := &mock.InstantProvider{
		Name_: models.ProviderDeepSeek,
		InvokeFunc: func(context.Context, *models.Question) (models.Commentary, error) {
			return models.Commentary{}, &models.ProviderError{Provider: models.ProviderDeepSeek, StatusCode: 402, Message: "Insufficient Balance"}
		},
	}
	e := newTestEngine(st, &recordingNotifier{}, nil, []models.InstantProvider{ds})

	_, err := e.SubmitCycle(context.Background())
	require.Error(t, err)
	assert.True(t, st.featureEnabled())
}
