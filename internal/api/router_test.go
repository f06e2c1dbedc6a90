package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jeskokaiser/altfragen-io-backend/internal/api"
	"github.com/jeskokaiser/altfragen-io-backend/internal/api/handler"
	mw "github.com/jeskokaiser/altfragen-io-backend/internal/api/middleware"
	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- stub trigger service ---

type stubTriggerer struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*models.Run
}

func (s *stubTriggerer) Trigger(_ context.Context, kind string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := &models.Run{ID: uuid.New(), Kind: kind, Status: models.RunStatusQueued, QueuedAt: time.Now().UTC()}
	s.runs[run.ID] = run
	return run, nil
}

func (s *stubTriggerer) Run(_ context.Context, id uuid.UUID) (*models.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	return r, ok, nil
}

// --- stub counter ---

type stubCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (c *stubCounter) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key], nil
}

// --- router tests ---

func newTestRouter(limit int) (http.Handler, *stubTriggerer) {
	svc := &stubTriggerer{runs: map[uuid.UUID]*models.Run{}}
	return api.NewRouter(api.Dependencies{
		RateLimit: mw.NewRateLimit(&stubCounter{counts: map[string]int64{}}, limit),
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		},
		SubmitHandler:  handler.NewTriggerHandler(svc, models.CycleSubmit),
		ConsumeHandler: handler.NewTriggerHandler(svc, models.CycleConsume),
		RunHandler:     handler.NewTriggerHandler(svc, models.CycleRun),
		GetRunHandler:  handler.NewGetRunHandler(svc),
	}), svc
}

func TestRouter_HealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(60)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_TriggerEndpoints(t *testing.T) {
	router, _ := newTestRouter(60)

	for _, kind := range []string{"submit", "consume", "run"} {
		t.Run(kind, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/"+kind, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusAccepted, w.Code)
			assert.NotEmpty(t, w.Header().Get("X-RateLimit-Limit"))

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			data := body["data"].(map[string]any)
			assert.Equal(t, kind, data["kind"])
		})
	}
}

func TestRouter_TriggerThenPollRun(t *testing.T) {
	router, _ := newTestRouter(60)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/consume", nil))
	require.Equal(t, http.StatusAccepted, w.Code)

	var accepted map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	runID := accepted["data"]["run_id"].(string)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/runs/"+runID, nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var polled map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &polled))
	assert.Equal(t, runID, polled["data"]["id"])
	assert.Equal(t, "queued", polled["data"]["status"])
}

func TestRouter_TriggerRateLimited(t *testing.T) {
	router, svc := newTestRouter(2)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/api/v1/submit", nil)
		req.RemoteAddr = "192.0.2.10:5000"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{http.StatusAccepted, http.StatusAccepted, http.StatusTooManyRequests}, codes)
	assert.Len(t, svc.runs, 2)
}

func TestRouter_RunStatusNotRateLimited(t *testing.T) {
	router, _ := newTestRouter(1)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/runs/"+uuid.NewString(), nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	router, _ := newTestRouter(60)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/submit", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRouter_NotFound(t *testing.T) {
	router, _ := newTestRouter(60)

	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_UnwiredHandlerNotImplemented(t *testing.T) {
	router := api.NewRouter(api.Dependencies{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/run", nil))

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}
