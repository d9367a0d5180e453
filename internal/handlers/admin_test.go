package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"trapper-data-collection/internal/cleanup"
	"trapper-data-collection/internal/database"
	"trapper-data-collection/internal/history"
	"trapper-data-collection/internal/models"
	"trapper-data-collection/internal/ratelimit"
	"trapper-data-collection/internal/search"
)

type fakeRunner struct {
	busy    bool
	started chan string
	cleanup cleanup.CleanupConfig
	limiter *ratelimit.RateLimiter
}

func (r *fakeRunner) Run(_ context.Context, job, trigger string, dryRun bool) (*models.Run, error) {
	r.started <- job + "/" + trigger
	return &models.Run{ID: "r", Job: job, DryRun: dryRun}, nil
}

func (r *fakeRunner) Cleanup(_ context.Context, cc cleanup.CleanupConfig) (*cleanup.CleanupResult, error) {
	r.cleanup = cc
	return &cleanup.CleanupResult{DryRun: cc.DryRun}, nil
}

func (r *fakeRunner) Busy() bool { return r.busy }

func (r *fakeRunner) Limiter() *ratelimit.RateLimiter { return r.limiter }

type fakeSearcher struct {
	req search.SearchRequest
}

func (s *fakeSearcher) Search(_ context.Context, req search.SearchRequest) (*search.SearchResult, error) {
	s.req = req
	return &search.SearchResult{Hits: []search.PhotoDocument{{FileName: "trapsetup_a1_photo1.jpg"}}, TotalHits: 1}, nil
}

type testServer struct {
	router   *gin.Engine
	history  *history.Service
	runner   *fakeRunner
	searcher *fakeSearcher
}

func newTestServer(t *testing.T) *testServer {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, database.NewGormDBFromDB(db).InitSchema())

	ts := &testServer{
		router:   gin.New(),
		history:  history.NewService(db),
		runner:   &fakeRunner{started: make(chan string, 1), limiter: ratelimit.NewRateLimiter(60, 1000, true)},
		searcher: &fakeSearcher{},
	}
	h := NewAdminHandler(context.Background(), ts.history, ts.runner, ts.searcher, nil,
		cleanup.CleanupConfig{RetentionDays: 180, MaxDeletionCount: 100}, nil)
	h.RegisterRoutes(ts.router)
	return ts
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestRunEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	run, err := ts.history.StartRun(ctx, "modify", models.TriggerCLI, false)
	require.NoError(t, err)
	require.NoError(t, ts.history.Recorder(run.ID).RecordEdit(ctx, models.EditLog{
		Layer: "traps", ObjectID: 3, Action: models.ActionStatus, OldValue: "ACTIVE", NewValue: "CLOSED",
	}))
	require.NoError(t, ts.history.FinishRun(ctx, run, nil))

	w := ts.do(http.MethodGet, "/api/runs?job=modify", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = ts.do(http.MethodGet, "/api/runs/"+run.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "succeeded", decode(t, w)["status"])

	w = ts.do(http.MethodGet, "/api/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(http.MethodGet, "/api/runs/"+run.ID+"/edits", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = ts.do(http.MethodGet, "/api/edits/recent?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = ts.do(http.MethodGet, "/api/layers/traps/objects/3/edits", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = ts.do(http.MethodGet, "/api/layers/traps/objects/x/edits", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["total_runs"])
}

func TestPhotoEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	run, err := ts.history.StartRun(ctx, "report", models.TriggerCLI, false)
	require.NoError(t, err)
	require.NoError(t, ts.history.Recorder(run.ID).RecordPhoto(ctx, models.ArchivedPhoto{
		Layer: "traps", ObjectID: 1, FileName: "a.jpg", Bucket: "b", Key: "a.jpg", ArchivedAt: time.Now(),
	}))

	w := ts.do(http.MethodGet, "/api/photos", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = ts.do(http.MethodGet, "/api/photos/search?q=a1&layer=traps&limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, search.SearchRequest{Query: "a1", Layer: "traps", Limit: 5}, ts.searcher.req)
	assert.Equal(t, float64(1), decode(t, w)["total_hits"])
}

func TestTriggerJob(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/jobs/report/run", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	select {
	case got := <-ts.runner.started:
		assert.Equal(t, "report/api", got)
	case <-time.After(time.Second):
		t.Fatal("job was not started")
	}

	w = ts.do(http.MethodPost, "/api/jobs/reindex/run", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(http.MethodPost, "/api/jobs/modify/run?dry_run=true", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ts.runner.busy = true
	w = ts.do(http.MethodPost, "/api/jobs/modify/run", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRunCleanupDefaultsToDryRun(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/cleanup/run", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, ts.runner.cleanup.DryRun)
	assert.Equal(t, 180, ts.runner.cleanup.RetentionDays)

	w = ts.do(http.MethodPost, "/api/cleanup/run", `{"retention_days": 30, "dry_run": false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, ts.runner.cleanup.DryRun)
	assert.Equal(t, 30, ts.runner.cleanup.RetentionDays)
	assert.Equal(t, 100, ts.runner.cleanup.MaxDeletionCount)
}

func TestRateLimitStatsAndSchedule(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/api/ratelimit/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(60), decode(t, w)["limit_per_minute"])

	w = ts.do(http.MethodGet, "/api/schedule", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["count"])
}
