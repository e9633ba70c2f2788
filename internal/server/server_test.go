package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"podium/internal/config"
	"podium/internal/credentials"
	"podium/internal/dispatch"
	"podium/internal/evaluator"
	"podium/internal/fingerprint"
	"podium/internal/metrics"
	"podium/internal/plan"
	"podium/internal/queue"
	"podium/internal/store"
	"podium/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type serverEnv struct {
	store  *store.Store
	queue  *queue.Memory
	router http.Handler
}

func newServer(t *testing.T, adminToken string, eval evaluator.Evaluator) *serverEnv {
	t.Helper()

	s, err := store.OpenMemory(zap.NewNop())
	require.NoError(t, err)
	q := queue.NewMemory(time.Minute, zap.NewNop())
	v, err := credentials.NewVault("", time.Hour, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		q.Close()
		v.Close()
		s.Close()
	})

	validator := plan.NewValidator(config.NewTaxonomy(nil),
		config.LimitsConfig{MaxSampleSize: 1000, MaxModels: 10})
	m := metrics.New()
	disp := dispatch.New(s, q, v, validator,
		dispatch.Options{CacheTTL: 24 * time.Hour, MinReuseSamples: 10}, m, zap.NewNop())

	cfg := config.DefaultConfig()
	cfg.Server.AdminToken = adminToken
	cfg.Worker.Concurrency = 3

	if eval == nil {
		eval = evaluator.NewStub("hret-test", 0, nil)
	}
	srv := New(s, q, disp, eval, m, cfg, zap.NewNop())
	return &serverEnv{store: s, queue: q, router: srv.Router()}
}

func (e *serverEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		if raw, ok := body.(string); ok {
			rd = bytes.NewReader([]byte(raw))
		} else {
			buf, err := json.Marshal(body)
			require.NoError(t, err)
			rd = bytes.NewReader(buf)
		}
	}

	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), "body: %s", rec.Body.String())
}

func evalPlan(models ...string) types.Plan {
	configs := make([]types.ModelConfig, len(models))
	for i, name := range models {
		configs[i] = types.ModelConfig{
			Name:     name,
			Endpoint: "https://api.example.com/v1",
			APIKey:   "sk-" + name,
		}
	}
	return types.Plan{
		SchemaVersion: types.PlanSchemaVersion,
		ProblemType:   types.ProblemMCQA,
		TargetType:    types.TargetLocal,
		TaskType:      types.TaskKnowledge,
		Language:      "korean",
		SubjectTypes:  []string{"Tech.", "Science"},
		SampleSize:    25,
		Models:        configs,
	}
}

// seedRows writes one fresh aggregate row per (model, subject) pair and
// returns the fingerprint they were stored under.
func seedRows(t *testing.T, e *serverEnv, models ...string) string {
	t.Helper()

	fp, err := fingerprint.Compute(evalPlan(models...), nil)
	require.NoError(t, err)

	var aggs []store.SampleAggregate
	for _, m := range models {
		for _, subject := range []string{"Tech.", "Science"} {
			aggs = append(aggs, store.SampleAggregate{
				ModelName:    m,
				SubjectLabel: subject,
				Score:        0.8,
				SampleCount:  25,
			})
		}
	}
	_, err = e.store.UpsertAggregates(context.Background(), fp, "korean", "Knowledge",
		"seed-task", "hret-0.3", aggs)
	require.NoError(t, err)
	return fp
}

func browseRowIDs(t *testing.T, e *serverEnv) []int64 {
	t.Helper()
	rec := e.do(t, http.MethodGet, "/api/v1/leaderboard", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Rows []*types.AggregateRow `json:"rows"`
	}
	decodeBody(t, rec, &body)

	ids := make([]int64, len(body.Rows))
	for i, row := range body.Rows {
		ids[i] = row.RowID
	}
	return ids
}

func TestSubmitAndPollTask(t *testing.T) {
	e := newServer(t, "", nil)

	rec := e.do(t, http.MethodPost, "/api/v1/evaluate", "", evalPlan("alpha"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var receipt dispatch.Receipt
	decodeBody(t, rec, &receipt)
	require.NotEmpty(t, receipt.TaskID)
	assert.Equal(t, types.StatusPending, receipt.Status)
	assert.False(t, receipt.Cached)

	rec = e.do(t, http.MethodGet, "/api/v1/tasks/"+receipt.TaskID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var task types.Task
	decodeBody(t, rec, &task)
	assert.Equal(t, receipt.TaskID, task.ID)
	assert.Equal(t, types.StatusPending, task.Status)
	assert.NotContains(t, rec.Body.String(), "sk-alpha", "credentials must never leave the vault")
}

func TestSubmitValidationFailures(t *testing.T) {
	e := newServer(t, "", nil)

	rec := e.do(t, http.MethodPost, "/api/v1/evaluate", "", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bad := evalPlan("alpha")
	bad.ProblemType = "Essay"
	rec = e.do(t, http.MethodPost, "/api/v1/evaluate", "", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(types.KindValidation))

	// Nothing reaches the registry on rejection.
	tasks, err := e.store.ListTasks(context.Background(), types.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestSubmitServesCacheHit(t *testing.T) {
	e := newServer(t, "", nil)
	seedRows(t, e, "alpha")

	rec := e.do(t, http.MethodPost, "/api/v1/evaluate", "", evalPlan("alpha"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var receipt dispatch.Receipt
	decodeBody(t, rec, &receipt)
	assert.True(t, receipt.Cached)
	assert.Equal(t, types.StatusSuccess, receipt.Status)
	assert.Len(t, receipt.Rows, 2)
	assert.Contains(t, rec.Body.String(), `"result"`)
}

func TestListTasksFilters(t *testing.T) {
	e := newServer(t, "", nil)
	e.do(t, http.MethodPost, "/api/v1/evaluate", "", evalPlan("alpha"))
	e.do(t, http.MethodPost, "/api/v1/evaluate", "", evalPlan("beta"))

	rec := e.do(t, http.MethodGet, "/api/v1/tasks", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Tasks []*types.Task `json:"tasks"`
		Count int           `json:"count"`
	}
	decodeBody(t, rec, &listing)
	assert.Equal(t, 2, listing.Count)

	rec = e.do(t, http.MethodGet, "/api/v1/tasks?status=pending", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &listing)
	assert.Equal(t, 2, listing.Count)

	rec = e.do(t, http.MethodGet, "/api/v1/tasks?status=success", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &listing)
	assert.Zero(t, listing.Count)

	rec = e.do(t, http.MethodGet, "/api/v1/tasks?status=walrus", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/tasks?kind=cleanup", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &listing)
	assert.Zero(t, listing.Count)
}

func TestGetTaskNotFound(t *testing.T) {
	e := newServer(t, "", nil)
	rec := e.do(t, http.MethodGet, "/api/v1/tasks/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), string(types.KindNotFound))
}

func TestCancelFlow(t *testing.T) {
	e := newServer(t, "", nil)

	rec := e.do(t, http.MethodPost, "/api/v1/evaluate", "", evalPlan("alpha"))
	var receipt dispatch.Receipt
	decodeBody(t, rec, &receipt)

	rec = e.do(t, http.MethodPatch, "/api/v1/tasks/"+receipt.TaskID, "",
		map[string]string{"action": "cancel", "reason": "test"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var task types.Task
	decodeBody(t, rec, &task)
	assert.Equal(t, types.StatusCancelled, task.Status)

	rec = e.do(t, http.MethodPatch, "/api/v1/tasks/"+receipt.TaskID, "",
		map[string]string{"action": "cancel"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPatch, "/api/v1/tasks/"+receipt.TaskID, "",
		map[string]string{"action": "explode"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPatch, "/api/v1/tasks/ghost", "",
		map[string]string{"action": "cancel"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLeaderboardBrowseAndModeration(t *testing.T) {
	e := newServer(t, "", nil)
	seedRows(t, e, "alpha", "beta")

	rec := e.do(t, http.MethodGet, "/api/v1/leaderboard", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var browse struct {
		Rows  []*types.AggregateRow `json:"rows"`
		Count int                   `json:"count"`
	}
	decodeBody(t, rec, &browse)
	assert.Equal(t, 4, browse.Count)

	rec = e.do(t, http.MethodGet, "/api/v1/leaderboard?model_name=alpha", "", nil)
	decodeBody(t, rec, &browse)
	assert.Equal(t, 2, browse.Count)

	rec = e.do(t, http.MethodGet, "/api/v1/leaderboard?score_min=not-a-number", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/leaderboard/categories", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cats types.Categories
	decodeBody(t, rec, &cats)
	assert.Equal(t, []string{"korean"}, cats.Languages)
	assert.Contains(t, cats.SubjectTypes, "Tech.")

	// Quarantine the first two rows, browse hides them, restore brings
	// them back.
	ids := browseRowIDs(t, e)
	require.Len(t, ids, 4)

	rec = e.do(t, http.MethodPost, "/api/v1/leaderboard/quarantine", "",
		map[string]interface{}{"row_ids": ids[:2], "reason": "suspect data"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated struct {
		Updated int64 `json:"updated"`
	}
	decodeBody(t, rec, &updated)
	assert.EqualValues(t, 2, updated.Updated)

	assert.Len(t, browseRowIDs(t, e), 2)

	rec = e.do(t, http.MethodGet, "/api/v1/leaderboard?include_quarantined=true", "", nil)
	decodeBody(t, rec, &browse)
	assert.Equal(t, 4, browse.Count, "open admin sees quarantined rows on request")

	rec = e.do(t, http.MethodPost, "/api/v1/leaderboard/restore", "",
		map[string]interface{}{"row_ids": ids[:2]})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, browseRowIDs(t, e), 4)
}

func TestModerationValidation(t *testing.T) {
	e := newServer(t, "", nil)
	seedRows(t, e, "alpha")

	rec := e.do(t, http.MethodPost, "/api/v1/leaderboard/quarantine", "",
		map[string]interface{}{"row_ids": []int64{}, "reason": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ids := browseRowIDs(t, e)
	rec = e.do(t, http.MethodPost, "/api/v1/leaderboard/quarantine", "",
		map[string]interface{}{"row_ids": ids})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "reason")
}

func TestAdminTokenGuard(t *testing.T) {
	e := newServer(t, "sekrit", nil)
	seedRows(t, e, "alpha")
	ids := browseRowIDs(t, e)

	body := map[string]interface{}{"row_ids": ids, "reason": "bad"}

	rec := e.do(t, http.MethodPost, "/api/v1/leaderboard/quarantine", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/leaderboard/quarantine", "wrong", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/admin/audit", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/leaderboard/quarantine", "sekrit", body)
	require.Equal(t, http.StatusOK, rec.Code)

	// Quarantined rows stay hidden from anonymous browsers even when they
	// ask for them.
	rec = e.do(t, http.MethodGet, "/api/v1/leaderboard?include_quarantined=true", "", nil)
	var browse struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &browse)
	assert.Zero(t, browse.Count)

	rec = e.do(t, http.MethodGet, "/api/v1/leaderboard?include_quarantined=true", "sekrit", nil)
	decodeBody(t, rec, &browse)
	assert.Equal(t, 2, browse.Count)
}

func TestDeleteRowAndAuditTrail(t *testing.T) {
	e := newServer(t, "", nil)
	seedRows(t, e, "alpha")
	ids := browseRowIDs(t, e)
	require.Len(t, ids, 2)

	rec := e.do(t, http.MethodPost, "/api/v1/leaderboard/quarantine", "",
		map[string]interface{}{"row_ids": ids[:1], "reason": "noise"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodPost, "/api/v1/leaderboard/restore", "",
		map[string]interface{}{"row_ids": ids[:1]})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/leaderboard/%d", ids[0]), "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/leaderboard/%d", ids[0]), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodDelete, "/api/v1/leaderboard/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/admin/audit", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var audit struct {
		Entries []*types.AuditEntry `json:"entries"`
		Count   int                 `json:"count"`
	}
	decodeBody(t, rec, &audit)
	require.Equal(t, 3, audit.Count)
	assert.Equal(t, "delete", audit.Entries[0].Action)
	assert.Equal(t, "restore", audit.Entries[1].Action)
	assert.Equal(t, "quarantine", audit.Entries[2].Action)
}

func TestCleanupEndpoint(t *testing.T) {
	e := newServer(t, "", nil)

	rec := e.do(t, http.MethodPost, "/api/v1/maintenance/cleanup", "",
		map[string]interface{}{"resources": []string{"tasks", "cache"}, "days_old": 30, "dry_run": true})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var receipt dispatch.Receipt
	decodeBody(t, rec, &receipt)
	require.NotEmpty(t, receipt.TaskID)

	rec = e.do(t, http.MethodGet, "/api/v1/tasks/"+receipt.TaskID, "", nil)
	var task types.Task
	decodeBody(t, rec, &task)
	assert.Equal(t, types.TaskKindCleanup, task.Kind)

	rec = e.do(t, http.MethodPost, "/api/v1/maintenance/cleanup", "",
		map[string]interface{}{"resources": []string{"everything"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// brokenEval reports an unreachable engine.
type brokenEval struct {
	evaluator.Evaluator
}

func (brokenEval) Ping(ctx context.Context) error {
	return types.NewError(types.KindEvaluatorRetryable, "harness offline")
}

func TestHealthEndpoint(t *testing.T) {
	e := newServer(t, "", nil)

	rec := e.do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]string
	decodeBody(t, rec, &health)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "ok", health["cache"])
	assert.Equal(t, "ok", health["queue"])
	assert.Equal(t, "available", health["evaluator"])

	down := newServer(t, "", brokenEval{Evaluator: evaluator.NewStub("hret-test", 0, nil)})
	rec = down.do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	decodeBody(t, rec, &health)
	assert.Equal(t, "degraded", health["status"])
	assert.Equal(t, "unavailable", health["evaluator"])
}

func TestStatsEndpoint(t *testing.T) {
	e := newServer(t, "", nil)
	e.do(t, http.MethodPost, "/api/v1/evaluate", "", evalPlan("alpha"))
	seedRows(t, e, "beta")

	rec := e.do(t, http.MethodGet, "/api/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats struct {
		Tasks      types.TaskStats  `json:"tasks"`
		Cache      store.CacheStats `json:"cache"`
		QueueDepth int64            `json:"queue_depth"`
		Workers    int              `json:"workers"`
	}
	decodeBody(t, rec, &stats)
	assert.Equal(t, 1, stats.Tasks.Total)
	assert.Equal(t, 1, stats.Tasks.InFlight)
	assert.EqualValues(t, 2, stats.Cache.Rows)
	assert.EqualValues(t, 1, stats.QueueDepth)
	assert.Equal(t, 3, stats.Workers)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newServer(t, "", nil)
	e.do(t, http.MethodPost, "/api/v1/evaluate", "", evalPlan("alpha"))

	rec := e.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "podium_dispatch_submissions_total")
	assert.Contains(t, rec.Body.String(), "podium_queue_depth")
}
