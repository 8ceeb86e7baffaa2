package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/db"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/duplicate"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/estimator"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/scheduler"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/storage"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/tasks"
)

type fakeJobs struct {
	busy      bool
	triggered []string
	overrides []scheduler.Overrides
}

func (j *fakeJobs) TriggerWith(_ context.Context, name, _ string, o scheduler.Overrides) (*db.TaskExecutionRow, error) {
	if j.busy {
		return nil, scheduler.ErrBusy
	}
	j.triggered = append(j.triggered, name)
	j.overrides = append(j.overrides, o)
	return &db.TaskExecutionRow{ID: 42, TaskType: tasks.TypeEventGroups}, nil
}

func (j *fakeJobs) Status() scheduler.Status {
	return scheduler.Status{Running: true}
}

type fakeCache struct {
	lastFilter storage.GroupFilter
	lastForce  bool
}

func (c *fakeCache) GetOrGenerate(_ context.Context, filter storage.GroupFilter, force bool) (storage.CachedGroups, error) {
	c.lastFilter = filter
	c.lastForce = force
	return storage.CachedGroups{Key: "k", Filter: filter, Cached: !force}, nil
}

func (c *fakeCache) ClearAll(context.Context) (int64, error) {
	return 4, nil
}

type fakeDuplicates struct {
	running   map[int64]bool
	started   []int64
	retrigger []int64
	newsIDs   []int64
}

func (d *fakeDuplicates) Start(_ context.Context, digestID int64, newsIDs []int64) error {
	if digestID == 404 {
		return duplicate.ErrDigestNotFound
	}
	if d.running[digestID] {
		return duplicate.ErrAlreadyRunning
	}
	d.started = append(d.started, digestID)
	d.newsIDs = newsIDs
	return nil
}

func (d *fakeDuplicates) Retrigger(_ context.Context, digestID int64, newsIDs []int64) error {
	d.retrigger = append(d.retrigger, digestID)
	d.newsIDs = newsIDs
	return nil
}

func (d *fakeDuplicates) Clear(context.Context, int64) (int64, error) {
	return 2, nil
}

func (d *fakeDuplicates) Status(_ context.Context, digestID int64) (duplicate.StatusReport, error) {
	if digestID == 404 {
		return duplicate.StatusReport{}, duplicate.ErrDigestNotFound
	}
	return duplicate.StatusReport{DigestID: digestID, Status: duplicate.DigestCompleted}, nil
}

func (d *fakeDuplicates) Estimate(_ context.Context, _ int64, newsIDs []int64) (estimator.Estimation, error) {
	d.newsIDs = newsIDs
	return estimator.Estimation{TotalComparisons: 6, BufferFactor: 1.2}, nil
}

func (d *fakeDuplicates) Progress(context.Context, int64) (estimator.Progress, error) {
	return estimator.Progress{CompletedComparisons: 3, TotalComparisons: 6, Percent: 50}, nil
}

type fakeTasks struct {
	lastFilter tasks.ListFilter
	reason     string
}

func (f *fakeTasks) List(_ context.Context, filter tasks.ListFilter) (tasks.ListResult, error) {
	f.lastFilter = filter
	return tasks.ListResult{Limit: filter.Limit, Offset: filter.Offset}, nil
}

func (f *fakeTasks) Get(_ context.Context, id int64) (*db.TaskExecutionRow, error) {
	if id != 7 {
		return nil, tasks.ErrTaskNotFound
	}
	return &db.TaskExecutionRow{ID: 7, TaskType: tasks.TypeCacheCleanup, Status: tasks.StatusSuccess}, nil
}

func (f *fakeTasks) Running(context.Context) ([]db.TaskExecutionRow, error) {
	return []db.TaskExecutionRow{{ID: 9, TaskType: tasks.TypeEventGroups, Status: tasks.StatusRunning}}, nil
}

func (f *fakeTasks) Statistics(_ context.Context, days int) (tasks.Statistics, error) {
	return tasks.Statistics{PeriodDays: days}, nil
}

func (f *fakeTasks) CleanupOld(_ context.Context, days int) (int64, error) {
	return int64(days), nil
}

func (f *fakeTasks) ForceCompleteRunning(_ context.Context, reason string) (int, error) {
	f.reason = reason
	return 1, nil
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestServer(deps Dependencies) *Server {
	return NewServer(deps, zerolog.Nop(), Options{})
}

func doRequest(t *testing.T, server *Server, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rec, env
}

func TestComputeTriggers(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{}
	server := newTestServer(Dependencies{Jobs: jobs})

	for _, path := range []string{"/api/v1/similarity/compute", "/api/v1/similarity/compute-groups", "/api/v1/similarity/compute-all"} {
		rec, env := doRequest(t, server, http.MethodPost, path, "")
		if rec.Code != http.StatusAccepted || env.Status != "success" {
			t.Fatalf("unexpected response for %s: %d %s", path, rec.Code, rec.Body.String())
		}
		if !strings.Contains(string(env.Data), `"execution_id":42`) {
			t.Fatalf("expected execution id in %s", env.Data)
		}
	}
	if !slices.Equal(jobs.triggered, []string{scheduler.JobSimilarities, scheduler.JobGroups, tasks.TypeEventGroups}) {
		t.Fatalf("unexpected triggered jobs: %v", jobs.triggered)
	}

	jobs.busy = true
	rec, env := doRequest(t, server, http.MethodPost, "/api/v1/similarity/compute-all", "")
	if rec.Code != http.StatusConflict || env.Status != "fail" {
		t.Fatalf("expected conflict, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestComputeTriggerOverrides(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{}
	server := newTestServer(Dependencies{Jobs: jobs})

	rec, env := doRequest(t, server, http.MethodPost, "/api/v1/similarity/compute-all?hours=24&force=true&parallel=false", "")
	if rec.Code != http.StatusAccepted || !strings.Contains(string(env.Data), `"force":true`) {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
	got := jobs.overrides[0]
	if got.Hours != 24 || !got.Force || got.Parallel == nil || *got.Parallel {
		t.Fatalf("query overrides not bound: %+v", got)
	}

	rec, _ = doRequest(t, server, http.MethodPost, "/api/v1/similarity/compute?hours=24", `{"hours":6,"force":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
	got = jobs.overrides[1]
	if got.Hours != 6 || !got.Force || got.Parallel != nil {
		t.Fatalf("body overrides not bound: %+v", got)
	}

	rec, _ = doRequest(t, server, http.MethodPost, "/api/v1/similarity/compute-groups", "")
	if rec.Code != http.StatusAccepted || jobs.overrides[2] != (scheduler.Overrides{}) {
		t.Fatalf("expected no overrides: %d %+v", rec.Code, jobs.overrides[2])
	}

	for _, target := range []string{
		"/api/v1/similarity/compute-all?hours=500",
		"/api/v1/similarity/compute-all?force=maybe",
		"/api/v1/similarity/compute-all?parallel=x",
	} {
		rec, env := doRequest(t, server, http.MethodPost, target, "")
		if rec.Code != http.StatusBadRequest || env.Status != "fail" {
			t.Fatalf("expected validation failure for %s, got %d", target, rec.Code)
		}
	}
	rec, _ = doRequest(t, server, http.MethodPost, "/api/v1/similarity/compute-all", `{"hours":0}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected body hours validation, got %d", rec.Code)
	}
	if len(jobs.triggered) != 3 {
		t.Fatalf("invalid requests must not trigger jobs: %v", jobs.triggered)
	}
}

func TestGroupsQueryParsing(t *testing.T) {
	t.Parallel()

	cache := &fakeCache{}
	server := newTestServer(Dependencies{Cache: cache})

	rec, _ := doRequest(t, server, http.MethodGet, "/api/v1/similarity/groups?hours=48&categories=a,b&categories=c&source_ids=3,5&exclude_used=false&force_refresh=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	filter := cache.lastFilter
	if filter.Hours != 48 || filter.ExcludeUsed || !cache.lastForce {
		t.Fatalf("unexpected filter: %+v force=%v", filter, cache.lastForce)
	}
	if !slices.Equal(filter.Categories, []string{"a", "b", "c"}) || !slices.Equal(filter.SourceIDs, []int64{3, 5}) {
		t.Fatalf("unexpected list params: %+v", filter)
	}

	rec, env := doRequest(t, server, http.MethodGet, "/api/v1/similarity/groups?hours=0", "")
	if rec.Code != http.StatusBadRequest || !strings.Contains(string(env.Data), "hours") {
		t.Fatalf("expected validation failure, got %d %s", rec.Code, rec.Body.String())
	}

	rec, _ = doRequest(t, server, http.MethodPost, "/api/v1/similarity/clear-cache", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"removed":4`) {
		t.Fatalf("unexpected clear response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestDuplicateRoutes(t *testing.T) {
	t.Parallel()

	dups := &fakeDuplicates{running: map[int64]bool{11: true}}
	server := newTestServer(Dependencies{Duplicates: dups})

	rec, _ := doRequest(t, server, http.MethodPost, "/api/v1/digests/10/duplicates", `{"news_ids":[1,2]}`)
	if rec.Code != http.StatusAccepted || !slices.Equal(dups.started, []int64{10}) || !slices.Equal(dups.newsIDs, []int64{1, 2}) {
		t.Fatalf("unexpected start: %d %v %v", rec.Code, dups.started, dups.newsIDs)
	}

	rec, _ = doRequest(t, server, http.MethodPost, "/api/v1/digests/10/duplicates", `{"force":true}`)
	if rec.Code != http.StatusAccepted || !slices.Equal(dups.retrigger, []int64{10}) {
		t.Fatalf("unexpected retrigger: %d %v", rec.Code, dups.retrigger)
	}

	rec, _ = doRequest(t, server, http.MethodPost, "/api/v1/digests/11/duplicates", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected conflict for running digest, got %d", rec.Code)
	}

	rec, _ = doRequest(t, server, http.MethodGet, "/api/v1/digests/404/duplicates", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", rec.Code)
	}

	rec, _ = doRequest(t, server, http.MethodGet, "/api/v1/digests/abc/duplicates", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", rec.Code)
	}

	rec, env := doRequest(t, server, http.MethodGet, "/api/v1/digests/10/duplicates/estimate?news_ids=4,5", "")
	if rec.Code != http.StatusOK || !strings.Contains(string(env.Data), `"total_comparisons":6`) || !slices.Equal(dups.newsIDs, []int64{4, 5}) {
		t.Fatalf("unexpected estimate: %d %s", rec.Code, rec.Body.String())
	}

	rec, env = doRequest(t, server, http.MethodGet, "/api/v1/digests/10/duplicates/progress", "")
	if rec.Code != http.StatusOK || !strings.Contains(string(env.Data), `"current_progress":50`) {
		t.Fatalf("unexpected progress: %d %s", rec.Code, rec.Body.String())
	}

	rec, _ = doRequest(t, server, http.MethodDelete, "/api/v1/digests/10/duplicates", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"removed":2`) {
		t.Fatalf("unexpected clear: %d %s", rec.Code, rec.Body.String())
	}
}

func TestTaskRoutes(t *testing.T) {
	t.Parallel()

	ledger := &fakeTasks{}
	server := newTestServer(Dependencies{Tasks: ledger, Jobs: &fakeJobs{}})

	rec, _ := doRequest(t, server, http.MethodGet, "/api/v1/tasks?task_type=event_groups&status=ERROR&limit=20&offset=40&start=2025-04-01", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected list status: %d %s", rec.Code, rec.Body.String())
	}
	filter := ledger.lastFilter
	if filter.TaskType != tasks.TypeEventGroups || filter.Status != tasks.StatusError || filter.Limit != 20 || filter.Offset != 40 || filter.Start == nil {
		t.Fatalf("unexpected list filter: %+v", filter)
	}

	rec, _ = doRequest(t, server, http.MethodGet, "/api/v1/tasks?start=2025-04-02&end=2025-04-01", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected inverted range rejection, got %d", rec.Code)
	}

	rec, _ = doRequest(t, server, http.MethodGet, "/api/v1/tasks/7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected detail status: %d", rec.Code)
	}
	rec, _ = doRequest(t, server, http.MethodGet, "/api/v1/tasks/8", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", rec.Code)
	}

	rec, env := doRequest(t, server, http.MethodGet, "/api/v1/tasks/statistics?days=3", "")
	if rec.Code != http.StatusOK || !strings.Contains(string(env.Data), `"period_days":3`) {
		t.Fatalf("unexpected statistics: %d %s", rec.Code, rec.Body.String())
	}

	rec, _ = doRequest(t, server, http.MethodPost, "/api/v1/tasks/force-complete?reason=stuck", "")
	if rec.Code != http.StatusOK || ledger.reason != "stuck" {
		t.Fatalf("unexpected force complete: %d %q", rec.Code, ledger.reason)
	}

	rec, env = doRequest(t, server, http.MethodGet, "/api/v1/similarity/status", "")
	if rec.Code != http.StatusOK || !strings.Contains(string(env.Data), `"is_running":true`) {
		t.Fatalf("unexpected similarity status: %d %s", rec.Code, rec.Body.String())
	}
}

func TestMissingDependenciesAnswerUnavailable(t *testing.T) {
	t.Parallel()

	server := newTestServer(Dependencies{})
	for _, path := range []string{"/api/v1/similarity/statistics", "/api/v1/tasks", "/api/v1/digests/1/duplicates"} {
		rec, _ := doRequest(t, server, http.MethodGet, path, "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503 for %s, got %d", path, rec.Code)
		}
	}

	rec, env := doRequest(t, server, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(string(env.Data), `"database":"unconfigured"`) {
		t.Fatalf("unexpected health: %d %s", rec.Code, rec.Body.String())
	}

	rec, env = doRequest(t, server, http.MethodGet, "/api/v1/nope", "")
	if rec.Code != http.StatusNotFound || env.Status != "fail" {
		t.Fatalf("expected jsend 404, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := newTestServer(Dependencies{})
	rec, _ := doRequest(t, server, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("unexpected metrics response: %d", rec.Code)
	}
}
