package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansplan/schedsync/internal/dispatch"
	"github.com/ansplan/schedsync/internal/docstore"
	"github.com/ansplan/schedsync/internal/docstore/memstore"
	"github.com/ansplan/schedsync/internal/reconcile"
	"github.com/ansplan/schedsync/internal/schedule"
	"github.com/ansplan/schedsync/internal/scheduler"
)

type queued struct {
	groupID int64
	from    time.Time
	weeks   int
}

type fakeSyncer struct {
	calls []queued
	err   error
}

func (f *fakeSyncer) QueueGroup(ctx context.Context, groupID int64, from time.Time, weeks int) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, queued{groupID, from, weeks})
	return "job-1", nil
}

type fakeEntries []scheduler.Scheduled

func (f fakeEntries) Entries() []scheduler.Scheduled { return f }

var cet = time.FixedZone("CET", 3600)

func newTestRouter(t *testing.T, healthy bool) (*mux.Router, *fakeSyncer, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	sync := &fakeSyncer{}
	r := NewRouter(Options{
		Syncer:   sync,
		Reader:   schedule.NewService(st, reconcile.Normalizer{Location: cet}, zerolog.Nop()),
		Entries:  fakeEntries{{Name: "current_week", Spec: "*/15 * * * *"}},
		Healthy:  func() bool { return healthy },
		Location: cet,
		Log:      zerolog.Nop(),
	})
	return r, sync, st
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	r, _, _ := newTestRouter(t, true)
	rr := do(t, r, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "healthy", decode(t, rr)["status"])

	r, _, _ = newTestRouter(t, false)
	rr = do(t, r, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "unhealthy", decode(t, rr)["status"])
}

func TestMetricsAndJobs(t *testing.T) {
	r, _, _ := newTestRouter(t, true)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/metrics").Code)

	rr := do(t, r, http.MethodGet, "/api/jobs")
	require.Equal(t, http.StatusOK, rr.Code)
	jobs := decode(t, rr)["jobs"].([]any)
	require.Len(t, jobs, 1)
	assert.Equal(t, "current_week", jobs[0].(map[string]any)["name"])
}

func TestTriggerSync(t *testing.T) {
	r, sync, _ := newTestRouter(t, true)

	rr := do(t, r, http.MethodPost, "/api/groups/42/sync?weeks=5&from=2025-01-08")
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	body := decode(t, rr)
	assert.Equal(t, "job-1", body["jobId"])
	assert.Equal(t, "2025-01-08", body["from"])

	require.Len(t, sync.calls, 1)
	assert.Equal(t, int64(42), sync.calls[0].groupID)
	assert.Equal(t, 5, sync.calls[0].weeks)
	assert.Equal(t, time.Date(2025, 1, 8, 0, 0, 0, 0, cet), sync.calls[0].from)
}

func TestTriggerSync_Validation(t *testing.T) {
	r, sync, _ := newTestRouter(t, true)
	for _, target := range []string{
		"/api/groups/abc/sync",
		"/api/groups/0/sync",
		"/api/groups/42/sync?weeks=-1",
		"/api/groups/42/sync?weeks=x",
		"/api/groups/42/sync?from=08.01.2025",
	} {
		rr := do(t, r, http.MethodPost, target)
		assert.Equal(t, http.StatusBadRequest, rr.Code, target)
	}
	assert.Empty(t, sync.calls)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, r, http.MethodGet, "/api/groups/42/sync").Code)
}

func TestTriggerSync_QueueFull(t *testing.T) {
	r, sync, _ := newTestRouter(t, true)
	sync.err = &dispatch.QueueFullError{Shard: 0, Length: 1, Capacity: 1}
	assert.Equal(t, http.StatusServiceUnavailable, do(t, r, http.MethodPost, "/api/groups/42/sync").Code)

	sync.err = dispatch.ErrClosed
	assert.Equal(t, http.StatusServiceUnavailable, do(t, r, http.MethodPost, "/api/groups/42/sync").Code)
}

func TestReadRoutes(t *testing.T) {
	r, _, st := newTestRouter(t, true)
	ctx := context.Background()
	start := time.Date(2025, 1, 10, 8, 0, 0, 0, cet)
	require.NoError(t, st.Commit(ctx, []docstore.Op{
		docstore.Upsert(docstore.Join(reconcile.ClassesPath(42), "c1"), map[string]any{
			"subjectShortName": "ALG",
			"startTime":        start.UnixMilli(),
			"endTime":          start.Add(90 * time.Minute).UnixMilli(),
			"day":              "2025-01-10",
			"weekId":           "1736118000000",
		}),
		docstore.Upsert("groupDetails/42", map[string]any{"groupName": "Grupa 1"}),
	}))

	rr := do(t, r, http.MethodGet, "/api/groups/42/days/2025-01-10")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode(t, rr)["classes"], 1)

	rr = do(t, r, http.MethodGet, "/api/groups/42/weeks/1736118000000")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode(t, rr)["classes"], 1)

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/api/groups/42/days/10.01.2025").Code)

	rr = do(t, r, http.MethodGet, "/api/groups?ids=42,7")
	require.Equal(t, http.StatusOK, rr.Code)
	groups := decode(t, rr)["groups"].([]any)
	require.Len(t, groups, 2)
	assert.Equal(t, "Grupa 1", groups[0].(map[string]any)["name"])
	assert.Equal(t, "Unknown group", groups[1].(map[string]any)["name"])

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/api/groups").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/api/groups?ids=x").Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/api/groups/tree").Code)
}

func TestRecover(t *testing.T) {
	h := Recover(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rr := do(t, h, http.MethodGet, "/")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotEmpty(t, rr.Body.String())

	h = Recover(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/").Code)
}
