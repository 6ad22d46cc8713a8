package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansplan/schedsync/internal/alert"
	"github.com/ansplan/schedsync/internal/batch"
	"github.com/ansplan/schedsync/internal/dispatch"
	"github.com/ansplan/schedsync/internal/docstore"
	"github.com/ansplan/schedsync/internal/docstore/memstore"
	"github.com/ansplan/schedsync/internal/grouptree"
	"github.com/ansplan/schedsync/internal/model"
	"github.com/ansplan/schedsync/internal/reconcile"
	"github.com/ansplan/schedsync/internal/semester"
	"github.com/ansplan/schedsync/internal/upstream"
)

var cet = time.FixedZone("CET", 3600)

// Wednesday of the week starting Monday 2025-01-06.
var wednesday = time.Date(2025, 1, 8, 10, 0, 0, 0, cet)

type fakeFetcher struct {
	mu       sync.Mutex
	weeks    map[int64]map[string][]upstream.ClassItem
	errs     map[int64]error
	errWeek  map[string]error
	roots    []model.GroupNode
	treeErr  error
	calls    map[int64]int
	treeCall []int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		weeks:   map[int64]map[string][]upstream.ClassItem{},
		errs:    map[int64]error{},
		errWeek: map[string]error{},
		calls:   map[int64]int{},
	}
}

func (f *fakeFetcher) set(gid int64, ws time.Time, items ...upstream.ClassItem) {
	if f.weeks[gid] == nil {
		f.weeks[gid] = map[string][]upstream.ClassItem{}
	}
	f.weeks[gid][semester.WeekID(ws)] = items
}

func (f *fakeFetcher) Week(ctx context.Context, gid int64, ws time.Time) ([]upstream.ClassItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[gid]++
	if err := f.errs[gid]; err != nil {
		return nil, err
	}
	if err := f.errWeek[semester.WeekID(ws)]; err != nil {
		return nil, err
	}
	return f.weeks[gid][semester.WeekID(ws)], nil
}

func (f *fakeFetcher) GroupTree(ctx context.Context, semID int) ([]model.GroupNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.treeCall = append(f.treeCall, semID)
	return f.roots, f.treeErr
}

func (f *fakeFetcher) callsFor(gid int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[gid]
}

func strp(s string) *string { return &s }

func class(id string, start time.Time, short string) upstream.ClassItem {
	return upstream.ClassItem{
		IDSpotkania:             &upstream.MeetingRef{IDSpotkania: upstream.ID(id)},
		DataRozpoczecia:         upstream.Millis(start.UnixMilli()),
		DataZakonczenia:         upstream.Millis(start.Add(90 * time.Minute).UnixMilli()),
		NazwaSkroconaPrzedmiotu: strp(short),
		Wykladowcy:              []upstream.LecturerItem{{IDProwadzacego: 1, StopienImieNazwisko: strp("dr X")}},
	}
}

func monday() time.Time { return semester.WeekStart(wednesday, cet) }

type fixture struct {
	store   *memstore.Store
	fetcher *fakeFetcher
	alerts  *alert.Recorder
	runner  *Runner
}

func newFixture(t *testing.T, cfg Config, deps Deps) *fixture {
	t.Helper()
	f := &fixture{store: memstore.New(), fetcher: newFakeFetcher(), alerts: &alert.Recorder{}}
	cfg.Location = cet
	if cfg.BatchCeiling == 0 {
		cfg.BatchCeiling = 490
	}
	deps.Store, deps.Fetcher, deps.Alerts = f.store, f.fetcher, f.alerts
	f.runner = New(cfg, deps, zerolog.Nop()).WithClock(func() time.Time { return wednesday })
	return f
}

// seedGroups stores dean groups for the 2024Z semester.
func (f *fixture) seedGroups(t *testing.T, ids ...int64) {
	t.Helper()
	var groups []model.GroupNode
	for _, id := range ids {
		id := id
		groups = append(groups, model.GroupNode{Kind: model.NodeDeanGroup, Label: fmt.Sprintf("G%d (Z)", id), ID: &id})
	}
	res := grouptree.Process(rootsWith(groups...), "2024-2025", 2024, zerolog.Nop())
	w := batch.NewWriter(f.store, 490, zerolog.Nop())
	w.AddAll(res.Ops)
	_, err := w.FlushAll(context.Background())
	require.NoError(t, err)
}

func rootsWith(groups ...model.GroupNode) []model.GroupNode {
	return []model.GroupNode{{Kind: model.NodeUnit, Label: "IEZI", Children: []model.GroupNode{{
		Kind: model.NodeStudyMode, Label: "I,D,PL", Children: []model.GroupNode{{
			Kind: model.NodeCycle, Label: "semestr 1", Children: groups,
		}},
	}}}}
}

func (f *fixture) classes(t *testing.T, gid int64) []docstore.Doc {
	t.Helper()
	docs, err := f.store.ListDocuments(context.Background(), reconcile.ClassesPath(gid))
	require.NoError(t, err)
	return docs
}

func TestSyncGroup_StopsAfterConsecutiveEmptyWeeks(t *testing.T) {
	f := newFixture(t, Config{MaxEmptyWeeks: 3}, Deps{})
	m := monday()
	f.fetcher.set(42, m, class("a", m.Add(8*time.Hour), "ALG"), class("b", m.Add(10*time.Hour), "ANA"))
	f.fetcher.set(42, semester.AddWeeks(m, 1), class("c", semester.AddWeeks(m, 1).Add(8*time.Hour), "ALG"))

	sum, err := f.runner.SyncGroup(context.Background(), 42, wednesday, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, f.fetcher.callsFor(42))
	assert.Equal(t, 5, sum.Weeks)
	assert.Equal(t, 3, sum.Changed)
	assert.Equal(t, 1, sum.Batches)
	assert.Len(t, f.classes(t, 42), 3)

	doc, err := f.store.Get(context.Background(), reconcile.GroupPath(42))
	require.NoError(t, err)
	assert.Contains(t, doc.Data, "lastUpdated")
}

func TestSyncGroup_SecondRunChangesNothing(t *testing.T) {
	f := newFixture(t, Config{}, Deps{})
	m := monday()
	f.fetcher.set(42, m, class("a", m.Add(8*time.Hour), "ALG"))

	_, err := f.runner.SyncGroup(context.Background(), 42, wednesday, 2)
	require.NoError(t, err)
	sum, err := f.runner.SyncGroup(context.Background(), 42, wednesday, 2)
	require.NoError(t, err)
	assert.Zero(t, sum.Changed)
}

func TestSyncGroup_RemovedClassIsDeleted(t *testing.T) {
	f := newFixture(t, Config{}, Deps{})
	m := monday()
	f.fetcher.set(42, m, class("a", m.Add(8*time.Hour), "ALG"), class("b", m.Add(10*time.Hour), "ANA"))
	_, err := f.runner.SyncGroup(context.Background(), 42, wednesday, 1)
	require.NoError(t, err)

	f.fetcher.set(42, m, class("a2", m.Add(8*time.Hour), "ALG"))
	sum, err := f.runner.SyncGroup(context.Background(), 42, wednesday, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Changed) // upstream id change + removal
	assert.Len(t, f.classes(t, 42), 1)
}

func TestSyncGroup_EmptyWeeksNotReconciledByDefault(t *testing.T) {
	f := newFixture(t, Config{}, Deps{})
	m := monday()
	f.fetcher.set(42, m, class("a", m.Add(8*time.Hour), "ALG"))
	_, err := f.runner.SyncGroup(context.Background(), 42, wednesday, 1)
	require.NoError(t, err)

	f.fetcher.set(42, m)
	_, err = f.runner.SyncGroup(context.Background(), 42, wednesday, 1)
	require.NoError(t, err)
	assert.Len(t, f.classes(t, 42), 1)

	f.runner.cfg.ReconcileEmptyWeeks = true
	_, err = f.runner.SyncGroup(context.Background(), 42, wednesday, 1)
	require.NoError(t, err)
	assert.Empty(t, f.classes(t, 42))
}

func TestSyncGroup_FetchErrorKeepsEarlierWeeks(t *testing.T) {
	f := newFixture(t, Config{}, Deps{})
	m := monday()
	f.fetcher.set(42, m, class("a", m.Add(8*time.Hour), "ALG"))
	f.fetcher.errWeek[semester.WeekID(semester.AddWeeks(m, 1))] = fmt.Errorf("fetch: %w", model.ErrUpstreamBlocked)

	_, err := f.runner.SyncGroup(context.Background(), 42, wednesday, 5)
	assert.ErrorIs(t, err, model.ErrUpstreamBlocked)
	assert.Len(t, f.classes(t, 42), 1)
	assert.Equal(t, 2, f.fetcher.callsFor(42))
}

func TestSyncCurrentWeek_CollectsPerGroupErrors(t *testing.T) {
	f := newFixture(t, Config{}, Deps{})
	f.seedGroups(t, 101, 102, 103)
	m := monday()
	f.fetcher.set(101, m, class("a", m.Add(8*time.Hour), "ALG"))
	f.fetcher.set(103, m, class("b", m.Add(8*time.Hour), "FIZ"))
	f.fetcher.errs[102] = fmt.Errorf("upstream: %w", model.ErrUpstreamAPI)

	sum, err := f.runner.SyncCurrentWeek(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUpstreamAPI)
	assert.Equal(t, 2, sum.Groups)
	assert.Equal(t, 2, sum.Changed)
	assert.Len(t, f.classes(t, 101), 1)
	assert.Len(t, f.classes(t, 103), 1)

	docs := f.classes(t, 101)
	assert.Equal(t, semester.WeekID(m), docs[0].Data["weekId"])
}

func TestSyncCurrentWeek_BlockedAbortsRun(t *testing.T) {
	f := newFixture(t, Config{}, Deps{})
	f.seedGroups(t, 101, 102)
	f.fetcher.errs[101] = fmt.Errorf("fetch: %w", model.ErrUpstreamBlocked)

	_, err := f.runner.SyncCurrentWeek(context.Background())
	assert.ErrorIs(t, err, model.ErrUpstreamBlocked)
	assert.Zero(t, f.fetcher.callsFor(102))
}

func TestJobs_VacationIsANoop(t *testing.T) {
	d := dispatch.New(dispatch.Config{}, zerolog.Nop())
	t.Cleanup(d.Stop)
	f := newFixture(t, Config{}, Deps{Dispatcher: d})
	f.seedGroups(t, 101)
	f.runner.WithClock(func() time.Time { return time.Date(2025, 8, 1, 12, 0, 0, 0, cet) })

	sum, err := f.runner.SyncCurrentWeek(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Groups)

	n, err := f.runner.DispatchFast(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.runner.UpdateGroups(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.fetcher.treeCall)
	assert.Zero(t, f.fetcher.callsFor(101))
}

func TestDispatchSemester_QueuesOneJobPerGroup(t *testing.T) {
	d := dispatch.New(dispatch.Config{Shards: 2, MaxAttempts: 1}, zerolog.Nop())
	t.Cleanup(d.Stop)
	f := newFixture(t, Config{FastWeeks: 2}, Deps{Dispatcher: d})
	f.seedGroups(t, 101, 102)
	m := monday()
	f.fetcher.set(101, m, class("a", m.Add(8*time.Hour), "ALG"))
	f.fetcher.set(102, semester.AddWeeks(m, 1), class("b", semester.AddWeeks(m, 1).Add(8*time.Hour), "FIZ"))

	n, err := f.runner.DispatchFast(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, d.Barrier(context.Background(), "101"))
	require.NoError(t, d.Barrier(context.Background(), "102"))
	assert.Len(t, f.classes(t, 101), 1)
	assert.Len(t, f.classes(t, 102), 1)
	assert.Equal(t, 2, f.fetcher.callsFor(101))
}

func TestUpdateGroups_StoresCatalogueAndTree(t *testing.T) {
	f := newFixture(t, Config{}, Deps{})
	id1, id2 := int64(555), int64(556)
	f.fetcher.roots = rootsWith(
		model.GroupNode{Kind: model.NodeDeanGroup, Label: "Grupa 1 (Z)", ID: &id1},
		model.GroupNode{Kind: model.NodeDeanGroup, Label: "Grupa 2 (L)", ID: &id2},
	)

	sum, err := f.runner.UpdateGroups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{88}, f.fetcher.treeCall)
	assert.Equal(t, 2, sum.Groups)
	assert.Equal(t, 1, sum.Tree)

	ids, err := grouptree.GroupIDsForSemester(context.Background(), f.store, "2024Z")
	require.NoError(t, err)
	assert.Equal(t, []int64{555}, ids)

	doc, err := f.store.Get(context.Background(), grouptree.TreePath)
	require.NoError(t, err)
	tree, err := grouptree.DecodeTree(doc.Data)
	require.NoError(t, err)
	require.Len(t, tree, 1)
	assert.Equal(t, "2024-2025", tree[0].Name)
}

func TestUpdateGroups_SkipsSummerAndEmptyTree(t *testing.T) {
	f := newFixture(t, Config{}, Deps{})
	f.runner.WithClock(func() time.Time { return time.Date(2025, 3, 3, 12, 0, 0, 0, cet) })
	_, err := f.runner.UpdateGroups(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.fetcher.treeCall)

	f.runner.WithClock(func() time.Time { return wednesday })
	sum, err := f.runner.UpdateGroups(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Roots)
	_, err = f.store.Get(context.Background(), grouptree.TreePath)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

type fakeSession struct {
	cred       model.Credential
	cached     bool
	refreshErr error
	refreshes  int
}

func (s *fakeSession) Peek() (model.Credential, bool) { return s.cred, s.cached }

func (s *fakeSession) Acquire(ctx context.Context) (model.Credential, error) {
	if s.refreshErr != nil {
		return model.Credential{}, s.refreshErr
	}
	s.cached = true
	return s.cred, nil
}

func (s *fakeSession) InvalidateAndRefresh(ctx context.Context) (model.Credential, error) {
	s.refreshes++
	if s.refreshErr != nil {
		return model.Credential{}, s.refreshErr
	}
	return s.cred, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context, cred model.Credential) error { return p.err }

func TestRenewSession(t *testing.T) {
	cases := []struct {
		name       string
		pingErr    error
		refreshErr error
		refreshes  int
		alerts     int
		wantErr    bool
	}{
		{name: "alive", refreshes: 0},
		{name: "expired", pingErr: model.ErrSessionExpired, refreshes: 1},
		{name: "transport error", pingErr: errors.New("connection refused"), refreshes: 1},
		{name: "unexpected response", pingErr: fmt.Errorf("ping: %w", model.ErrUpstreamAPI), alerts: 1},
		{name: "relogin fails", pingErr: model.ErrSessionExpired, refreshErr: model.ErrLoginFailed, refreshes: 1, alerts: 1, wantErr: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			sess := &fakeSession{cred: model.Credential{Token: "t"}, cached: true, refreshErr: c.refreshErr}
			f := newFixture(t, Config{}, Deps{Session: sess, Pinger: fakePinger{err: c.pingErr}})

			err := f.runner.RenewSession(context.Background())
			if c.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, c.refreshes, sess.refreshes)
			assert.Len(t, f.alerts.Messages(), c.alerts)
		})
	}
}

func TestRun_RecordsAndAlerts(t *testing.T) {
	f := newFixture(t, Config{}, Deps{})
	err := f.runner.Run(context.Background(), JobGroups, func(context.Context) error { return errors.New("boom") })
	assert.Error(t, err)
	require.Len(t, f.alerts.Messages(), 1)
	assert.Contains(t, f.alerts.Messages()[0].Title, JobGroups)

	err = f.runner.Run(context.Background(), JobCurrentWeek, func(context.Context) error {
		return fmt.Errorf("x: %w", model.ErrUpstreamBlocked)
	})
	assert.Error(t, err)
	assert.Len(t, f.alerts.Messages(), 1)
}

func TestQueueGroup_DefaultsToFullScan(t *testing.T) {
	d := dispatch.New(dispatch.Config{Shards: 1, MaxAttempts: 1}, zerolog.Nop())
	t.Cleanup(d.Stop)
	f := newFixture(t, Config{FullWeeks: 4, MaxEmptyWeeks: 10}, Deps{Dispatcher: d})

	id, err := f.runner.QueueGroup(context.Background(), 7, time.Time{}, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, d.Barrier(context.Background(), "7"))
	assert.Equal(t, 4, f.fetcher.callsFor(7))
}
