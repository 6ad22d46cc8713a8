package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ansplan/schedsync/internal/batch"
	"github.com/ansplan/schedsync/internal/docstore"
	"github.com/ansplan/schedsync/internal/grouptree"
	"github.com/ansplan/schedsync/internal/model"
	"github.com/ansplan/schedsync/internal/reconcile"
	"github.com/ansplan/schedsync/internal/semester"
	"github.com/ansplan/schedsync/internal/upstream"
)

// Summary reports what a sync run did.
type Summary struct {
	Groups     int
	Weeks      int
	Changed    int
	Operations int
	Batches    int
	Failed     int
}

func (s *Summary) addFlush(fr batch.FlushResult) {
	s.Batches += fr.Batches
	s.Operations += fr.Operations
	s.Failed += fr.Failed
}

// SyncGroup scans up to weeks weeks of groupID starting with the week that
// contains from. The scan ends early after MaxEmptyWeeks consecutive empty
// weeks. A fetch error aborts the scan; work already enqueued is flushed.
func (r *Runner) SyncGroup(ctx context.Context, groupID int64, from time.Time, weeks int) (Summary, error) {
	log := r.log.With().Int64("group_id", groupID).Logger()
	sum := Summary{Groups: 1}
	w := batch.NewWriter(r.deps.Store, r.cfg.BatchCeiling, log)

	start := semester.WeekStart(from, r.cfg.Location)
	log.Info().Str("from", start.Format("2006-01-02")).Int("weeks", weeks).Msg("group sync started")

	var (
		runErr  error
		empty   int
		touched bool
	)
	for i := 0; i < weeks; i++ {
		ws := semester.AddWeeks(start, i)
		items, err := r.deps.Fetcher.Week(ctx, groupID, ws)
		if err != nil {
			runErr = err
			break
		}
		sum.Weeks++

		if len(items) == 0 {
			empty++
			if empty >= r.cfg.MaxEmptyWeeks {
				log.Info().Int("empty_weeks", empty).Msg("end of schedule reached")
				break
			}
			if !r.cfg.ReconcileEmptyWeeks {
				continue
			}
		} else {
			empty = 0
		}

		res, err := r.reconcileWeek(ctx, w, groupID, ws, items, log)
		if err != nil {
			runErr = err
			break
		}
		sum.Changed += res.Changed
		if !touched && len(items) > 0 {
			r.touchGroup(w, groupID)
			touched = true
		}
	}

	fr, flushErr := w.FlushAll(ctx)
	sum.addFlush(fr)
	log.Info().Int("weeks", sum.Weeks).Int("changed", sum.Changed).
		Int("operations", sum.Operations).Int("batches", sum.Batches).Msg("group sync finished")
	return sum, errors.Join(runErr, flushErr)
}

// SyncCurrentWeek refreshes the current week of every group of the current
// semester in one run. A blocked upstream or a missing credential stops the
// run; other per-group failures are collected and the run goes on.
func (r *Runner) SyncCurrentWeek(ctx context.Context) (Summary, error) {
	var sum Summary
	info, ok := r.semester()
	if !ok {
		r.log.Info().Msg("vacation period, current week sync skipped")
		return sum, nil
	}
	ids, err := grouptree.GroupIDsForSemester(ctx, r.deps.Store, info.Identifier)
	if err != nil {
		return sum, err
	}
	if len(ids) == 0 {
		r.log.Info().Str("semester", info.Identifier).Msg("no groups stored for semester")
		return sum, nil
	}

	ws := semester.WeekStart(r.now(), r.cfg.Location)
	w := batch.NewWriter(r.deps.Store, r.cfg.BatchCeiling, r.log)

	var (
		abortErr error
		errs     []error
	)
	for _, gid := range ids {
		log := r.log.With().Int64("group_id", gid).Logger()
		items, err := r.deps.Fetcher.Week(ctx, gid, ws)
		if err != nil {
			if errors.Is(err, model.ErrUpstreamBlocked) || errors.Is(err, model.ErrNoCredential) || ctx.Err() != nil {
				abortErr = err
				break
			}
			log.Error().Stack().Err(err).Msg("group week fetch failed")
			errs = append(errs, fmt.Errorf("group %d: %w", gid, err))
			continue
		}
		sum.Groups++
		if len(items) == 0 && !r.cfg.ReconcileEmptyWeeks {
			log.Debug().Msg("no classes fetched, group left untouched")
			continue
		}
		res, err := r.reconcileWeek(ctx, w, gid, ws, items, log)
		if err != nil {
			errs = append(errs, fmt.Errorf("group %d: %w", gid, err))
			continue
		}
		sum.Changed += res.Changed
		if len(items) > 0 {
			r.touchGroup(w, gid)
		}
	}

	fr, flushErr := w.FlushAll(ctx)
	sum.addFlush(fr)
	r.log.Info().Str("semester", info.Identifier).Int("groups", sum.Groups).Int("changed", sum.Changed).
		Int("batches", sum.Batches).Msg("current week sync finished")
	return sum, errors.Join(abortErr, errors.Join(errs...), flushErr)
}

func (r *Runner) reconcileWeek(ctx context.Context, w *batch.Writer, groupID int64, ws time.Time, items []upstream.ClassItem, log zerolog.Logger) (reconcile.Result, error) {
	weekID := semester.WeekID(ws)
	docs, err := r.deps.Store.Query(ctx, docstore.Query{
		Collection: reconcile.ClassesPath(groupID),
		Where:      []docstore.Filter{{Field: "weekId", Value: weekID}},
	})
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("load week %s: %w", weekID, err)
	}
	res, err := r.deps.Engine.Reconcile(ctx, r.deps.Engine.Snapshot(docs), items, w,
		reconcile.Target{GroupID: groupID, WeekID: weekID})
	if err != nil {
		return res, err
	}
	log.Debug().Str("week_id", weekID).Int("fetched", len(items)).Int("stored", len(docs)).
		Int("changed", res.Changed).Int("skipped", res.Skipped).Msg("week reconciled")
	return res, nil
}

// touchGroup keeps schedules/{gid} alive next to the classes it covers.
func (r *Runner) touchGroup(w *batch.Writer, groupID int64) {
	op := docstore.Touch(reconcile.GroupPath(groupID))
	if err := w.Attach(op); err != nil {
		w.Add(op)
	}
}
