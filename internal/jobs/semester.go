package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ansplan/schedsync/internal/dispatch"
	"github.com/ansplan/schedsync/internal/grouptree"
)

// DispatchSemester queues one SyncGroup of the given length per group of
// the current semester and returns how many were queued.
func (r *Runner) DispatchSemester(ctx context.Context, weeks int) (int, error) {
	if r.deps.Dispatcher == nil {
		return 0, errors.New("dispatcher not configured")
	}
	info, ok := r.semester()
	if !ok {
		r.log.Info().Msg("vacation period, semester fan-out skipped")
		return 0, nil
	}
	ids, err := grouptree.GroupIDsForSemester(ctx, r.deps.Store, info.Identifier)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		r.log.Info().Str("semester", info.Identifier).Msg("no groups stored for semester")
		return 0, nil
	}

	from := r.now()
	jobCtx := context.WithoutCancel(ctx)
	var (
		queued int
		errs   []error
	)
	for _, gid := range ids {
		gid := gid
		_, err := r.deps.Dispatcher.Submit(jobCtx, strconv.FormatInt(gid, 10), dispatch.JobFunc(func(ctx context.Context) error {
			_, err := r.SyncGroup(ctx, gid, from, weeks)
			return err
		}))
		if err != nil {
			r.log.Error().Err(err).Int64("group_id", gid).Msg("group sync not queued")
			errs = append(errs, fmt.Errorf("group %d: %w", gid, err))
			continue
		}
		queued++
	}
	r.log.Info().Str("semester", info.Identifier).Int("queued", queued).Int("weeks", weeks).Msg("semester sync queued")
	return queued, errors.Join(errs...)
}

// DispatchFast queues the short look-ahead scan.
func (r *Runner) DispatchFast(ctx context.Context) (int, error) {
	return r.DispatchSemester(ctx, r.cfg.FastWeeks)
}

// DispatchFull queues the whole-semester scan.
func (r *Runner) DispatchFull(ctx context.Context) (int, error) {
	return r.DispatchSemester(ctx, r.cfg.FullWeeks)
}

// QueueGroup queues one SyncGroup of groupID and returns the job id.
func (r *Runner) QueueGroup(ctx context.Context, groupID int64, from time.Time, weeks int) (string, error) {
	if r.deps.Dispatcher == nil {
		return "", errors.New("dispatcher not configured")
	}
	if weeks <= 0 {
		weeks = r.cfg.FullWeeks
	}
	if from.IsZero() {
		from = r.now()
	}
	id, err := r.deps.Dispatcher.Submit(context.WithoutCancel(ctx), strconv.FormatInt(groupID, 10),
		dispatch.JobFunc(func(ctx context.Context) error {
			_, err := r.SyncGroup(ctx, groupID, from, weeks)
			return err
		}))
	if err != nil {
		return "", fmt.Errorf("queue group %d: %w", groupID, err)
	}
	r.log.Info().Int64("group_id", groupID).Str("job_id", id).Int("weeks", weeks).Msg("group sync queued")
	return id, nil
}
