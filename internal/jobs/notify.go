package jobs

import (
	"context"
	"time"

	"github.com/ansplan/schedsync/internal/notify"
)

// NotifySummary reports a notification run.
type NotifySummary struct {
	Messages int
	Sent     int
	Invalid  int
}

// SendUpcoming notifies the devices due for a class starting soon.
func (r *Runner) SendUpcoming(ctx context.Context) (NotifySummary, error) {
	return r.SendUpcomingAt(ctx, r.now())
}

// SendUpcomingAt runs the notification selection as if it were now.
func (r *Runner) SendUpcomingAt(ctx context.Context, now time.Time) (NotifySummary, error) {
	var sum NotifySummary
	if _, ok := r.cfg.Rules.At(now.In(r.cfg.Location)); !ok {
		r.log.Debug().Time("at", now).Msg("vacation period, notifications skipped")
		return sum, nil
	}

	msgs, err := r.deps.Planner.Plan(ctx, now)
	if err != nil {
		return sum, err
	}
	sum.Messages = len(msgs)
	if len(msgs) == 0 {
		return sum, nil
	}

	rep, err := notify.Deliver(ctx, r.deps.Planner, r.deps.Sender, msgs)
	sum.Sent, sum.Invalid = rep.Sent, len(rep.Invalid)
	r.log.Info().Int("messages", sum.Messages).Int("sent", sum.Sent).Int("invalid", sum.Invalid).Msg("class notifications sent")
	return sum, err
}

// ClearObservedGroups resets every student's observed groups at the start
// of an academic year.
func (r *Runner) ClearObservedGroups(ctx context.Context) (int, error) {
	n, err := r.deps.Planner.ClearObserved(ctx)
	if err != nil {
		return n, err
	}
	r.log.Info().Int("students", n).Msg("observed groups cleared")
	return n, nil
}
