// Package fetch pulls units of upstream data with the shared session.
//
// A unit (one group week, one tree fetch) that fails with an expired
// session is retried exactly once after the broker refreshed the
// credential. Every other error is returned immediately.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/ansplan/schedsync/internal/alert"
	"github.com/ansplan/schedsync/internal/metrics"
	"github.com/ansplan/schedsync/internal/model"
	"github.com/ansplan/schedsync/internal/upstream"
)

// Broker is the part of session.Broker the fetcher uses.
type Broker interface {
	Acquire(ctx context.Context) (model.Credential, error)
	RefreshIfStale(ctx context.Context, stale model.Credential) (model.Credential, error)
}

// Upstream is the part of upstream.Client the fetcher uses.
type Upstream interface {
	FetchWeek(ctx context.Context, cred model.Credential, groupID int64, weekStart time.Time) ([]upstream.ClassItem, error)
	FetchGroupTree(ctx context.Context, cred model.Credential, semesterID int) ([]model.GroupNode, error)
}

// Fetcher combines the broker and the upstream client.
type Fetcher struct {
	broker Broker
	up     Upstream
	alerts alert.Notifier
	log    zerolog.Logger
}

func New(broker Broker, up Upstream, alerts alert.Notifier, log zerolog.Logger) *Fetcher {
	return &Fetcher{broker: broker, up: up, alerts: alerts, log: log}
}

// Week fetches the meetings of groupID for the week starting at weekStart.
func (f *Fetcher) Week(ctx context.Context, groupID int64, weekStart time.Time) ([]upstream.ClassItem, error) {
	unit := fmt.Sprintf("group %d week %s", groupID, weekStart.Format("2006-01-02"))
	return withSession(ctx, f, unit, func(ctx context.Context, cred model.Credential) ([]upstream.ClassItem, error) {
		return f.up.FetchWeek(ctx, cred, groupID, weekStart)
	})
}

// GroupTree fetches the organizational tree of the semester semesterID.
func (f *Fetcher) GroupTree(ctx context.Context, semesterID int) ([]model.GroupNode, error) {
	unit := fmt.Sprintf("group tree of semester %d", semesterID)
	return withSession(ctx, f, unit, func(ctx context.Context, cred model.Credential) ([]model.GroupNode, error) {
		return f.up.FetchGroupTree(ctx, cred, semesterID)
	})
}

func withSession[T any](ctx context.Context, f *Fetcher, unit string, fn func(context.Context, model.Credential) (T, error)) (T, error) {
	var out T
	attempt := 0

	op := func() error {
		attempt++
		cred, err := f.broker.Acquire(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		v, err := fn(ctx, cred)
		switch {
		case err == nil:
			out = v
			return nil
		case errors.Is(err, model.ErrSessionExpired):
			metrics.SessionRefreshes.Inc()
			f.log.Warn().Str("unit", unit).Int("attempt", attempt).Msg("upstream session expired; refreshing")
			if _, rerr := f.broker.RefreshIfStale(ctx, cred); rerr != nil {
				return backoff.Permanent(fmt.Errorf("refresh after expired session: %w", rerr))
			}
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if errors.Is(err, model.ErrUpstreamBlocked) {
			f.log.Error().Err(err).Str("unit", unit).Msg("upstream is probably blocking us")
			f.alerts.Alert(ctx, "Schedule fetch blocked",
				fmt.Sprintf("Probable IP block while fetching %s. Aborting the job until the next trigger.\n%v", unit, err))
		}
		return out, fmt.Errorf("fetch %s: %w", unit, err)
	}
	return out, nil
}
