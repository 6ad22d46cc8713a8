package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/ansplan/schedsync/internal/model"
)

// RenewSession pings the upstream with the cached credential so it does
// not idle out. An expired session or a failed ping triggers a fresh login;
// a failed login and unexpected ping responses are raised to the operator.
func (r *Runner) RenewSession(ctx context.Context) error {
	cred, ok := r.deps.Session.Peek()
	if !ok {
		var err error
		if cred, err = r.deps.Session.Acquire(ctx); err != nil {
			r.critical(ctx, err)
			return err
		}
	}

	err := r.deps.Pinger.Ping(ctx, cred)
	switch {
	case err == nil:
		r.log.Info().Msg("upstream session renewed")
		return nil
	case errors.Is(err, model.ErrUpstreamAPI):
		r.log.Warn().Err(err).Msg("unexpected keep-alive response")
		r.deps.Alerts.Alert(ctx, "Unexpected session keep-alive response", err.Error())
		return nil
	case errors.Is(err, model.ErrSessionExpired):
		r.log.Warn().Msg("upstream session expired, logging in again")
	default:
		r.log.Error().Err(err).Msg("keep-alive ping failed, logging in again")
	}

	if _, lerr := r.deps.Session.InvalidateAndRefresh(ctx); lerr != nil {
		r.critical(ctx, lerr)
		return lerr
	}
	return nil
}

func (r *Runner) critical(ctx context.Context, err error) {
	r.log.Error().Stack().Err(err).Msg("upstream login failed")
	r.deps.Alerts.Alert(ctx, "Session renewal failed", fmt.Sprintf("Could not obtain an upstream session: %v", err))
}
