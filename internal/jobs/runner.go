// Package jobs holds the bodies of every scheduled and operator-triggered
// job. Each job runs to completion on the caller's goroutine except
// DispatchSemester, which fans out onto the dispatcher.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ansplan/schedsync/internal/alert"
	"github.com/ansplan/schedsync/internal/dispatch"
	"github.com/ansplan/schedsync/internal/docstore"
	"github.com/ansplan/schedsync/internal/metrics"
	"github.com/ansplan/schedsync/internal/model"
	"github.com/ansplan/schedsync/internal/notify"
	"github.com/ansplan/schedsync/internal/reconcile"
	"github.com/ansplan/schedsync/internal/semester"
	"github.com/ansplan/schedsync/internal/upstream"
)

// Job names used in logs and metrics.
const (
	JobCurrentWeek   = "current_week"
	JobFastSemester  = "fast_semester"
	JobFullSemester  = "full_semester"
	JobSyncGroup     = "sync_group"
	JobGroups        = "update_groups"
	JobSession       = "renew_session"
	JobNotify        = "upcoming_notifications"
	JobClearObserved = "clear_observed_groups"
)

// Fetcher pulls one unit of upstream data with session handling.
type Fetcher interface {
	Week(ctx context.Context, groupID int64, weekStart time.Time) ([]upstream.ClassItem, error)
	GroupTree(ctx context.Context, semesterID int) ([]model.GroupNode, error)
}

// Session is the slice of the session broker the keep-alive job needs.
type Session interface {
	Peek() (model.Credential, bool)
	Acquire(ctx context.Context) (model.Credential, error)
	InvalidateAndRefresh(ctx context.Context) (model.Credential, error)
}

// Pinger keeps the upstream session alive.
type Pinger interface {
	Ping(ctx context.Context, cred model.Credential) error
}

// Submitter queues per-group work. *dispatch.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, key string, job dispatch.Job) (string, error)
}

// Config carries the tunables of the sync jobs.
type Config struct {
	BatchCeiling        int
	MaxEmptyWeeks       int
	FastWeeks           int
	FullWeeks           int
	ReconcileEmptyWeeks bool
	Location            *time.Location
	Rules               semester.Rules
}

// Deps are the collaborators shared by every job.
type Deps struct {
	Store      docstore.Store
	Fetcher    Fetcher
	Session    Session
	Pinger     Pinger
	Dispatcher Submitter
	Alerts     alert.Notifier
	Engine     *reconcile.Engine
	Planner    *notify.Planner
	Sender     notify.Sender
}

type Runner struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
	now  func() time.Time
}

func New(cfg Config, deps Deps, log zerolog.Logger) *Runner {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxEmptyWeeks <= 0 {
		cfg.MaxEmptyWeeks = 3
	}
	if cfg.FastWeeks <= 0 {
		cfg.FastWeeks = 2
	}
	if cfg.FullWeeks <= 0 {
		cfg.FullWeeks = 25
	}
	if cfg.Rules == (semester.Rules{}) {
		cfg.Rules = semester.DefaultRules
	}
	if deps.Alerts == nil {
		deps.Alerts = alert.NewLogNotifier(log)
	}
	if deps.Engine == nil {
		deps.Engine = reconcile.NewEngine(reconcile.Normalizer{Location: cfg.Location}, log)
	}
	if deps.Planner == nil {
		deps.Planner = notify.NewPlanner(deps.Store, reconcile.Normalizer{Location: cfg.Location}, cfg.BatchCeiling, log)
	}
	if deps.Sender == nil {
		deps.Sender = notify.NewLogSender(log)
	}
	return &Runner{cfg: cfg, deps: deps, log: log, now: time.Now}
}

// WithClock overrides the clock that decides the current semester and week.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Run executes fn as the named job, recording its outcome. Failures are
// logged and raised to the operator; a blocked upstream was already raised
// by the fetcher.
func (r *Runner) Run(ctx context.Context, name string, fn func(context.Context) error) error {
	start := time.Now()
	log := r.log.With().Str("job", name).Logger()
	log.Info().Msg("job started")

	err := fn(ctx)

	metrics.JobDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	metrics.JobRuns.WithLabelValues(name, metrics.Result(err)).Inc()
	if err != nil {
		log.Error().Stack().Err(err).Dur("took", time.Since(start)).Msg("job failed")
		if !errors.Is(err, model.ErrUpstreamBlocked) {
			r.deps.Alerts.Alert(ctx, fmt.Sprintf("Job %s failed", name), err.Error())
		}
		return err
	}
	log.Info().Dur("took", time.Since(start)).Msg("job finished")
	return nil
}

// semester returns the semester in effect now, or false during vacation.
func (r *Runner) semester() (semester.Info, bool) {
	return r.cfg.Rules.At(r.now().In(r.cfg.Location))
}
