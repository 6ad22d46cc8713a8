// Package syncservice wires the schedule sync service together. Run serves
// the scheduler and the HTTP surface; App is shared with the one-shot CLI
// commands.
package syncservice

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ansplan/schedsync/internal/alert"
	"github.com/ansplan/schedsync/internal/config"
	"github.com/ansplan/schedsync/internal/dispatch"
	"github.com/ansplan/schedsync/internal/docstore"
	"github.com/ansplan/schedsync/internal/fetch"
	"github.com/ansplan/schedsync/internal/jobs"
	"github.com/ansplan/schedsync/internal/reconcile"
	"github.com/ansplan/schedsync/internal/schedule"
	"github.com/ansplan/schedsync/internal/semester"
	"github.com/ansplan/schedsync/internal/session"
	"github.com/ansplan/schedsync/internal/upstream"
)

// App holds the constructed components.
type App struct {
	Config     *config.Config
	Store      Store
	Upstream   *upstream.Client
	Broker     *session.Broker
	Fetcher    *fetch.Fetcher
	Alerts     alert.Notifier
	Dispatcher *dispatch.Dispatcher
	Runner     *jobs.Runner
	Schedule   *schedule.Service

	log zerolog.Logger
}

// NewApp opens the store and builds every component on top of it.
func NewApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	if cfg.StoreBatchLimit > docstore.HardBatchLimit {
		return nil, fmt.Errorf("STORE_BATCH_LIMIT %d exceeds the store limit %d", cfg.StoreBatchLimit, docstore.HardBatchLimit)
	}
	st, err := NewStore(ctx, cfg, log)
	if err != nil {
		log.Error().Stack().Err(err).Msg("document store unavailable")
		return nil, err
	}
	return newApp(cfg, st, log), nil
}

func newApp(cfg *config.Config, st Store, log zerolog.Logger) *App {
	loc := cfg.Location()
	alerts := alert.New(cfg.TelegramBotToken, cfg.TelegramChatID, log)

	up := upstream.New(upstream.Config{
		BaseURL:   cfg.UpstreamBaseURL,
		Login:     cfg.UpstreamLogin,
		Password:  cfg.UpstreamPassword,
		UserAgent: cfg.UpstreamUserAgent,
		Timeout:   cfg.UpstreamTimeout,
	}, log.With().Str("component", "upstream").Logger())

	broker := session.NewBroker(
		session.NewDocCredentialStore(st, session.DefaultCredentialPath),
		up, session.Config{}, log.With().Str("component", "session").Logger())

	fetcher := fetch.New(broker, up, alerts, log)

	d := dispatch.New(dispatch.Config{
		Shards:      cfg.DispatchShards,
		QueueSize:   cfg.DispatchQueueSize,
		MaxAttempts: cfg.DispatchMaxAttempts,
	}, log.With().Str("component", "dispatch").Logger())

	norm := reconcile.Normalizer{Location: loc}
	runner := jobs.New(jobs.Config{
		BatchCeiling:        cfg.BatchCeiling,
		MaxEmptyWeeks:       cfg.MaxEmptyWeeks,
		FastWeeks:           cfg.FastWeeks,
		FullWeeks:           cfg.FullWeeks,
		ReconcileEmptyWeeks: cfg.ReconcileEmptyWeeks,
		Location:            loc,
		Rules:               semester.DefaultRules,
	}, jobs.Deps{
		Store:      st,
		Fetcher:    fetcher,
		Session:    broker,
		Pinger:     up,
		Dispatcher: d,
		Alerts:     alerts,
		Engine:     reconcile.NewEngine(norm, log),
	}, log)

	return &App{
		Config:     cfg,
		Store:      st,
		Upstream:   up,
		Broker:     broker,
		Fetcher:    fetcher,
		Alerts:     alerts,
		Dispatcher: d,
		Runner:     runner,
		Schedule:   schedule.NewService(st, norm, log),
		log:        log,
	}
}

// Jobs maps every schedulable job name to its body.
func (a *App) Jobs() map[string]func(context.Context) error {
	r := a.Runner
	return map[string]func(context.Context) error{
		jobs.JobCurrentWeek: func(ctx context.Context) error {
			_, err := r.SyncCurrentWeek(ctx)
			return err
		},
		jobs.JobFastSemester: func(ctx context.Context) error {
			_, err := r.DispatchFast(ctx)
			return err
		},
		jobs.JobFullSemester: func(ctx context.Context) error {
			_, err := r.DispatchFull(ctx)
			return err
		},
		jobs.JobGroups: func(ctx context.Context) error {
			_, err := r.UpdateGroups(ctx)
			if err == nil {
				a.Schedule.InvalidateTree()
			}
			return err
		},
		jobs.JobSession: r.RenewSession,
		jobs.JobNotify: func(ctx context.Context) error {
			_, err := r.SendUpcoming(ctx)
			return err
		},
		jobs.JobClearObserved: func(ctx context.Context) error {
			_, err := r.ClearObservedGroups(ctx)
			return err
		},
	}
}

// JobNames lists the names accepted by RunJob.
func (a *App) JobNames() []string {
	var names []string
	for name := range a.Jobs() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunJob runs the named job once through the runner.
func (a *App) RunJob(ctx context.Context, name string) error {
	fn, ok := a.Jobs()[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return a.Runner.Run(ctx, name, fn)
}

// Close drains the dispatcher and closes the store.
func (a *App) Close() error {
	a.Dispatcher.Stop()
	if err := a.Store.Close(); err != nil {
		a.log.Error().Err(err).Msg("store close failed")
		return err
	}
	return nil
}
