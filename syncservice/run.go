package syncservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/rs/zerolog"

	"github.com/ansplan/schedsync/internal/api"
	"github.com/ansplan/schedsync/internal/config"
	"github.com/ansplan/schedsync/internal/health"
	"github.com/ansplan/schedsync/internal/jobs"
	"github.com/ansplan/schedsync/internal/logger"
	"github.com/ansplan/schedsync/internal/scheduler"
)

// Run starts the scheduler and the HTTP server and blocks until shutdown or error.
func Run() error {
	log := logger.New("schedsync")

	cfg, err := config.New()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return err
	}
	logger.SetLevel(cfg.LogLevel)

	log.Info().
		Str("environment", string(cfg.Environment)).
		Str("db_driver", cfg.DBDriver).
		Int("http_port", cfg.HTTPPort).
		Str("upstream", cfg.UpstreamBaseURL).
		Str("timezone", cfg.Timezone).
		Msg("Schedule sync service starting")

	// Create cancellable root context bound to SIGINT/SIGTERM
	ctx, stop := newServerContext()
	defer stop()

	app, err := NewApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	sched, err := buildScheduler(cfg, app, log)
	if err != nil {
		log.Error().Stack().Err(err).Msg("invalid job schedule")
		return err
	}

	svcHealth := startHealthCheckers(ctx, cfg, log, app.Store)

	// Block startup until dependencies report healthy; fail fast otherwise
	if err := waitUntilHealthy(ctx, cfg, svcHealth); err != nil {
		log.Error().Stack().Err(err).Msg("startup health check failed")
		return err
	}

	router := api.NewRouter(api.Options{
		Syncer:   app.Runner,
		Reader:   app.Schedule,
		Entries:  sched,
		Healthy:  svcHealth.IsHealthy,
		Location: cfg.Location(),
		Log:      log,
	})

	sched.Start(ctx)
	accessLog := log.With().Str("component", "http_access").Logger()
	server := newHTTPServer(ctx, cfg, handlers.LoggingHandler(accessLog, router))
	errCh := serveHTTP(server, log, cfg)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server")
	case runErr = <-errCh:
		log.Error().Stack().Err(runErr).Msg("HTTP server failed")
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error().Stack().Err(err).Msg("Server forced to shutdown")
		runErr = errors.Join(runErr, err)
	}
	if err := sched.Stop(ctxShutdown); err != nil {
		log.Warn().Err(err).Msg("scheduled jobs still running at shutdown")
	}
	log.Info().Msg("Server exited")
	return runErr
}

// buildScheduler registers every job on its configured cron spec.
func buildScheduler(cfg *config.Config, app *App, log zerolog.Logger) (*scheduler.Scheduler, error) {
	specs := map[string]string{
		jobs.JobCurrentWeek:   cfg.CronCurrentWeek,
		jobs.JobFastSemester:  cfg.CronFastSemester,
		jobs.JobFullSemester:  cfg.CronFullSemester,
		jobs.JobGroups:        cfg.CronGroups,
		jobs.JobSession:       cfg.CronSession,
		jobs.JobNotify:        cfg.CronNotify,
		jobs.JobClearObserved: cfg.CronClearObserved,
	}
	sched := scheduler.New(cfg.Location(), log.With().Str("component", "scheduler").Logger())
	for _, name := range app.JobNames() {
		spec, ok := specs[name]
		if !ok || spec == "" {
			log.Warn().Str("job", name).Msg("job has no schedule")
			continue
		}
		name := name
		if err := sched.Add(scheduler.Entry{
			Name: name,
			Spec: spec,
			Run:  func(ctx context.Context) error { return app.RunJob(ctx, name) },
		}); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

// startHealthCheckers starts the store checker and the service-level aggregator.
func startHealthCheckers(ctx context.Context, cfg *config.Config, log zerolog.Logger, st health.HealthPinger) *health.Service {
	probeTimeout := time.Duration(cfg.HealthProbeTimeoutSeconds) * time.Second
	interval := time.Duration(cfg.HealthIntervalSeconds) * time.Second

	storeChecker := health.NewPingChecker("store", st, log, probeTimeout)
	go storeChecker.Start(ctx, interval)

	svcHealth := health.NewService(log, storeChecker)
	go svcHealth.Start(ctx, interval)
	return svcHealth
}

func newHTTPServer(ctx context.Context, cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.GetHTTPAddr(),
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

func serveHTTP(server *http.Server, log zerolog.Logger, cfg *config.Config) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// calculateStartupHealthTimeout returns the startup health timeout in seconds,
// calculated as interval*2 with a minimum of 60 seconds.
func calculateStartupHealthTimeout(healthIntervalSeconds int) int {
	timeout := healthIntervalSeconds * 2
	if timeout < 60 {
		return 60
	}
	return timeout
}

// waitUntilHealthy blocks until service health is healthy or the startup window expires.
func waitUntilHealthy(ctx context.Context, cfg *config.Config, svcHealth *health.Service) error {
	timeoutSeconds := calculateStartupHealthTimeout(cfg.HealthIntervalSeconds)
	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if svcHealth.IsHealthy() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("startup aborted: dependencies not healthy within %d seconds", timeoutSeconds)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// newServerContext returns a cancellable context that is cancelled on SIGINT/SIGTERM.
func newServerContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
