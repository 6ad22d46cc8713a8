// Package scheduler runs the sync jobs on cron specs evaluated in the
// service time zone.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Entry is one scheduled job.
type Entry struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduled describes a registered entry and its next activation.
type Scheduled struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
}

type Scheduler struct {
	cron *cron.Cron
	loc  *time.Location
	log  zerolog.Logger

	mu      sync.RWMutex
	ctx     context.Context
	entries map[string]registered
}

type registered struct {
	id   cron.EntryID
	spec string
}

// New returns a stopped scheduler. Overlapping runs of the same entry are
// skipped and panics are recovered.
func New(loc *time.Location, log zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		loc:     loc,
		log:     log,
		ctx:     context.Background(),
		entries: make(map[string]registered),
	}
}

// Add registers e. Names must be unique.
func (s *Scheduler) Add(e Entry) error {
	if e.Name == "" || e.Run == nil {
		return fmt.Errorf("scheduler: entry needs a name and a job")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.Name]; ok {
		return fmt.Errorf("scheduler: entry %q already registered", e.Name)
	}

	run := e.Run
	name := e.Name
	id, err := s.cron.AddFunc(e.Spec, func() {
		ctx := s.context()
		if ctx.Err() != nil {
			return
		}
		if err := run(ctx); err != nil {
			s.log.Debug().Err(err).Str("job", name).Msg("scheduled run returned error")
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: entry %q spec %q: %w", e.Name, e.Spec, err)
	}
	s.entries[e.Name] = registered{id: id, spec: e.Spec}
	return nil
}

// AddAll registers every entry, stopping at the first invalid one.
func (s *Scheduler) AddAll(entries ...Entry) error {
	for _, e := range entries {
		if err := s.Add(e); err != nil {
			return err
		}
	}
	return nil
}

// Start runs the cron loop until ctx is done. Jobs receive ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info().Str("location", s.loc.String()).Int("entries", len(s.cron.Entries())).Msg("scheduler started")
	for _, e := range s.Entries() {
		s.log.Info().Str("job", e.Name).Str("spec", e.Spec).Time("next", e.Next).Msg("job scheduled")
	}
}

// Stop prevents new activations and waits for running jobs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Entries lists the registered jobs sorted by name.
func (s *Scheduler) Entries() []Scheduled {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Scheduled, 0, len(s.entries))
	for name, r := range s.entries {
		out = append(out, Scheduled{Name: name, Spec: r.spec, Next: s.cron.Entry(r.id).Next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
