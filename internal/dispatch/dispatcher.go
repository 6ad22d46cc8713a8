// Package dispatch runs per-group jobs on a fixed set of shard workers.
// Jobs for the same key run in submission order; different keys may run in
// parallel. Callers must not submit concurrently for the same key.
package dispatch

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ansplan/schedsync/internal/metrics"
)

// Job is a unit of work.
type Job interface {
	Run(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context) error

func (f JobFunc) Run(ctx context.Context) error { return f(ctx) }

// Config tunes the dispatcher. Zero values take defaults.
type Config struct {
	Shards         int
	QueueSize      int
	EnqueueTimeout time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxInterval    time.Duration

	// ErrorHandler is called once per job that finally failed.
	ErrorHandler func(key string, err error)
}

type queued struct {
	id  string
	key string
	ctx context.Context
	job Job
}

// Dispatcher partitions jobs by an fnv hash of their key.
type Dispatcher struct {
	cfg    Config
	log    zerolog.Logger
	queues []chan queued

	done   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
}

// New starts the shard workers.
func New(cfg Config, log zerolog.Logger) *Dispatcher {
	if cfg.Shards <= 0 {
		cfg.Shards = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 100 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}

	d := &Dispatcher{
		cfg:    cfg,
		log:    log.With().Str("component", "dispatch").Logger(),
		queues: make([]chan queued, cfg.Shards),
		done:   make(chan struct{}),
	}
	for i := range d.queues {
		ch := make(chan queued, cfg.QueueSize)
		d.queues[i] = ch
		d.wg.Add(1)
		go d.worker(i, ch)
	}
	return d
}

// Submit enqueues job on the shard for key and returns the job id. It fails
// with ErrClosed after Stop, with a *QueueFullError when the shard stays
// full for EnqueueTimeout, or with ctx.Err().
func (d *Dispatcher) Submit(ctx context.Context, key string, job Job) (string, error) {
	if d.closed.Load() {
		return "", ErrClosed
	}
	select {
	case <-d.done:
		return "", ErrClosed
	default:
	}

	q := queued{id: uuid.New().String(), key: key, ctx: ctx, job: job}
	shard := d.shardFor(key)
	ch := d.queues[shard]
	label := strconv.Itoa(shard)

	timer := time.NewTimer(d.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case ch <- q:
		metrics.DispatchSubmissions.WithLabelValues(label).Inc()
		metrics.DispatchQueueDepth.WithLabelValues(label).Set(float64(len(ch)))
		return q.id, nil
	case <-d.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		metrics.DispatchQueueFull.WithLabelValues(label).Inc()
		return "", &QueueFullError{Shard: shard, Length: len(ch), Capacity: cap(ch)}
	}
}

// Barrier waits until every job submitted for key before it has finished.
func (d *Dispatcher) Barrier(ctx context.Context, key string) error {
	done := make(chan struct{})
	if _, err := d.Submit(ctx, key, JobFunc(func(context.Context) error {
		close(done)
		return nil
	})); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Stop drains every shard and waits for the workers. It is idempotent.
func (d *Dispatcher) Stop() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.log.Info().Int("shards", d.cfg.Shards).Msg("stopping dispatcher, draining shards")
	close(d.done)
	d.wg.Wait()
	d.log.Info().Msg("dispatcher stopped")
}

// Close implements io.Closer.
func (d *Dispatcher) Close() error {
	d.Stop()
	return nil
}

func (d *Dispatcher) worker(idx int, ch <-chan queued) {
	defer d.wg.Done()
	label := strconv.Itoa(idx)

	for {
		select {
		case q := <-ch:
			d.run(label, q)
			metrics.DispatchQueueDepth.WithLabelValues(label).Set(float64(len(ch)))
		case <-d.done:
			drained := 0
			for {
				select {
				case q := <-ch:
					d.run(label, q)
					drained++
				default:
					if drained > 0 {
						d.log.Info().Str("shard", label).Int("drained", drained).Msg("shard drained")
					}
					metrics.DispatchQueueDepth.WithLabelValues(label).Set(0)
					return
				}
			}
		}
	}
}

// run executes one job with exponential backoff between attempts. A panic
// fails the job without killing the worker.
func (d *Dispatcher) run(label string, q queued) {
	if q.job == nil {
		return
	}
	log := d.log.With().Str("job_id", q.id).Str("key", q.key).Str("shard", label).Logger()

	if err := q.ctx.Err(); err != nil {
		d.fail(label, q, err)
		return
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.cfg.BaseBackoff
	exp.MaxInterval = d.cfg.MaxInterval
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(d.cfg.MaxAttempts-1)), q.ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := d.safeRun(q)
		if err != nil && Permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("job failed, retrying")
	})
	if err != nil {
		d.fail(label, q, err)
		return
	}
	log.Debug().Int("attempts", attempt).Msg("job done")
}

func (d *Dispatcher) safeRun(q queued) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return q.job.Run(q.ctx)
}

func (d *Dispatcher) fail(label string, q queued, err error) {
	metrics.DispatchFailures.WithLabelValues(label).Inc()
	d.log.Error().Err(err).Str("job_id", q.id).Str("key", q.key).Msg("job failed")
	if d.cfg.ErrorHandler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Msg("error handler panic")
		}
	}()
	d.cfg.ErrorHandler(q.key, err)
}

func (d *Dispatcher) shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.queues)))
}
