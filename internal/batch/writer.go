// Package batch groups document operations into size-bounded batches.
//
// Each flushed batch is atomic on its own. Batches are committed
// independently, so a failing batch does not roll back the others.
package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ansplan/schedsync/internal/docstore"
)

// FlushResult reports what FlushAll committed.
type FlushResult struct {
	Batches    int
	Operations int
	Failed     int
}

// Writer accumulates operations against a ceiling. It is not safe for
// concurrent use; every run owns its own Writer.
type Writer struct {
	committer docstore.Committer
	ceiling   int
	limit     int
	log       zerolog.Logger

	sealed  [][]docstore.Op
	current []docstore.Op
	counted int // operations in current that count against the ceiling
}

// NewWriter returns a Writer that seals a batch once it holds ceiling
// counted operations. ceiling must be below docstore.HardBatchLimit.
func NewWriter(c docstore.Committer, ceiling int, log zerolog.Logger) *Writer {
	if ceiling <= 0 || ceiling >= docstore.HardBatchLimit {
		ceiling = docstore.HardBatchLimit - 10
	}
	return &Writer{committer: c, ceiling: ceiling, limit: docstore.HardBatchLimit, log: log}
}

// Ceiling returns the effective per-batch ceiling.
func (w *Writer) Ceiling() int { return w.ceiling }

// Add enqueues op, sealing the current batch first if it is full.
func (w *Writer) Add(op docstore.Op) {
	if w.counted >= w.ceiling {
		w.seal()
	}
	w.current = append(w.current, op)
	w.counted++
}

// AddAll enqueues ops in order.
func (w *Writer) AddAll(ops []docstore.Op) {
	for _, op := range ops {
		w.Add(op)
	}
}

// Attach appends op to the current batch without counting it against the
// ceiling, using the headroom between the ceiling and the store's hard
// limit. Used for parent touches that must land with the data they cover.
func (w *Writer) Attach(op docstore.Op) error {
	if len(w.current) >= w.limit {
		return fmt.Errorf("attach %s: %w", op.Path, docstore.ErrBatchTooLarge)
	}
	w.current = append(w.current, op)
	return nil
}

// Pending returns the number of operations not yet flushed.
func (w *Writer) Pending() int {
	n := len(w.current)
	for _, b := range w.sealed {
		n += len(b)
	}
	return n
}

// Sealed returns the number of batches sealed so far.
func (w *Writer) Sealed() int { return len(w.sealed) }

func (w *Writer) seal() {
	if len(w.current) == 0 {
		return
	}
	w.sealed = append(w.sealed, w.current)
	w.current = nil
	w.counted = 0
}

// FlushAll commits every sealed batch and the batch in progress, then
// resets the writer. Errors from individual batches are joined; batches
// committed before a failure stay committed.
func (w *Writer) FlushAll(ctx context.Context) (FlushResult, error) {
	w.seal()
	batches := w.sealed
	w.sealed = nil

	var (
		res  FlushResult
		errs []error
	)
	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			res.Failed += len(batches) - i
			errs = append(errs, err)
			break
		}
		if err := w.committer.Commit(ctx, b); err != nil {
			res.Failed++
			w.log.Error().Err(err).Int("batch", i).Int("operations", len(b)).Msg("batch commit failed")
			errs = append(errs, fmt.Errorf("batch %d (%d ops): %w", i, len(b), err))
			continue
		}
		res.Batches++
		res.Operations += len(b)
	}
	if res.Batches > 0 {
		w.log.Debug().Int("batches", res.Batches).Int("operations", res.Operations).Msg("batches committed")
	}
	return res, errors.Join(errs...)
}
