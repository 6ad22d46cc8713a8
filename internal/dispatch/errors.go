package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/ansplan/schedsync/internal/model"
)

var (
	ErrClosed    = errors.New("dispatch: dispatcher closed")
	ErrQueueFull = errors.New("dispatch: queue full")
)

// QueueFullError reports the shard that rejected a submission.
type QueueFullError struct {
	Shard    int
	Length   int
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("dispatch: shard %d queue full (%d/%d)", e.Shard, e.Length, e.Capacity)
}

func (e *QueueFullError) Is(target error) bool { return target == ErrQueueFull }

// Permanent reports whether err must not be retried. A blocked upstream or a
// missing credential fails the job so the next trigger applies its own delay.
func Permanent(err error) bool {
	return errors.Is(err, model.ErrUpstreamBlocked) ||
		errors.Is(err, model.ErrNoCredential) ||
		errors.Is(err, model.ErrLoginFailed) ||
		errors.Is(err, model.ErrValidation) ||
		errors.Is(err, context.Canceled)
}

// PanicError wraps a value recovered from a panicking job.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("dispatch: job panicked: %v", e.Value) }
