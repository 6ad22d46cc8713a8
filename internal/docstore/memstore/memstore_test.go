package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansplan/schedsync/internal/docstore"
	"github.com/ansplan/schedsync/internal/docstore/docstoretest"
)

func TestMemStore_Compliance(t *testing.T) {
	docstoretest.Run(t, func(t *testing.T) docstore.Store { return New() })
}

func TestCommit_FailedBatchLeavesStoreUntouched(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Commit(ctx, []docstore.Op{docstore.Upsert("c/a", map[string]any{"v": 1})}))

	err := s.Commit(ctx, []docstore.Op{
		docstore.Upsert("c/a", map[string]any{"v": 2}),
		docstore.Upsert("not/a/doc", map[string]any{}),
	})
	require.ErrorIs(t, err, docstore.ErrInvalidPath)

	got, err := s.Get(ctx, "c/a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Data["v"])
	assert.Equal(t, 1, s.Commits())
}

func TestCommit_UsesClockForServerTimestamp(t *testing.T) {
	at := time.UnixMilli(1_736_118_000_000)
	s := New().WithClock(func() time.Time { return at })
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx, []docstore.Op{docstore.Touch("schedules/42")}))
	got, err := s.Get(ctx, "schedules/42")
	require.NoError(t, err)
	assert.EqualValues(t, at.UnixMilli(), got.Data["lastUpdated"])
	assert.Equal(t, at, got.UpdateTime)
}

func TestCommit_CancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Commit(ctx, []docstore.Op{docstore.Touch("c/a")}), context.Canceled)
	assert.Equal(t, 0, s.Len())
}
