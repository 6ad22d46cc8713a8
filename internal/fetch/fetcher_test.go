package fetch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansplan/schedsync/internal/alert"
	"github.com/ansplan/schedsync/internal/model"
	"github.com/ansplan/schedsync/internal/upstream"
)

type fakeBroker struct {
	token     int
	refreshes int
	err       error
}

func (b *fakeBroker) Acquire(ctx context.Context) (model.Credential, error) {
	if b.err != nil {
		return model.Credential{}, b.err
	}
	return model.Credential{Token: fmt.Sprint(b.token)}, nil
}

func (b *fakeBroker) RefreshIfStale(ctx context.Context, stale model.Credential) (model.Credential, error) {
	b.refreshes++
	b.token++
	return model.Credential{Token: fmt.Sprint(b.token)}, nil
}

type scriptedUpstream struct {
	errs  []error
	calls int
	creds []string
}

func (u *scriptedUpstream) next(cred model.Credential) error {
	u.creds = append(u.creds, cred.Token)
	defer func() { u.calls++ }()
	if u.calls < len(u.errs) {
		return u.errs[u.calls]
	}
	return nil
}

func (u *scriptedUpstream) FetchWeek(ctx context.Context, cred model.Credential, groupID int64, weekStart time.Time) ([]upstream.ClassItem, error) {
	if err := u.next(cred); err != nil {
		return nil, err
	}
	return []upstream.ClassItem{{}}, nil
}

func (u *scriptedUpstream) FetchGroupTree(ctx context.Context, cred model.Credential, semesterID int) ([]model.GroupNode, error) {
	if err := u.next(cred); err != nil {
		return nil, err
	}
	return []model.GroupNode{{Kind: model.NodeUnit, Label: "IEZI"}}, nil
}

func TestWeek_RetriesOnceAfterExpiredSession(t *testing.T) {
	b := &fakeBroker{}
	up := &scriptedUpstream{errs: []error{model.ErrSessionExpired}}
	f := New(b, up, &alert.Recorder{}, zerolog.Nop())

	items, err := f.Week(context.Background(), 42, time.Now())
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 1, b.refreshes)
	assert.Equal(t, []string{"0", "1"}, up.creds)
}

func TestWeek_GivesUpAfterSecondExpiry(t *testing.T) {
	b := &fakeBroker{}
	up := &scriptedUpstream{errs: []error{model.ErrSessionExpired, model.ErrSessionExpired, model.ErrSessionExpired}}
	f := New(b, up, &alert.Recorder{}, zerolog.Nop())

	_, err := f.Week(context.Background(), 42, time.Now())
	require.ErrorIs(t, err, model.ErrSessionExpired)
	assert.Equal(t, 2, up.calls)
}

func TestWeek_BlockedRaisesAlertAndFails(t *testing.T) {
	rec := &alert.Recorder{}
	up := &scriptedUpstream{errs: []error{fmt.Errorf("status 429: %w", model.ErrUpstreamBlocked)}}
	f := New(&fakeBroker{}, up, rec, zerolog.Nop())

	_, err := f.Week(context.Background(), 42, time.Now())
	require.ErrorIs(t, err, model.ErrUpstreamBlocked)
	assert.Equal(t, 1, up.calls)
	require.Len(t, rec.Messages(), 1)
	assert.Contains(t, rec.Messages()[0].Body, "group 42")
}

func TestWeek_OtherErrorsAreNotRetried(t *testing.T) {
	up := &scriptedUpstream{errs: []error{errors.New("status 500")}}
	rec := &alert.Recorder{}
	f := New(&fakeBroker{}, up, rec, zerolog.Nop())

	_, err := f.Week(context.Background(), 42, time.Now())
	require.Error(t, err)
	assert.Equal(t, 1, up.calls)
	assert.Empty(t, rec.Messages())
}

func TestGroupTree_NoCredentialIsFatal(t *testing.T) {
	up := &scriptedUpstream{}
	f := New(&fakeBroker{err: model.ErrNoCredential}, up, &alert.Recorder{}, zerolog.Nop())

	_, err := f.GroupTree(context.Background(), 88)
	require.ErrorIs(t, err, model.ErrNoCredential)
	assert.Zero(t, up.calls)
}

func TestGroupTree_Success(t *testing.T) {
	f := New(&fakeBroker{}, &scriptedUpstream{}, &alert.Recorder{}, zerolog.Nop())
	nodes, err := f.GroupTree(context.Background(), 88)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}
