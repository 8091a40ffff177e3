package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchardproj/orchard/pkg/telemetry"
)

// fakeRecordStore is an in-memory RecordStore for exercising the manager.
type fakeRecordStore struct {
	mu      sync.Mutex
	records map[string]*Record

	findErr   error
	createErr error
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: make(map[string]*Record)}
}

func (s *fakeRecordStore) FindRecord(_ context.Context, resource string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	rec, ok := s.records[resource]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeRecordStore) CreateRecord(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if _, ok := s.records[record.Resource]; ok {
		return ErrRecordExists
	}
	cp := *record
	s.records[record.Resource] = &cp
	return nil
}

func (s *fakeRecordStore) DeleteRecord(_ context.Context, resource string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[resource]; !ok {
		return false, nil
	}
	delete(s.records, resource)
	return true, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeRecordStore) {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	store := newFakeRecordStore()
	return NewManager(store, logger, nil), store
}

func TestAcquireIsIdempotentForSameOwner(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "env-prod", "owner-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Acquire(ctx, "env-prod", "owner-a")
	require.NoError(t, err)
	assert.True(t, ok, "re-entrant acquisition by the same owner must succeed")
}

func TestAcquireRejectsOtherOwner(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "env-prod", "owner-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Acquire(ctx, "env-prod", "owner-b")
	require.NoError(t, err)
	assert.False(t, ok)

	// After release by the holder, the other owner can acquire.
	released, err := m.Release(ctx, "env-prod", "owner-a")
	require.NoError(t, err)
	require.True(t, released)

	ok, err = m.Acquire(ctx, "env-prod", "owner-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseByNonHolderIsNoOp(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "env-prod", "owner-a")
	require.NoError(t, err)
	require.True(t, ok)

	released, err := m.Release(ctx, "env-prod", "owner-b")
	require.NoError(t, err)
	assert.False(t, released)

	rec, err := store.FindRecord(ctx, "env-prod")
	require.NoError(t, err)
	require.NotNil(t, rec, "record must remain intact after a non-holder release")
	assert.Equal(t, "owner-a", rec.Owner)
}

func TestForceReleaseDeletesUnconditionally(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "env-prod", "owner-a")
	require.NoError(t, err)

	deleted, err := m.ForceRelease(ctx, "env-prod")
	require.NoError(t, err)
	assert.True(t, deleted)

	rec, err := store.FindRecord(ctx, "env-prod")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestAcquireLostCreateRace(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	// Simulate losing the create race: the find sees no record, but the
	// create reports one already exists, written by another owner.
	store.createErr = ErrRecordExists

	ok, err := m.Acquire(ctx, "env-prod", "owner-a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunExclusiveConflictDoesNotInvokeBody(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "env-prod", "holder")
	require.NoError(t, err)
	require.True(t, ok)

	invoked := false
	err = m.RunExclusive(ctx, "env-prod", "other", false, func(context.Context) error {
		invoked = true
		return nil
	})

	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "env-prod", ce.Resource)
	assert.Equal(t, "holder", ce.Holder)
	assert.False(t, ce.AcquiredAt.IsZero())
	assert.False(t, invoked, "body must not run when the lock is contended")
}

func TestRunExclusiveForceBypassesExistingLock(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "env-prod", "holder")
	require.NoError(t, err)
	require.True(t, ok)

	invoked := false
	err = m.RunExclusive(ctx, "env-prod", "other", true, func(context.Context) error {
		invoked = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, invoked)

	rec, err := store.FindRecord(ctx, "env-prod")
	require.NoError(t, err)
	assert.Nil(t, rec, "lock must be released after the body returns")
}

func TestRunExclusiveReleasesOnBodyError(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	bodyErr := errors.New("boom")
	err := m.RunExclusive(ctx, "env-prod", "owner-a", false, func(context.Context) error {
		return bodyErr
	})
	require.ErrorIs(t, err, bodyErr)

	rec, err := store.FindRecord(ctx, "env-prod")
	require.NoError(t, err)
	assert.Nil(t, rec, "lock must be released when the body fails")
}

func TestRunExclusiveReleasesOnPanic(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	func() {
		defer func() { _ = recover() }()
		_ = m.RunExclusive(ctx, "env-prod", "owner-a", false, func(context.Context) error {
			panic("unit blew up")
		})
	}()

	rec, err := store.FindRecord(ctx, "env-prod")
	require.NoError(t, err)
	assert.Nil(t, rec, "lock must be released even when the body panics")
}

func TestConflictErrorMessage(t *testing.T) {
	ce := &ConflictError{
		Resource:   "env-prod",
		Holder:     "worker-1",
		AcquiredAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	assert.Contains(t, ce.Error(), "env-prod")
	assert.Contains(t, ce.Error(), "worker-1")
	assert.True(t, IsConflict(ce))
	assert.False(t, IsConflict(errors.New("other")))
}
