// Package lock implements distributed mutual exclusion over named
// resources, backed by a shared record store. At most one lock record
// exists per resource; the record's owner identifies the holder.
//
// Mutual exclusion is only as strong as the backing store's Create
// primitive: Create must be an atomic create-if-absent (the SQLite and
// Redis stores both provide this). A store whose Create can let two
// concurrent callers succeed cannot guarantee exclusion.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orchardproj/orchard/pkg/telemetry"
)

// ErrRecordExists is returned by RecordStore.CreateRecord when a record
// for the resource already exists.
var ErrRecordExists = errors.New("lock record already exists")

// Record is the persisted ownership marker for one resource.
type Record struct {
	// Resource is the name of the locked resource (unique key).
	Resource string `json:"resource"`

	// Owner identifies the holder of the lock.
	Owner string `json:"owner"`

	// AcquiredAt is when the lock was acquired.
	AcquiredAt time.Time `json:"acquired_at"`
}

// RecordStore is the remote store backing the lock manager.
// Implementations must be safe for concurrent use.
type RecordStore interface {
	// FindRecord returns the record for resource, or nil when absent.
	FindRecord(ctx context.Context, resource string) (*Record, error)

	// CreateRecord persists a new record. It must behave as an atomic
	// create-if-absent and return ErrRecordExists when a record for the
	// resource is already present.
	CreateRecord(ctx context.Context, record *Record) error

	// DeleteRecord removes the record for resource. It reports whether a
	// record was deleted.
	DeleteRecord(ctx context.Context, resource string) (bool, error)
}

// ConflictError reports that a resource is locked by another owner.
type ConflictError struct {
	Resource   string
	Holder     string
	AcquiredAt time.Time
}

func (e *ConflictError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("resource %q is locked by another owner", e.Resource)
	}
	return fmt.Sprintf("resource %q is locked by %q since %s",
		e.Resource, e.Holder, e.AcquiredAt.Format(time.RFC3339))
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// Manager coordinates lock acquisition and release against a RecordStore.
type Manager struct {
	store   RecordStore
	log     *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewManager creates a lock manager. metrics may be nil.
func NewManager(store RecordStore, logger *telemetry.Logger, metrics *telemetry.Metrics) *Manager {
	return &Manager{
		store:   store,
		log:     logger.NewComponentLogger("lock"),
		metrics: metrics,
	}
}

// Acquire attempts to take the lock on resource for owner. It returns true
// when the lock was created or is already held by the same owner
// (re-entrant acquisition), false when another owner holds it. Acquire
// never blocks waiting for the lock and never retries.
func (m *Manager) Acquire(ctx context.Context, resource, owner string) (bool, error) {
	rec, err := m.store.FindRecord(ctx, resource)
	if err != nil {
		return false, fmt.Errorf("failed to look up lock record for %q: %w", resource, err)
	}

	if rec != nil {
		if rec.Owner == owner {
			m.record("reentrant")
			return true, nil
		}
		m.record("conflict")
		return false, nil
	}

	err = m.store.CreateRecord(ctx, &Record{
		Resource:   resource,
		Owner:      owner,
		AcquiredAt: time.Now().UTC(),
	})
	if errors.Is(err, ErrRecordExists) {
		// Lost the create race. The winner may still be this owner if a
		// concurrent call raced us.
		rec, ferr := m.store.FindRecord(ctx, resource)
		if ferr != nil {
			return false, fmt.Errorf("failed to re-check lock record for %q: %w", resource, ferr)
		}
		if rec != nil && rec.Owner == owner {
			m.record("reentrant")
			return true, nil
		}
		m.record("conflict")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create lock record for %q: %w", resource, err)
	}

	m.log.WithField("resource", resource).WithField("owner", owner).Debug("lock acquired")
	m.record("acquired")
	return true, nil
}

// Release deletes the lock record iff it exists and is owned by owner.
// It reports whether the record was deleted; releasing a lock held by a
// different owner is a no-op.
func (m *Manager) Release(ctx context.Context, resource, owner string) (bool, error) {
	rec, err := m.store.FindRecord(ctx, resource)
	if err != nil {
		return false, fmt.Errorf("failed to look up lock record for %q: %w", resource, err)
	}
	if rec == nil || rec.Owner != owner {
		return false, nil
	}

	deleted, err := m.store.DeleteRecord(ctx, resource)
	if err != nil {
		return false, fmt.Errorf("failed to delete lock record for %q: %w", resource, err)
	}
	if deleted {
		m.log.WithField("resource", resource).WithField("owner", owner).Debug("lock released")
	}
	return deleted, nil
}

// ForceRelease unconditionally deletes the lock record for resource.
// Reserved for explicit operator overrides and shutdown cleanup.
func (m *Manager) ForceRelease(ctx context.Context, resource string) (bool, error) {
	deleted, err := m.store.DeleteRecord(ctx, resource)
	if err != nil {
		return false, fmt.Errorf("failed to force-release lock on %q: %w", resource, err)
	}
	if deleted {
		m.log.WithField("resource", resource).Warn("lock force-released")
	}
	return deleted, nil
}

// Holder returns the current lock record for resource, or nil when the
// resource is unlocked.
func (m *Manager) Holder(ctx context.Context, resource string) (*Record, error) {
	return m.store.FindRecord(ctx, resource)
}

// RunExclusive runs fn while holding the lock on resource. When the lock
// is held by another owner it returns a *ConflictError without invoking
// fn, unless force is set, in which case the existing lock is released
// first. On success the release is attempted on every exit path of fn; a
// failed release is logged but not returned.
func (m *Manager) RunExclusive(ctx context.Context, resource, owner string, force bool, fn func(ctx context.Context) error) error {
	ok, err := m.Acquire(ctx, resource, owner)
	if err != nil {
		return err
	}

	if !ok && force {
		if _, err := m.ForceRelease(ctx, resource); err != nil {
			return err
		}
		ok, err = m.Acquire(ctx, resource, owner)
		if err != nil {
			return err
		}
	}

	if !ok {
		ce := &ConflictError{Resource: resource}
		if rec, ferr := m.store.FindRecord(ctx, resource); ferr == nil && rec != nil {
			ce.Holder = rec.Owner
			ce.AcquiredAt = rec.AcquiredAt
		}
		return ce
	}

	defer func() {
		if _, rerr := m.Release(ctx, resource, owner); rerr != nil {
			m.log.WithError(rerr).WithField("resource", resource).Warn("failed to release lock")
		}
	}()

	return fn(ctx)
}

func (m *Manager) record(outcome string) {
	if m.metrics != nil {
		m.metrics.RecordLockAcquisition(outcome)
	}
}
