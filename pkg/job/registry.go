package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTicketNotFound is returned when a ticket id resolves to no active or
// retained job.
var ErrTicketNotFound = errors.New("ticket not found")

// DefaultRetention is how long a terminated job stays resolvable through
// its ticket before it is removed from the registry.
const DefaultRetention = 15 * time.Minute

// Registry is the process-wide store of active jobs, keyed by ticket id.
// All mutation is serialized through an internal mutex; it is safe for
// concurrent use.
type Registry struct {
	retention time.Duration

	mu     sync.Mutex
	jobs   map[string]*Job
	expiry map[string]*time.Timer
	closed bool
}

// NewRegistry creates a registry. A non-positive retention selects
// DefaultRetention.
func NewRegistry(retention time.Duration) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Registry{
		retention: retention,
		jobs:      make(map[string]*Job),
		expiry:    make(map[string]*time.Timer),
	}
}

// Submit creates a job in the queued state, registers it, and returns the
// job together with the caller's ticket. It never blocks on the job's
// execution.
func (r *Registry) Submit(kind Kind) (*Job, Ticket) {
	j := New(kind)
	ticketID := r.Register(j)
	return j, Ticket{ID: ticketID, registry: r}
}

// Register adds a job to the registry and returns its ticket id.
func (r *Registry) Register(j *Job) string {
	ticketID := uuid.New().String()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[ticketID] = j
	return ticketID
}

// Find resolves a ticket id to its job. Unknown and expired ids yield
// ErrTicketNotFound.
func (r *Registry) Find(ticketID string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[ticketID]
	if !ok {
		return nil, ErrTicketNotFound
	}
	return j, nil
}

// Remove deletes a ticket immediately, cancelling any pending retention
// expiry.
func (r *Registry) Remove(ticketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(ticketID)
}

func (r *Registry) removeLocked(ticketID string) {
	if timer, ok := r.expiry[ticketID]; ok {
		timer.Stop()
		delete(r.expiry, ticketID)
	}
	delete(r.jobs, ticketID)
}

// Terminate detaches a job from active tracking: the ticket remains
// resolvable to the job's last recorded status for the retention window,
// after which resolution yields ErrTicketNotFound.
func (r *Registry) Terminate(ticketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, ok := r.jobs[ticketID]; !ok {
		return
	}
	if _, ok := r.expiry[ticketID]; ok {
		return
	}
	r.expiry[ticketID] = time.AfterFunc(r.retention, func() {
		r.Remove(ticketID)
	})
}

// Active returns the number of jobs currently registered, including
// terminated jobs inside their retention window.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Close tears the registry down, cancelling all pending expiries. Tickets
// no longer resolve after Close.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, timer := range r.expiry {
		timer.Stop()
		delete(r.expiry, id)
	}
	r.jobs = make(map[string]*Job)
}

// Ticket is a caller-held handle referencing one job. It never owns job
// data; every resolution goes through the registry.
type Ticket struct {
	// ID is the opaque ticket identifier.
	ID string `json:"ticket_id"`

	registry *Registry
}

// Status returns the job's current snapshot without blocking.
func (t Ticket) Status() (FinalStatus, error) {
	j, err := t.registry.Find(t.ID)
	if err != nil {
		return FinalStatus{}, err
	}
	return j.Snapshot(), nil
}

// Await blocks until the referenced job reaches a terminal state, then
// returns its final snapshot. It unblocks early when ctx is cancelled.
func (t Ticket) Await(ctx context.Context) (FinalStatus, error) {
	j, err := t.registry.Find(t.ID)
	if err != nil {
		return FinalStatus{}, err
	}
	select {
	case <-j.Done():
		return j.Snapshot(), nil
	case <-ctx.Done():
		return FinalStatus{}, ctx.Err()
	}
}
