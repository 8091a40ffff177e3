package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/orchardproj/orchard/pkg/job"
	"github.com/orchardproj/orchard/pkg/lock"
	"github.com/orchardproj/orchard/pkg/orchestrator"
)

// MemoryStore is an in-memory implementation of lock.RecordStore,
// orchestrator.EnvironmentRepository and orchestrator.HistorySink. State is
// lost on restart; it serves tests and single-process dev setups.
type MemoryStore struct {
	mu      sync.Mutex
	locks   map[string]lock.Record
	envs    map[string]orchestrator.Environment
	members map[string][]string
	history map[string][]HistoryEntry
	nextID  int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:   make(map[string]lock.Record),
		envs:    make(map[string]orchestrator.Environment),
		members: make(map[string][]string),
		history: make(map[string][]HistoryEntry),
	}
}

// --- lock.RecordStore ---

func (s *MemoryStore) FindRecord(_ context.Context, resource string) (*lock.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.locks[resource]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) CreateRecord(_ context.Context, record *lock.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.locks[record.Resource]; ok {
		return lock.ErrRecordExists
	}
	s.locks[record.Resource] = *record
	return nil
}

func (s *MemoryStore) DeleteRecord(_ context.Context, resource string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.locks[resource]; !ok {
		return false, nil
	}
	delete(s.locks, resource)
	return true, nil
}

// ListLockRecords returns all held lock records ordered by resource.
func (s *MemoryStore) ListLockRecords(_ context.Context) ([]lock.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]lock.Record, 0, len(s.locks))
	for _, rec := range s.locks {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Resource < records[j].Resource })
	return records, nil
}

// --- orchestrator.EnvironmentRepository ---

func (s *MemoryStore) CreateEnvironment(_ context.Context, env *orchestrator.Environment, members []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.envs[env.Name]; ok {
		return fmt.Errorf("environment %q already exists", env.Name)
	}

	s.envs[env.Name] = copyEnvironment(env)
	s.members[env.Name] = append([]string(nil), members...)
	return nil
}

func (s *MemoryStore) FindEnvironment(_ context.Context, name string) (*orchestrator.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := s.envs[name]
	if !ok {
		return nil, fmt.Errorf("environment %q: %w", name, orchestrator.ErrEnvironmentNotFound)
	}
	cp := copyEnvironment(&env)
	return &cp, nil
}

func (s *MemoryStore) PersistEnvironment(_ context.Context, env *orchestrator.Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := copyEnvironment(env)
	cp.UpdatedAt = time.Now().UTC()
	s.envs[env.Name] = cp
	return nil
}

func (s *MemoryStore) ListEnvironments(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.envs))
	for name := range s.envs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) ListMembers(_ context.Context, name string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.members[name]...), nil
}

func (s *MemoryStore) AddNode(_ context.Context, environment, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.members[environment] {
		if id == nodeID {
			return nil
		}
	}
	s.members[environment] = append(s.members[environment], nodeID)
	return nil
}

func (s *MemoryStore) RemoveNode(_ context.Context, environment, nodeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.members[environment]
	for i, id := range members {
		if id == nodeID {
			s.members[environment] = append(members[:i], members[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) DeleteEnvironment(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.envs[name]; !ok {
		return false, nil
	}
	delete(s.envs, name)
	delete(s.members, name)
	return true, nil
}

// --- orchestrator.HistorySink ---

func (s *MemoryStore) AppendJobHistory(_ context.Context, environment string, status job.FinalStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.history[environment] = append(s.history[environment], HistoryEntry{
		ID:           s.nextID,
		JobID:        status.JobID,
		Environment:  environment,
		Kind:         string(status.Kind),
		State:        string(status.State),
		Message:      status.Message,
		SuccessCount: status.Result.SuccessCount,
		FailureCount: status.Result.FailureCount,
		FailedUnits:  append([]string(nil), status.Result.FailedUnits...),
		CreatedAt:    status.CreatedAt,
		RecordedAt:   time.Now().UTC(),
	})
	return nil
}

// ListJobHistory returns archived outcomes for an environment, newest first.
func (s *MemoryStore) ListJobHistory(_ context.Context, environment string, limit int) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}

	entries := s.history[environment]
	out := []HistoryEntry{}
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

// FindJobHistory returns the archived outcome for a job ID, or nil when the
// job was never recorded.
func (s *MemoryStore) FindJobHistory(_ context.Context, jobID string) (*HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entries := range s.history {
		for i := len(entries) - 1; i >= 0; i-- {
			if entries[i].JobID == jobID {
				e := entries[i]
				return &e, nil
			}
		}
	}
	return nil, nil
}

func copyEnvironment(env *orchestrator.Environment) orchestrator.Environment {
	cp := *env
	cp.Attributes = make(map[string]string, len(env.Attributes))
	for k, v := range env.Attributes {
		cp.Attributes[k] = v
	}
	return cp
}
