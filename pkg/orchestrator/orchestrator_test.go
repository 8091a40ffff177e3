package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchardproj/orchard/pkg/job"
	"github.com/orchardproj/orchard/pkg/lock"
	"github.com/orchardproj/orchard/pkg/telemetry"
)

// memRecordStore backs the lock manager in tests.
type memRecordStore struct {
	mu      sync.Mutex
	records map[string]*lock.Record
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{records: make(map[string]*lock.Record)}
}

func (s *memRecordStore) FindRecord(_ context.Context, resource string) (*lock.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[resource]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *memRecordStore) CreateRecord(_ context.Context, record *lock.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.Resource]; ok {
		return lock.ErrRecordExists
	}
	cp := *record
	s.records[record.Resource] = &cp
	return nil
}

func (s *memRecordStore) DeleteRecord(_ context.Context, resource string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[resource]; !ok {
		return false, nil
	}
	delete(s.records, resource)
	return true, nil
}

// fakeRepository is an in-memory EnvironmentRepository.
type fakeRepository struct {
	mu      sync.Mutex
	envs    map[string]*Environment
	members map[string][]string

	persistErr error
	persisted  int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		envs:    make(map[string]*Environment),
		members: make(map[string][]string),
	}
}

func (r *fakeRepository) addEnvironment(name string, attrs map[string]string, members ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if attrs == nil {
		attrs = make(map[string]string)
	}
	r.envs[name] = &Environment{Name: name, Attributes: attrs}
	r.members[name] = members
}

func (r *fakeRepository) FindEnvironment(_ context.Context, name string) (*Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.envs[name]
	if !ok {
		return nil, fmt.Errorf("environment %q: %w", name, ErrEnvironmentNotFound)
	}
	cp := *env
	cp.Attributes = make(map[string]string, len(env.Attributes))
	for k, v := range env.Attributes {
		cp.Attributes[k] = v
	}
	return &cp, nil
}

func (r *fakeRepository) PersistEnvironment(_ context.Context, env *Environment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.persistErr != nil {
		return r.persistErr
	}
	r.persisted++
	cp := *env
	r.envs[env.Name] = &cp
	return nil
}

func (r *fakeRepository) ListMembers(_ context.Context, name string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.members[name]...), nil
}

func (r *fakeRepository) DeleteEnvironment(_ context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.envs[name]; !ok {
		return false, nil
	}
	delete(r.envs, name)
	delete(r.members, name)
	return true, nil
}

func (r *fakeRepository) attribute(name, key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.envs[name]
	if !ok {
		return "", false
	}
	v, ok := env.Attributes[key]
	return v, ok
}

func (r *fakeRepository) exists(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.envs[name]
	return ok
}

// fakeExecutor records per-unit calls and fails the configured units.
type fakeExecutor struct {
	mu        sync.Mutex
	failUnits map[string]bool
	calls     []string
	delay     time.Duration

	inFlight    int
	maxInFlight int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{failUnits: make(map[string]bool)}
}

func (e *fakeExecutor) Run(_ context.Context, unitID string, op Operation) error {
	e.mu.Lock()
	e.calls = append(e.calls, unitID)
	e.inFlight++
	if e.inFlight > e.maxInFlight {
		e.maxInFlight = e.inFlight
	}
	fail := e.failUnits[unitID]
	delay := e.delay
	e.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	e.mu.Lock()
	e.inFlight--
	e.mu.Unlock()

	if fail {
		return fmt.Errorf("remote command failed on %s (%s)", unitID, op)
	}
	return nil
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type fixture struct {
	orch     *Orchestrator
	repo     *fakeRepository
	executor *fakeExecutor
	locks    *lock.Manager
	registry *job.Registry
}

func newFixture(t *testing.T, maxParallel int) *fixture {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	repo := newFakeRepository()
	executor := newFakeExecutor()
	locks := lock.NewManager(newMemRecordStore(), logger, nil)
	registry := job.NewRegistry(time.Minute)
	t.Cleanup(registry.Close)

	orch, err := New(Options{
		Locks:        locks,
		Registry:     registry,
		Environments: repo,
		Executor:     executor,
		Logger:       logger,
		Identity:     "test-orchestrator",
		MaxParallel:  maxParallel,
	})
	require.NoError(t, err)

	return &fixture{orch: orch, repo: repo, executor: executor, locks: locks, registry: registry}
}

func await(t *testing.T, ticket job.Ticket) job.FinalStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := ticket.Await(ctx)
	require.NoError(t, err)
	return status
}

func TestConfigureSucceedsOnAllNodes(t *testing.T) {
	f := newFixture(t, 0)
	f.repo.addEnvironment("prod", nil, "node-1", "node-2", "node-3")

	ticket, err := f.orch.Configure(context.Background(), Request{
		Environment: "prod",
		Attributes:  map[string]string{"x": "1"},
	})
	require.NoError(t, err)

	status := await(t, ticket)
	assert.Equal(t, job.StateSucceeded, status.State)
	assert.Equal(t, "finished on 3 nodes", status.Message)
	assert.Equal(t, 3, status.Result.SuccessCount)
	assert.Equal(t, 0, status.Result.FailureCount)
	assert.Equal(t, 3, f.executor.callCount())

	v, ok := f.repo.attribute("prod", "x")
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestConfigurePartialFailureAggregatesCounts(t *testing.T) {
	// Scenario: 3 member nodes, attributes {"x":"1"}, exactly one node
	// fails. Terminal state is failed with counts {success:2, failure:1},
	// and the persisted attribute is not rolled back.
	f := newFixture(t, 0)
	f.repo.addEnvironment("prod", nil, "node-1", "node-2", "node-3")
	f.executor.failUnits["node-2"] = true

	ticket, err := f.orch.Configure(context.Background(), Request{
		Environment: "prod",
		Attributes:  map[string]string{"x": "1"},
	})
	require.NoError(t, err)

	status := await(t, ticket)
	assert.Equal(t, job.StateFailed, status.State)
	assert.Contains(t, status.Message, "failed on 1 of 3 nodes")
	assert.Equal(t, 2, status.Result.SuccessCount)
	assert.Equal(t, 1, status.Result.FailureCount)
	assert.Equal(t, []string{"node-2"}, status.Result.FailedUnits)

	v, ok := f.repo.attribute("prod", "x")
	require.True(t, ok, "persisted attributes are not rolled back on fan-out failure")
	assert.Equal(t, "1", v)
}

func TestConfigureUnknownEnvironmentFailsImmediately(t *testing.T) {
	f := newFixture(t, 0)

	ticket, err := f.orch.Configure(context.Background(), Request{Environment: "ghost"})
	require.NoError(t, err)

	status := await(t, ticket)
	assert.Equal(t, job.StateFailed, status.State)
	assert.Contains(t, status.Message, "not found")
	assert.Equal(t, 0, f.executor.callCount(), "no unit operation may run for a missing environment")
}

func TestDestroyBlockedByForeignLock(t *testing.T) {
	// Scenario A: the environment is locked by another owner; destroy
	// without force fails with a lock conflict and the environment
	// still exists.
	f := newFixture(t, 0)
	f.repo.addEnvironment("destroy_me", nil, "node-1")

	ok, err := f.locks.Acquire(context.Background(), "destroy_me", "owner-a")
	require.NoError(t, err)
	require.True(t, ok)

	ticket, err := f.orch.Destroy(context.Background(), Request{Environment: "destroy_me"})
	require.NoError(t, err)

	status := await(t, ticket)
	assert.Equal(t, job.StateFailed, status.State)
	assert.Contains(t, status.Message, "locked by")
	assert.Contains(t, status.Message, "owner-a")
	assert.True(t, f.repo.exists("destroy_me"))
	assert.Equal(t, 0, f.executor.callCount())
}

func TestDestroyWithForceBypassesLock(t *testing.T) {
	// Scenario B: same setup with force=true; the existing lock is
	// bypassed, destroy succeeds, and the environment is gone.
	f := newFixture(t, 0)
	f.repo.addEnvironment("destroy_me", nil, "node-1")

	ok, err := f.locks.Acquire(context.Background(), "destroy_me", "owner-a")
	require.NoError(t, err)
	require.True(t, ok)

	ticket, err := f.orch.Destroy(context.Background(), Request{Environment: "destroy_me", Force: true})
	require.NoError(t, err)

	status := await(t, ticket)
	assert.Equal(t, job.StateSucceeded, status.State)
	assert.False(t, f.repo.exists("destroy_me"))
}

func TestDestroyKeepsEnvironmentOnNodeFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.repo.addEnvironment("prod", nil, "node-1", "node-2")
	f.executor.failUnits["node-1"] = true

	ticket, err := f.orch.Destroy(context.Background(), Request{Environment: "prod"})
	require.NoError(t, err)

	status := await(t, ticket)
	assert.Equal(t, job.StateFailed, status.State)
	assert.True(t, f.repo.exists("prod"), "environment record stays when any node teardown fails")
}

func TestLockReleasedAfterOrchestration(t *testing.T) {
	f := newFixture(t, 0)
	f.repo.addEnvironment("prod", nil, "node-1")

	ticket, err := f.orch.Configure(context.Background(), Request{Environment: "prod"})
	require.NoError(t, err)
	await(t, ticket)

	rec, err := f.locks.Holder(context.Background(), "prod")
	require.NoError(t, err)
	assert.Nil(t, rec, "lock must be released after the job terminates")
}

func TestLockReleasedWhenPersistFails(t *testing.T) {
	f := newFixture(t, 0)
	f.repo.addEnvironment("prod", nil, "node-1")
	f.repo.persistErr = errors.New("disk full")

	ticket, err := f.orch.Configure(context.Background(), Request{
		Environment: "prod",
		Attributes:  map[string]string{"x": "1"},
	})
	require.NoError(t, err)

	status := await(t, ticket)
	assert.Equal(t, job.StateFailed, status.State)
	assert.Contains(t, status.Message, "disk full")
	assert.Equal(t, 0, f.executor.callCount(), "fan-out must not start when persistence fails")

	rec, err := f.locks.Holder(context.Background(), "prod")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestFanOutRespectsParallelismBound(t *testing.T) {
	f := newFixture(t, 2)
	units := make([]string, 8)
	for i := range units {
		units[i] = fmt.Sprintf("node-%d", i)
	}
	f.repo.addEnvironment("prod", nil, units...)
	f.executor.delay = 10 * time.Millisecond

	ticket, err := f.orch.Configure(context.Background(), Request{Environment: "prod"})
	require.NoError(t, err)

	status := await(t, ticket)
	require.Equal(t, job.StateSucceeded, status.State)
	assert.Equal(t, 8, status.Result.SuccessCount)
	assert.LessOrEqual(t, f.executor.maxInFlight, 2)
}

func TestBootstrapRunsBootstrapOperation(t *testing.T) {
	f := newFixture(t, 0)
	f.repo.addEnvironment("prod", nil, "node-1", "node-2")

	ticket, err := f.orch.Bootstrap(context.Background(), Request{Environment: "prod"})
	require.NoError(t, err)

	status := await(t, ticket)
	assert.Equal(t, job.StateSucceeded, status.State)
	assert.Equal(t, job.KindBootstrap, status.Kind)
	assert.Equal(t, 2, status.Result.SuccessCount)
}

func TestConfigureEmptyEnvironmentName(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.orch.Configure(context.Background(), Request{})
	assert.Error(t, err, "requests are validated before a job is created")
}

func TestTicketRemainsResolvableAfterTermination(t *testing.T) {
	f := newFixture(t, 0)
	f.repo.addEnvironment("prod", nil, "node-1")

	ticket, err := f.orch.Configure(context.Background(), Request{Environment: "prod"})
	require.NoError(t, err)
	await(t, ticket)
	f.orch.Wait()

	// The job has been terminated, but the ticket resolves to the final
	// snapshot for the retention window.
	status, err := ticket.Status()
	require.NoError(t, err)
	assert.Equal(t, job.StateSucceeded, status.State)
}
