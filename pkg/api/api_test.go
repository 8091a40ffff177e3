package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchardproj/orchard/pkg/job"
	"github.com/orchardproj/orchard/pkg/lock"
	"github.com/orchardproj/orchard/pkg/orchestrator"
	"github.com/orchardproj/orchard/pkg/stores"
	"github.com/orchardproj/orchard/pkg/telemetry"
)

type stubExecutor struct {
	failUnits map[string]bool
}

func (e *stubExecutor) Run(_ context.Context, unitID string, _ orchestrator.Operation) error {
	if e.failUnits[unitID] {
		return fmt.Errorf("remote command failed on %s", unitID)
	}
	return nil
}

type testAPI struct {
	handler  http.Handler
	store    *stores.MemoryStore
	orch     *orchestrator.Orchestrator
	locks    *lock.Manager
	registry *job.Registry
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	store := stores.NewMemoryStore()
	locks := lock.NewManager(store, logger, nil)
	registry := job.NewRegistry(time.Minute)
	t.Cleanup(registry.Close)

	orch, err := orchestrator.New(orchestrator.Options{
		Locks:        locks,
		Registry:     registry,
		Environments: store,
		Executor:     &stubExecutor{},
		Logger:       logger,
		History:      store,
		Identity:     "test-api",
	})
	require.NoError(t, err)

	handler := NewRouter(Dependencies{
		Orchestrator: orch,
		Registry:     registry,
		Locks:        locks,
		LockLister:   store,
		Environments: store,
		History:      store,
		Logger:       logger,
	})

	return &testAPI{handler: handler, store: store, orch: orch, locks: locks, registry: registry}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}

	req := httptest.NewRequest(method, path, &reqBody)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NoError(t, json.Unmarshal(env.Data, v))
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzUnhealthy(t *testing.T) {
	a := newTestAPI(t)

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	handler := NewRouter(Dependencies{
		Orchestrator: a.orch,
		Registry:     a.registry,
		Locks:        a.locks,
		LockLister:   a.store,
		Environments: a.store,
		History:      a.store,
		Logger:       logger,
		HealthCheck: func(context.Context) error {
			return errors.New("database gone")
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateAndListEnvironments(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/v1/environments", createEnvironmentBody{
		Name:       "prod",
		Attributes: map[string]string{"region": "eu-west-1"},
		Nodes:      []string{"node-1", "node-2"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Duplicate create conflicts
	rec = a.do(t, http.MethodPost, "/api/v1/environments", createEnvironmentBody{Name: "prod"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Missing name is a bad request
	rec = a.do(t, http.MethodPost, "/api/v1/environments", createEnvironmentBody{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/v1/environments", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var names []string
	decodeData(t, rec, &names)
	assert.Equal(t, []string{"prod"}, names)
}

func TestSubmitConfigureAndPollTicket(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/v1/environments", createEnvironmentBody{
		Name:  "prod",
		Nodes: []string{"node-1", "node-2"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/v1/environments/prod/configure", jobRequestBody{
		Attributes: map[string]string{"x": "1"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var ticket ticketResponse
	decodeData(t, rec, &ticket)
	require.NotEmpty(t, ticket.TicketID)

	a.orch.Wait()

	rec = a.do(t, http.MethodGet, "/api/v1/tickets/"+ticket.TicketID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status job.FinalStatus
	decodeData(t, rec, &status)
	assert.Equal(t, job.StateSucceeded, status.State)
	assert.Equal(t, 2, status.Result.SuccessCount)

	// Attributes were persisted
	env, err := a.store.FindEnvironment(context.Background(), "prod")
	require.NoError(t, err)
	assert.Equal(t, "1", env.Attributes["x"])

	// History was archived
	rec = a.do(t, http.MethodGet, "/api/v1/environments/prod/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []stores.HistoryEntry
	decodeData(t, rec, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, string(job.KindConfigure), entries[0].Kind)
}

func TestGetTicketNotFound(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/v1/tickets/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDestroyRemovesEnvironment(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/v1/environments", createEnvironmentBody{
		Name:  "scratch",
		Nodes: []string{"node-1"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/v1/environments/scratch/destroy", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	a.orch.Wait()

	_, err := a.store.FindEnvironment(context.Background(), "scratch")
	assert.ErrorIs(t, err, orchestrator.ErrEnvironmentNotFound)
}

func TestNodeMembershipEndpoints(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/v1/environments", createEnvironmentBody{Name: "prod"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/v1/environments/prod/nodes", addNodeBody{Node: "node-1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodDelete, "/api/v1/environments/prod/nodes/node-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(t, http.MethodDelete, "/api/v1/environments/prod/nodes/node-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLockEndpoints(t *testing.T) {
	a := newTestAPI(t)

	ok, err := a.locks.Acquire(context.Background(), "prod", "someone-else")
	require.NoError(t, err)
	require.True(t, ok)

	rec := a.do(t, http.MethodGet, "/api/v1/locks", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var records []lock.Record
	decodeData(t, rec, &records)
	require.Len(t, records, 1)
	assert.Equal(t, "prod", records[0].Resource)
	assert.Equal(t, "someone-else", records[0].Owner)

	rec = a.do(t, http.MethodDelete, "/api/v1/locks/prod", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(t, http.MethodDelete, "/api/v1/locks/prod", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
