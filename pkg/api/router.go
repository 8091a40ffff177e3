// Package api exposes the orchestration operations over HTTP. Mutating
// operations return 202 with a ticket id; clients poll the ticket endpoint
// for the outcome.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/orchardproj/orchard/pkg/job"
	"github.com/orchardproj/orchard/pkg/lock"
	"github.com/orchardproj/orchard/pkg/orchestrator"
	"github.com/orchardproj/orchard/pkg/stores"
	"github.com/orchardproj/orchard/pkg/telemetry"
)

// EnvironmentAdmin is the store surface used to register environments and
// nodes. The orchestrator only reads membership; creation goes through here.
type EnvironmentAdmin interface {
	CreateEnvironment(ctx context.Context, env *orchestrator.Environment, members []string) error
	ListEnvironments(ctx context.Context) ([]string, error)
	AddNode(ctx context.Context, environment, nodeID string) error
	RemoveNode(ctx context.Context, environment, nodeID string) (bool, error)
}

// LockLister enumerates currently held lock records.
type LockLister interface {
	ListLockRecords(ctx context.Context) ([]lock.Record, error)
}

// HistoryLister reads archived job outcomes.
type HistoryLister interface {
	ListJobHistory(ctx context.Context, environment string, limit int) ([]stores.HistoryEntry, error)
}

// Dependencies holds everything the router needs.
type Dependencies struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *job.Registry
	Locks        *lock.Manager
	LockLister   LockLister
	Environments EnvironmentAdmin
	History      HistoryLister
	Metrics      *telemetry.Metrics
	Logger       *telemetry.Logger

	// HealthCheck reports backend reachability; nil means always healthy
	HealthCheck func(ctx context.Context) error
}

// NewRouter builds the chi router with the middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	h := &handlers{deps: deps}
	log := deps.Logger.NewComponentLogger("api")

	r := chi.NewRouter()
	r.Use(requestLogger(log))
	r.Use(recovery(log))

	r.Get("/healthz", h.health)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/environments", h.listEnvironments)
		r.Post("/environments", h.createEnvironment)

		r.Route("/environments/{name}", func(r chi.Router) {
			r.Post("/configure", h.submitJob(deps.Orchestrator.Configure))
			r.Post("/bootstrap", h.submitJob(deps.Orchestrator.Bootstrap))
			r.Post("/destroy", h.submitJob(deps.Orchestrator.Destroy))
			r.Get("/history", h.listHistory)
			r.Post("/nodes", h.addNode)
			r.Delete("/nodes/{node}", h.removeNode)
		})

		r.Get("/tickets/{id}", h.getTicket)

		r.Get("/locks", h.listLocks)
		r.Delete("/locks/{resource}", h.releaseLock)
	})

	return r
}
