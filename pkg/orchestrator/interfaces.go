package orchestrator

import (
	"context"
	"errors"

	"github.com/orchardproj/orchard/pkg/job"
)

// ErrEnvironmentNotFound is returned by EnvironmentRepository
// implementations when the named environment does not exist.
var ErrEnvironmentNotFound = errors.New("environment not found")

// EnvironmentRepository persists environments and their node membership.
type EnvironmentRepository interface {
	// FindEnvironment returns the environment by name, or an error
	// wrapping ErrEnvironmentNotFound when absent.
	FindEnvironment(ctx context.Context, name string) (*Environment, error)

	// PersistEnvironment saves the environment's attribute set.
	PersistEnvironment(ctx context.Context, env *Environment) error

	// ListMembers returns the ids of the environment's member units.
	ListMembers(ctx context.Context, name string) ([]string, error)

	// DeleteEnvironment removes the environment and its membership,
	// reporting whether anything was deleted.
	DeleteEnvironment(ctx context.Context, name string) (bool, error)
}

// UnitExecutor runs one remote operation against one unit. Implementations
// must be safe for concurrent use: the orchestrator dispatches one call
// per member unit in parallel.
type UnitExecutor interface {
	Run(ctx context.Context, unitID string, op Operation) error
}

// HistorySink receives the terminal snapshot of every job for durable
// bookkeeping. Append failures are logged, never surfaced to callers.
type HistorySink interface {
	AppendJobHistory(ctx context.Context, environment string, status job.FinalStatus) error
}
