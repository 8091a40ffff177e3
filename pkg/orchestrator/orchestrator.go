// Package orchestrator executes environment lifecycle operations
// (configure, bootstrap, destroy) end to end: acquire the environment
// lock, persist attribute changes, fan out one remote operation per
// member node, aggregate per-node outcomes, and drive the tracking job
// to a terminal state. Per-node failures are isolated and counted; no
// error crosses the ticket boundary as a raised fault.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/trace"

	"github.com/orchardproj/orchard/pkg/job"
	"github.com/orchardproj/orchard/pkg/lock"
	"github.com/orchardproj/orchard/pkg/telemetry"
)

// Options configures an Orchestrator. Locks, Registry, Environments,
// Executor and Logger are required; the rest are optional.
type Options struct {
	Locks        *lock.Manager
	Registry     *job.Registry
	Environments EnvironmentRepository
	Executor     UnitExecutor
	Logger       *telemetry.Logger
	Metrics      *telemetry.Metrics
	Tracer       *telemetry.Tracer
	History      HistorySink

	// Identity names this orchestrator as a lock owner. Required.
	Identity string

	// MaxParallel bounds the per-node fan-out; 0 means unbounded.
	MaxParallel int
}

// Orchestrator coordinates lifecycle operations against environments.
type Orchestrator struct {
	locks    *lock.Manager
	registry *job.Registry
	envs     EnvironmentRepository
	executor UnitExecutor
	log      *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	history  HistorySink

	identity    string
	maxParallel int
	validate    *validator.Validate

	// wg tracks in-flight jobs so a shutdown can drain them.
	wg sync.WaitGroup
}

// New creates an orchestrator from opts.
func New(opts Options) (*Orchestrator, error) {
	if opts.Locks == nil || opts.Registry == nil || opts.Environments == nil || opts.Executor == nil {
		return nil, fmt.Errorf("locks, registry, environments and executor are required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts.Identity == "" {
		return nil, fmt.Errorf("orchestrator identity is required")
	}

	return &Orchestrator{
		locks:       opts.Locks,
		registry:    opts.Registry,
		envs:        opts.Environments,
		executor:    opts.Executor,
		log:         opts.Logger.NewComponentLogger("orchestrator"),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		history:     opts.History,
		identity:    opts.Identity,
		maxParallel: opts.MaxParallel,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Identity returns the lock owner identity of this orchestrator.
func (o *Orchestrator) Identity() string { return o.identity }

// Configure merges the request's attributes into the environment and runs
// the configure operation on every member node. It returns a ticket
// immediately; the job runs asynchronously.
func (o *Orchestrator) Configure(ctx context.Context, req Request) (job.Ticket, error) {
	return o.submit(ctx, job.KindConfigure, req)
}

// Bootstrap provisions every member node of the environment.
func (o *Orchestrator) Bootstrap(ctx context.Context, req Request) (job.Ticket, error) {
	return o.submit(ctx, job.KindBootstrap, req)
}

// Destroy tears down every member node and, when all of them succeed,
// deletes the environment record. Attribute merging is skipped.
func (o *Orchestrator) Destroy(ctx context.Context, req Request) (job.Ticket, error) {
	return o.submit(ctx, job.KindDestroy, req)
}

func (o *Orchestrator) submit(_ context.Context, kind job.Kind, req Request) (job.Ticket, error) {
	if err := o.validate.Struct(req); err != nil {
		return job.Ticket{}, fmt.Errorf("invalid orchestration request: %w", err)
	}

	j, ticket := o.registry.Submit(kind)
	if o.metrics != nil {
		o.metrics.RecordJobStarted(string(kind))
	}

	o.log.WithJobID(j.ID()).
		WithEnvironment(req.Environment).
		Infof("submitted %s request", kind)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(j, ticket.ID, kind, req)
	}()

	return ticket, nil
}

// Wait blocks until every in-flight job has reached a terminal state.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// run drives one job to a terminal state. The job always terminates: any
// error outside the per-unit isolation boundary fails the job, and the
// registry entry is detached regardless of outcome.
func (o *Orchestrator) run(j *job.Job, ticketID string, kind job.Kind, req Request) {
	// The submitting call returns immediately; the job runs on its own
	// context so a caller timeout does not cancel dispatched work.
	ctx := context.Background()
	start := time.Now()
	log := o.log.WithJobID(j.ID()).WithEnvironment(req.Environment)

	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.StartJobSpan(ctx, j.ID(), string(kind), req.Environment)
		defer span.End()
	}

	defer func() {
		o.registry.Terminate(ticketID)
		snap := j.Snapshot()
		if o.metrics != nil {
			o.metrics.RecordJobCompleted(string(kind), string(snap.State), time.Since(start))
		}
		if o.history != nil {
			if err := o.history.AppendJobHistory(context.Background(), req.Environment, snap); err != nil {
				log.WithError(err).Warn("failed to append job history")
			}
		}
	}()

	j.MarkRunning(fmt.Sprintf("finding environment %q", req.Environment))

	env, err := o.envs.FindEnvironment(ctx, req.Environment)
	if err != nil {
		if errors.Is(err, ErrEnvironmentNotFound) {
			log.Warn("environment not found")
		} else {
			log.WithError(err).Error("environment lookup failed")
		}
		j.Fail(err)
		return
	}

	err = o.locks.RunExclusive(ctx, env.Name, o.identity, req.Force, func(ctx context.Context) error {
		return o.runLocked(ctx, log, j, kind, req, env)
	})
	if err != nil {
		if lock.IsConflict(err) {
			log.WithError(err).Warn("lock conflict")
		} else {
			log.WithError(err).Errorf("%s failed", kind)
		}
		j.Fail(err)
		return
	}
}

// runLocked is the body executed under the environment lock. The attribute
// persistence in here is deliberately not transactional with the fan-out:
// attributes already written stay written even when node operations fail.
func (o *Orchestrator) runLocked(ctx context.Context, log *telemetry.Logger, j *job.Job, kind job.Kind, req Request, env *Environment) error {
	if kind != job.KindDestroy && len(req.Attributes) > 0 {
		j.SetStatus("persisting environment attributes")
		env.MergeAttributes(req.Attributes)
		if err := o.envs.PersistEnvironment(ctx, env); err != nil {
			return fmt.Errorf("failed to persist attributes for %q: %w", env.Name, err)
		}
	}

	units, err := o.envs.ListMembers(ctx, env.Name)
	if err != nil {
		return fmt.Errorf("failed to list members of %q: %w", env.Name, err)
	}

	op := operationFor(kind)
	j.SetStatus(fmt.Sprintf("running %s on %d nodes", op, len(units)))

	results := o.fanOut(ctx, units, op)

	successes := 0
	var failedUnits []string
	for _, res := range results {
		if res.Failed() {
			failedUnits = append(failedUnits, res.UnitID)
			continue
		}
		successes++
	}

	j.SetResult(job.Result{
		SuccessCount: successes,
		FailureCount: len(failedUnits),
		FailedUnits:  failedUnits,
	})

	if len(failedUnits) > 0 {
		return fmt.Errorf("failed on %d of %d nodes", len(failedUnits), len(units))
	}

	if kind == job.KindDestroy {
		if _, err := o.envs.DeleteEnvironment(ctx, env.Name); err != nil {
			return fmt.Errorf("failed to delete environment %q: %w", env.Name, err)
		}
	}

	log.Infof("%s finished on %d nodes", kind, len(units))
	j.Succeed(fmt.Sprintf("finished on %d nodes", len(units)))
	return nil
}

// fanOut dispatches one remote operation per unit and blocks until all of
// them complete. A unit failure never cancels or affects its siblings; it
// is recorded, logged and counted.
func (o *Orchestrator) fanOut(ctx context.Context, units []string, op Operation) []NodeResult {
	results := make([]NodeResult, len(units))

	var sem chan struct{}
	if o.maxParallel > 0 {
		sem = make(chan struct{}, o.maxParallel)
	}

	var wg sync.WaitGroup
	for i, unit := range units {
		wg.Add(1)
		go func(i int, unit string) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}

			unitCtx := ctx
			var span trace.Span
			if o.tracer != nil {
				unitCtx, span = o.tracer.StartUnitSpan(ctx, unit, string(op))
			}

			start := time.Now()
			err := o.executor.Run(unitCtx, unit, op)
			status := "success"
			if err != nil {
				status = "failure"
				o.log.WithUnitID(unit).WithError(err).Errorf("%s failed", op)
			}
			if o.metrics != nil {
				o.metrics.RecordNodeOperation(string(op), status, time.Since(start))
			}
			if span != nil {
				if err != nil {
					telemetry.RecordError(span, err)
				} else {
					telemetry.RecordSuccess(span)
				}
				span.End()
			}

			results[i] = NodeResult{UnitID: unit, Err: err}
		}(i, unit)
	}
	wg.Wait()

	return results
}

func operationFor(kind job.Kind) Operation {
	switch kind {
	case job.KindBootstrap:
		return OpBootstrap
	case job.KindDestroy:
		return OpDestroy
	default:
		return OpConfigure
	}
}
