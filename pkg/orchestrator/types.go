package orchestrator

import (
	"time"
)

// Operation is the remote operation dispatched to each member unit.
type Operation string

const (
	OpConfigure Operation = "configure"
	OpBootstrap Operation = "bootstrap"
	OpDestroy   Operation = "destroy"
)

// Environment is the named resource under orchestration: a set of member
// nodes plus a persisted attribute map.
type Environment struct {
	// Name is the environment's unique identifier.
	Name string `json:"name"`

	// Attributes is the persisted configuration attribute set.
	Attributes map[string]string `json:"attributes"`

	// UpdatedAt is when the environment was last persisted.
	UpdatedAt time.Time `json:"updated_at"`
}

// MergeAttributes merges attrs into the environment's attribute set,
// last write wins per key.
func (e *Environment) MergeAttributes(attrs map[string]string) {
	if len(attrs) == 0 {
		return
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]string, len(attrs))
	}
	for k, v := range attrs {
		e.Attributes[k] = v
	}
}

// Request describes one orchestration request. Immutable once submitted.
type Request struct {
	// Environment is the name of the target environment.
	Environment string `json:"environment" validate:"required"`

	// Attributes are merged into the environment's persisted attributes
	// before the per-node fan-out.
	Attributes map[string]string `json:"attributes,omitempty" validate:"omitempty,dive,keys,required,endkeys"`

	// Force bypasses an existing lock held by another owner.
	Force bool `json:"force,omitempty"`
}

// NodeResult is the outcome of one unit's remote operation. Exactly one
// is produced per unit per request; failed units are never retried
// automatically.
type NodeResult struct {
	// UnitID identifies the member node.
	UnitID string

	// Err is the unit's failure, or nil on success.
	Err error
}

// Failed reports whether the unit's operation failed.
func (r NodeResult) Failed() bool { return r.Err != nil }
