// Package scheduler implements the constraint solver that places people
// into blocks. Feasibility checking and ranking are organized as chained
// iterator stacks; the driver runs a bounded branch-and-bound search over
// slots ordered smallest-domain-first, checkpointing progress so a killed
// run can resume warm.
package scheduler

import (
	"time"

	"github.com/rosterlab/rosterd/structs"
)

const (
	// defaultCheckpointEvery is the iteration period between checkpoint
	// saves during a run.
	defaultCheckpointEvery = 250

	// defaultMaxBacktracks bounds how many alternative branches the search
	// explores after an incumbent exists.
	defaultMaxBacktracks = 5000
)

// Weights are the soft-objective coefficients. They are configuration, not
// constants; callers override individual fields per run.
type Weights struct {
	// Imbalance scales the Gini coefficient of per-person assignment
	// counts.
	Imbalance float64

	// BackToBack scales the density of adjacent half-day placements.
	BackToBack float64

	// CallSpread scales the variance of call-block counts across people.
	CallSpread float64

	// Sequencing scales rotation churn between consecutive days.
	Sequencing float64
}

// DefaultWeights returns the standard objective coefficients.
func DefaultWeights() Weights {
	return Weights{
		Imbalance:  0.4,
		BackToBack: 0.25,
		CallSpread: 0.2,
		Sequencing: 0.15,
	}
}

// Options configures one solver run.
type Options struct {
	// RunID keys checkpoints; a rerun with the same ID resumes warm.
	RunID string

	// Timeout bounds the search; on expiry the best incumbent is returned
	// with SolveTimeout.
	Timeout time.Duration

	// PreserveExisting keeps persisted assignments in range fixed and
	// solves around them.
	PreserveExisting bool

	// Draft returns the plan without committing it to the repository.
	Draft bool

	// CheckpointEvery is the iteration period between checkpoint saves;
	// zero means the default.
	CheckpointEvery int

	// MaxBacktracks bounds branch exploration; zero means the default.
	MaxBacktracks int

	Weights Weights
}

// DefaultOptions returns the standard solver options.
func DefaultOptions() Options {
	return Options{
		Timeout:         30 * time.Second,
		CheckpointEvery: defaultCheckpointEvery,
		MaxBacktracks:   defaultMaxBacktracks,
		Weights:         DefaultWeights(),
	}
}

func (o *Options) checkpointEvery() int {
	if o.CheckpointEvery <= 0 {
		return defaultCheckpointEvery
	}
	return o.CheckpointEvery
}

func (o *Options) maxBacktracks() int {
	if o.MaxBacktracks <= 0 {
		return defaultMaxBacktracks
	}
	return o.MaxBacktracks
}

// Result is the outcome of a solver run. Partial progress is a normal
// return value: a timed-out or canceled run carries the best incumbent.
type Result struct {
	Status      structs.SolveStatus
	Assignments []*structs.Assignment
	Score       float64
	Violations  []*structs.SoftViolation

	// UnsatCore is set when Status is SolveInfeasible.
	UnsatCore *structs.UnsatCore

	// Iterations is the number of search decisions explored.
	Iterations int

	// Committed is true when the plan was persisted.
	Committed bool
}
