package structs

import "fmt"

// SolveStatus is the terminal state of a solver run. Partial progress is a
// normal return value, never an error.
type SolveStatus string

const (
	SolveOK         SolveStatus = "OK"
	SolveTimeout    SolveStatus = "TIMEOUT"
	SolveInfeasible SolveStatus = "INFEASIBLE"
	SolveCanceled   SolveStatus = "CANCELED"
)

// HardConstraint names the hard rules the solver enforces. These appear in
// UNSAT cores and in conflict complexity accounting.
type HardConstraint string

const (
	ConstraintDoubleBooking HardConstraint = "no-double-booking"
	ConstraintSupervision   HardConstraint = "supervision-ratio"
	ConstraintOneInSeven    HardConstraint = "one-in-seven"
	ConstraintEightyHour    HardConstraint = "eighty-hour-average"
	ConstraintShiftCap      HardConstraint = "pgy-shift-cap"
	ConstraintAvailability  HardConstraint = "availability"
	ConstraintCredential    HardConstraint = "credential"
)

// UnsatCore identifies a hard constraint that could not be satisfied,
// naming the offending block and, when known, person.
type UnsatCore struct {
	Constraint HardConstraint
	BlockID    string
	PersonID   string
	Detail     string
}

func (u *UnsatCore) String() string {
	s := fmt.Sprintf("%s on block %s", u.Constraint, u.BlockID)
	if u.PersonID != "" {
		s += " for person " + u.PersonID
	}
	if u.Detail != "" {
		s += ": " + u.Detail
	}
	return s
}

// SoftViolationKind names the soft rules that contribute cost instead of
// pruning the search.
type SoftViolationKind string

const (
	SoftUncoveredBlock    SoftViolationKind = "UNCOVERED_BLOCK"
	SoftWorkloadImbalance SoftViolationKind = "WORKLOAD_IMBALANCE"
	SoftBackToBack        SoftViolationKind = "BACK_TO_BACK"
	SoftCallSpread        SoftViolationKind = "CALL_SPREAD"
	SoftSequencing        SoftViolationKind = "ROTATION_SEQUENCING"
)

// SoftViolation is one soft-rule finding attached to a solve result.
type SoftViolation struct {
	Kind    SoftViolationKind
	BlockID string
	Cost    float64
}

// ViolationKind names the ACGME rules the validator enforces.
type ViolationKind string

const (
	Violation80Hour      ViolationKind = "80_HOUR_VIOLATION"
	ViolationOneInSeven  ViolationKind = "1_IN_7_VIOLATION"
	ViolationSupervision ViolationKind = "SUPERVISION_VIOLATION"
)

// Violation is a single ACGME finding. All three kinds block scheduling
// actions and therefore carry critical severity.
type Violation struct {
	Kind     ViolationKind
	Severity ConflictSeverity
	PersonID string
	BlockID  string
	Detail   string

	// AverageWeeklyHours is set for 80-hour findings.
	AverageWeeklyHours float64

	// ConsecutiveDays is set for 1-in-7 findings.
	ConsecutiveDays int
}

// ValidationResult is the outcome of validating a schedule range.
type ValidationResult struct {
	Valid      bool
	Coverage   float64
	Violations []*Violation
}
