package structs

import "errors"

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInUse is returned when a delete is refused because other entities
	// still reference the target.
	ErrInUse = errors.New("entity is referenced by existing assignments")

	// ErrDuplicateAssignment is returned when a second assignment for the
	// same (person, block) pair is written.
	ErrDuplicateAssignment = errors.New("person already assigned to block")

	// ErrDuplicateBlock is returned when a block with the same
	// (date, half-day) identity already exists.
	ErrDuplicateBlock = errors.New("block already exists for date and half-day")

	// ErrCapacityExceeded is returned by admission components when a
	// request cannot be accepted; callers read retry-after from the
	// accompanying decision value.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrStoreUnavailable is returned when the backing key-value store
	// cannot be reached. Read paths generally fail open on this error.
	ErrStoreUnavailable = errors.New("key-value store unavailable")

	// ErrCheckpointCorrupt is returned when a checkpoint fails hash
	// verification on load. Callers discard the artifact and proceed as if
	// none existed.
	ErrCheckpointCorrupt = errors.New("checkpoint hash mismatch")

	// ErrNoHealthyInstances is returned when every failover attempt for a
	// service has been exhausted.
	ErrNoHealthyInstances = errors.New("no healthy instances available")

	// ErrJobRunning is returned when a job trigger fires while the maximum
	// number of overlapping executions is already running.
	ErrJobRunning = errors.New("job has reached max concurrent instances")
)

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
