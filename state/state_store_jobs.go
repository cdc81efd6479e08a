package state

import (
	"fmt"
	"sort"

	"github.com/rosterlab/rosterd/structs"
)

// UpsertJob inserts or updates a scheduled job definition.
func (s *StateStore) UpsertJob(job *structs.ScheduledJob) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job %q: %w", job.ID, err)
	}
	if err := txn.Insert(TableJobs, job.Copy()); err != nil {
		return fmt.Errorf("job insert failed: %w", err)
	}

	txn.Commit()
	return nil
}

// JobByID returns the job with the given ID or ErrNotFound.
func (s *StateStore) JobByID(id string) (*structs.ScheduledJob, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableJobs, "id", id)
	if err != nil {
		return nil, fmt.Errorf("job lookup failed: %w", err)
	}
	if raw == nil {
		return nil, structs.ErrNotFound
	}
	return raw.(*structs.ScheduledJob).Copy(), nil
}

// Jobs returns every job definition, sorted by name.
func (s *StateStore) Jobs() ([]*structs.ScheduledJob, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(TableJobs, "id")
	if err != nil {
		return nil, fmt.Errorf("job lookup failed: %w", err)
	}

	var out []*structs.ScheduledJob
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*structs.ScheduledJob).Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteJob removes a job definition and its execution history.
func (s *StateStore) DeleteJob(id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableJobs, "id", id)
	if err != nil {
		return fmt.Errorf("job lookup failed: %w", err)
	}
	if raw == nil {
		return structs.ErrNotFound
	}
	if err := txn.Delete(TableJobs, raw); err != nil {
		return fmt.Errorf("job delete failed: %w", err)
	}
	if _, err := txn.DeleteAll(TableExecutions, "job", id); err != nil {
		return fmt.Errorf("execution history delete failed: %w", err)
	}

	txn.Commit()
	return nil
}

// UpsertExecution records one job execution.
func (s *StateStore) UpsertExecution(exec *structs.JobExecution) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if exec.ID == "" || exec.JobID == "" {
		return fmt.Errorf("execution requires an ID and a job reference")
	}
	cp := *exec
	if err := txn.Insert(TableExecutions, &cp); err != nil {
		return fmt.Errorf("execution insert failed: %w", err)
	}

	txn.Commit()
	return nil
}

// ExecutionsForJob returns the recorded executions of one job, most recent
// scheduled time first.
func (s *StateStore) ExecutionsForJob(jobID string) ([]*structs.JobExecution, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(TableExecutions, "job", jobID)
	if err != nil {
		return nil, fmt.Errorf("execution lookup failed: %w", err)
	}

	var out []*structs.JobExecution
	for raw := it.Next(); raw != nil; raw = it.Next() {
		cp := *raw.(*structs.JobExecution)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	return out, nil
}
