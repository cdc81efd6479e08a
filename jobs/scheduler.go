// Package jobs runs persisted background jobs on cron, interval, and
// one-shot date triggers. Job definitions live in the state store; the
// scheduler loads the enabled set at start, fires triggers from a single
// timer loop, and records a JobExecution row around every run.
package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/rosterlab/rosterd/state"
	"github.com/rosterlab/rosterd/structs"
)

// JobFunc is a registered callable a job's Func field can name. The
// returned string is stored as the execution's result summary.
type JobFunc func(ctx context.Context) (string, error)

// Scheduler owns the trigger loop and the execution bookkeeping.
type Scheduler struct {
	logger hclog.Logger
	store  *state.StateStore
	nowFn  func() time.Time

	mu    sync.Mutex
	funcs map[string]JobFunc

	// installed is the in-memory enabled set the timer loop fires from.
	installed map[string]*structs.ScheduledJob

	// running counts in-flight executions per job for max-instances.
	running map[string]int

	wakeCh  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopFn  context.CancelFunc
	runCtx  context.Context
	execWG  sync.WaitGroup
	started bool
}

// NewScheduler builds a scheduler over the store. Register functions
// before Start.
func NewScheduler(logger hclog.Logger, store *state.StateStore) *Scheduler {
	return &Scheduler{
		logger:    logger.Named("jobs"),
		store:     store,
		nowFn:     time.Now,
		funcs:     make(map[string]JobFunc),
		installed: make(map[string]*structs.ScheduledJob),
		running:   make(map[string]int),
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Register binds a function name jobs can reference. Registering after
// Start is allowed.
func (s *Scheduler) Register(name string, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs[name] = fn
}

// Start loads the enabled jobs from the store, reconciles runs missed
// while the scheduler was down, and launches the trigger loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.runCtx, s.stopFn = context.WithCancel(context.Background())
	s.mu.Unlock()

	if err := s.Sync(); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		s.stopFn()
		return fmt.Errorf("loading jobs: %w", err)
	}

	go s.run()
	return nil
}

// Stop shuts the trigger loop down, cancels in-flight executions, and
// waits for them to record their outcome.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
	s.stopFn()
	s.execWG.Wait()
}

// AddJob validates and persists a job definition and installs it when
// enabled. Returns the job ID.
func (s *Scheduler) AddJob(job *structs.ScheduledJob) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := job.Validate(); err != nil {
		return "", err
	}

	now := s.nowFn()
	job.CreateTime = now
	job.ModifyTime = now
	job.NextRun = job.Trigger.Next(now)
	if err := s.store.UpsertJob(job); err != nil {
		return "", err
	}

	s.mu.Lock()
	if job.Enabled && !job.NextRun.IsZero() {
		s.installed[job.ID] = job.Copy()
	}
	s.enabledGaugeLocked()
	s.mu.Unlock()
	s.kick()

	s.logger.Info("job added", "id", job.ID, "name", job.Name, "next_run", job.NextRun)
	return job.ID, nil
}

// Remove deletes the job definition and its execution history.
func (s *Scheduler) Remove(id string) error {
	if err := s.store.DeleteJob(id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.installed, id)
	s.enabledGaugeLocked()
	s.mu.Unlock()
	s.kick()
	return nil
}

// Pause disables the job without removing its definition.
func (s *Scheduler) Pause(id string) error {
	return s.setEnabled(id, false)
}

// Resume re-enables a paused job. The next fire time is recomputed from
// now, so runs missed while paused do not replay.
func (s *Scheduler) Resume(id string) error {
	return s.setEnabled(id, true)
}

func (s *Scheduler) setEnabled(id string, enabled bool) error {
	job, err := s.store.JobByID(id)
	if err != nil {
		return err
	}
	job.Enabled = enabled
	job.ModifyTime = s.nowFn()
	if enabled {
		job.NextRun = job.Trigger.Next(s.nowFn())
	}
	if err := s.store.UpsertJob(job); err != nil {
		return err
	}

	s.mu.Lock()
	if enabled && !job.NextRun.IsZero() {
		s.installed[id] = job.Copy()
	} else {
		delete(s.installed, id)
	}
	s.enabledGaugeLocked()
	s.mu.Unlock()
	s.kick()
	return nil
}

// ListJobs returns every job definition, enabled or not.
func (s *Scheduler) ListJobs() ([]*structs.ScheduledJob, error) {
	return s.store.Jobs()
}

// ForceRun executes the job immediately, outside its trigger schedule.
// The max-instances cap still applies.
func (s *Scheduler) ForceRun(id string) error {
	job, err := s.store.JobByID(id)
	if err != nil {
		return err
	}
	return s.dispatch(job, s.nowFn())
}

// Sync reconciles the installed set against the store: new enabled jobs
// are installed, deleted jobs dropped, and modified definitions
// replaced.
func (s *Scheduler) Sync() error {
	jobs, err := s.store.Jobs()
	if err != nil {
		return err
	}
	now := s.nowFn()

	s.mu.Lock()
	seen := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		seen[job.ID] = struct{}{}
		if !job.Enabled {
			delete(s.installed, job.ID)
			continue
		}
		cur, ok := s.installed[job.ID]
		if ok && cur.ModifyTime.Equal(job.ModifyTime) {
			continue
		}
		if job.NextRun.IsZero() {
			job.NextRun = job.Trigger.Next(now)
			if job.NextRun.IsZero() {
				delete(s.installed, job.ID)
				continue
			}
		}
		s.installed[job.ID] = job
	}
	for id := range s.installed {
		if _, ok := seen[id]; !ok {
			delete(s.installed, id)
		}
	}
	s.enabledGaugeLocked()
	s.mu.Unlock()

	s.kick()
	return nil
}

// kick wakes the trigger loop so it recomputes its timer.
func (s *Scheduler) kick() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) enabledGaugeLocked() {
	metrics.SetGauge([]string{"jobs", "enabled"}, float32(len(s.installed)))
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next, ok := s.nextFire()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if ok {
			wait := time.Until(next)
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
		} else {
			// No installed jobs; park until kicked.
			timer.Reset(time.Hour)
		}

		select {
		case <-timer.C:
			s.fireDue()
		case <-s.wakeCh:
		case <-s.stopCh:
			return
		}
	}
}

// nextFire returns the earliest NextRun among installed jobs.
func (s *Scheduler) nextFire() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	for _, job := range s.installed {
		if next.IsZero() || job.NextRun.Before(next) {
			next = job.NextRun
		}
	}
	return next, !next.IsZero()
}

// fireDue dispatches every installed job whose fire time has arrived and
// advances its schedule.
func (s *Scheduler) fireDue() {
	now := s.nowFn()

	s.mu.Lock()
	var due []*structs.ScheduledJob
	for _, job := range s.installed {
		if !job.NextRun.After(now) {
			due = append(due, job.Copy())
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		scheduledAt := job.NextRun
		late := now.Sub(scheduledAt)

		if job.MisfireGrace > 0 && late > job.MisfireGrace {
			s.logger.Warn("skipping misfired run", "id", job.ID, "name", job.Name,
				"scheduled_at", scheduledAt, "late", late)
			metrics.IncrCounterWithLabels([]string{"job", "run", "missed"}, 1,
				[]metrics.Label{{Name: "job", Value: job.Name}})
		} else if err := s.dispatch(job, scheduledAt); err != nil {
			s.logger.Warn("dispatch dropped", "id", job.ID, "name", job.Name, "error", err)
		}

		s.advance(job, scheduledAt, now)
	}
}

// advance moves a job's schedule forward and persists it. Coalescing
// jobs jump past now, collapsing any backlog; non-coalescing jobs step
// one firing at a time so missed runs replay. Exhausted triggers
// uninstall the job.
func (s *Scheduler) advance(job *structs.ScheduledJob, scheduledAt, now time.Time) {
	next := job.Trigger.Next(now)
	if !job.Coalesce {
		if n := job.Trigger.Next(scheduledAt); !n.IsZero() {
			next = n
		}
	}

	s.mu.Lock()
	if cur, ok := s.installed[job.ID]; ok {
		if next.IsZero() {
			delete(s.installed, job.ID)
		} else {
			cur.NextRun = next
		}
		s.enabledGaugeLocked()
	}
	s.mu.Unlock()

	stored, err := s.store.JobByID(job.ID)
	if err != nil {
		return
	}
	stored.NextRun = next
	if err := s.store.UpsertJob(stored); err != nil {
		s.logger.Error("failed to persist schedule", "id", job.ID, "error", err)
	}
}

// dispatch starts one execution of the job unless the overlap cap is
// already reached.
func (s *Scheduler) dispatch(job *structs.ScheduledJob, scheduledAt time.Time) error {
	s.mu.Lock()
	fn, ok := s.funcs[job.Func]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %s: no function registered for %q", job.ID, job.Func)
	}
	if s.running[job.ID] >= job.EffectiveMaxInstances() {
		s.mu.Unlock()
		metrics.IncrCounterWithLabels([]string{"job", "run", "missed"}, 1,
			[]metrics.Label{{Name: "job", Value: job.Name}})
		return fmt.Errorf("job %s: %w", job.ID, structs.ErrJobRunning)
	}
	s.running[job.ID]++
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Unlock()

	s.execWG.Add(1)
	go func() {
		defer s.execWG.Done()
		defer func() {
			s.mu.Lock()
			s.running[job.ID]--
			s.mu.Unlock()
		}()
		s.execute(ctx, job.Copy(), fn, scheduledAt)
	}()
	return nil
}

// execute runs the function inside the recorded execution envelope.
func (s *Scheduler) execute(ctx context.Context, job *structs.ScheduledJob, fn JobFunc, scheduledAt time.Time) {
	exec := &structs.JobExecution{
		ID:          uuid.NewString(),
		JobID:       job.ID,
		ScheduledAt: scheduledAt,
		StartedAt:   s.nowFn(),
	}
	if err := s.store.UpsertExecution(exec); err != nil {
		s.logger.Error("failed to record execution start", "id", job.ID, "error", err)
	}

	result, err := s.invoke(ctx, fn)

	exec.FinishedAt = s.nowFn()
	if err != nil {
		exec.Error = err.Error()
		metrics.IncrCounterWithLabels([]string{"job", "run", "failure"}, 1,
			[]metrics.Label{{Name: "job", Value: job.Name}})
		s.logger.Error("job run failed", "id", job.ID, "name", job.Name, "error", err)
	} else {
		exec.Result = result
		metrics.IncrCounterWithLabels([]string{"job", "run", "success"}, 1,
			[]metrics.Label{{Name: "job", Value: job.Name}})
		s.logger.Debug("job run finished", "id", job.ID, "name", job.Name,
			"duration", exec.FinishedAt.Sub(exec.StartedAt))
	}
	if uerr := s.store.UpsertExecution(exec); uerr != nil {
		s.logger.Error("failed to record execution result", "id", job.ID, "error", uerr)
	}

	if stored, serr := s.store.JobByID(job.ID); serr == nil {
		stored.RunCount++
		stored.LastRun = exec.StartedAt
		if uerr := s.store.UpsertJob(stored); uerr != nil {
			s.logger.Error("failed to persist run count", "id", job.ID, "error", uerr)
		}
	}
}

// invoke calls fn, converting a panic into a recorded error with its
// stack.
func (s *Scheduler) invoke(ctx context.Context, fn JobFunc) (result string, err error) {
	defer metrics.MeasureSince([]string{"job", "run", "duration"}, time.Now())
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}
