package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/rosterlab/rosterd/acgme"
	"github.com/rosterlab/rosterd/kv"
	"github.com/rosterlab/rosterd/mock"
	"github.com/rosterlab/rosterd/snapshot"
	"github.com/rosterlab/rosterd/state"
	"github.com/rosterlab/rosterd/structs"
	"github.com/rosterlab/rosterd/testutil"
)

var testStart = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) // a Monday

func testSolver(t *testing.T) (*Solver, *state.StateStore, *snapshot.Store) {
	logger := testutil.Logger(t)
	store := state.TestStateStore(t)
	snapshots := snapshot.NewStore(logger, kv.NewMem(), nil)
	validator := acgme.NewValidator(logger, store)
	return NewSolver(logger, store, validator, snapshots), store, snapshots
}

func TestSolver_FullCoverage(t *testing.T) {
	solver, store, _ := testSolver(t)

	r1, r2 := mock.Resident(2), mock.Resident(3)
	faculty := mock.Faculty()
	must.NoError(t, store.UpsertPeople(r1, r2, faculty))
	must.NoError(t, store.UpsertTemplates(mock.Template()))

	// Monday through Friday, AM and PM.
	blocks := mock.BlockWeek(testStart, 5)
	must.NoError(t, store.UpsertBlocks(blocks...))

	end := testStart.AddDate(0, 0, 4)
	result, err := solver.Generate(context.Background(), testStart, end, Options{})
	must.NoError(t, err)
	must.Eq(t, structs.SolveOK, result.Status)
	must.True(t, result.Committed)
	must.Len(t, 0, result.Violations)
	must.Positive(t, result.Iterations)

	// Every block carries exactly one primary and one supervising
	// assignment.
	primaries := make(map[string]int)
	supervising := make(map[string]int)
	for _, a := range result.Assignments {
		switch a.Role {
		case structs.AssignPrimary:
			primaries[a.BlockID]++
		case structs.AssignSupervising:
			supervising[a.BlockID]++
		}
	}
	for _, b := range blocks {
		must.Eq(t, 1, primaries[b.ID], must.Sprintf("block %s primaries", b.ID))
		must.Eq(t, 1, supervising[b.ID], must.Sprintf("block %s supervising", b.ID))
	}

	persisted, err := store.AssignmentsInRange(testStart, end, "")
	must.NoError(t, err)
	must.Len(t, len(result.Assignments), persisted)
}

func TestSolver_UncoveredBlocksAreSoftViolations(t *testing.T) {
	solver, store, _ := testSolver(t)

	// A lone intern may take only one half-day per date, so half the slots
	// stay open.
	intern := mock.Resident(1)
	faculty := mock.Faculty()
	must.NoError(t, store.UpsertPeople(intern, faculty))
	must.NoError(t, store.UpsertTemplates(mock.Template()))

	blocks := mock.BlockWeek(testStart, 2)
	must.NoError(t, store.UpsertBlocks(blocks...))

	end := testStart.AddDate(0, 0, 1)
	result, err := solver.Generate(context.Background(), testStart, end, Options{Draft: true})
	must.NoError(t, err)
	must.Eq(t, structs.SolveOK, result.Status)
	must.False(t, result.Committed)

	must.Len(t, 2, result.Violations)
	for _, v := range result.Violations {
		must.Eq(t, structs.SoftUncoveredBlock, v.Kind)
		must.InDelta(t, 1.5, v.Cost, 0.0001)
	}

	primaries := 0
	for _, a := range result.Assignments {
		if a.Role == structs.AssignPrimary {
			primaries++
			must.Eq(t, intern.ID, a.PersonID)
		}
	}
	must.Eq(t, 2, primaries)

	// Draft runs never persist.
	persisted, err := store.AssignmentsInRange(testStart, end, "")
	must.NoError(t, err)
	must.Len(t, 0, persisted)
}

func TestSolver_Timeout(t *testing.T) {
	solver, store, _ := testSolver(t)

	resident := mock.Resident(2)
	must.NoError(t, store.UpsertPeople(resident, mock.Faculty()))
	must.NoError(t, store.UpsertTemplates(mock.Template()))
	must.NoError(t, store.UpsertBlocks(mock.BlockWeek(testStart, 3)...))

	result, err := solver.Generate(context.Background(), testStart, testStart.AddDate(0, 0, 2), Options{
		Timeout: time.Nanosecond,
		Draft:   true,
	})
	must.NoError(t, err)
	must.Eq(t, structs.SolveTimeout, result.Status)
	must.Len(t, 0, result.Assignments)
}

func TestSolver_CancelSavesCheckpoint(t *testing.T) {
	solver, store, snapshots := testSolver(t)

	must.NoError(t, store.UpsertPeople(mock.Resident(2), mock.Faculty()))
	must.NoError(t, store.UpsertTemplates(mock.Template()))
	must.NoError(t, store.UpsertBlocks(mock.BlockWeek(testStart, 3)...))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := solver.Generate(ctx, testStart, testStart.AddDate(0, 0, 2), Options{
		RunID: "run-cancel",
		Draft: true,
	})
	must.NoError(t, err)
	must.Eq(t, structs.SolveCanceled, result.Status)

	cp, err := snapshots.Load(context.Background(), "run-cancel")
	must.NoError(t, err)
	must.NotNil(t, cp)
	must.Positive(t, cp.Iteration)
}

func TestSolver_InfeasibleSupervision(t *testing.T) {
	solver, store, _ := testSolver(t)

	// A preserved resident assignment with no faculty anywhere cannot meet
	// the supervision ratio on any branch.
	resident := mock.Resident(2)
	must.NoError(t, store.UpsertPeople(resident))
	must.NoError(t, store.UpsertTemplates(mock.Template()))

	am := mock.Block(testStart, structs.HalfDayAM)
	pm := mock.Block(testStart, structs.HalfDayPM)
	must.NoError(t, store.UpsertBlocks(am, pm))
	must.NoError(t, store.SaveAssignments(mock.Assignment(resident, am)))

	result, err := solver.Generate(context.Background(), testStart, testStart, Options{
		PreserveExisting: true,
		Draft:            true,
	})
	must.NoError(t, err)
	must.Eq(t, structs.SolveInfeasible, result.Status)
	must.NotNil(t, result.UnsatCore)
	must.Eq(t, structs.ConstraintSupervision, result.UnsatCore.Constraint)
	must.Eq(t, am.ID, result.UnsatCore.BlockID)
}

func TestSolver_WarmStartNeverRegresses(t *testing.T) {
	solver, store, snapshots := testSolver(t)

	resident := mock.Resident(2)
	faculty := mock.Faculty()
	must.NoError(t, store.UpsertPeople(resident, faculty))
	must.NoError(t, store.UpsertTemplates(mock.Template()))

	am := mock.Block(testStart, structs.HalfDayAM)
	pm := mock.Block(testStart, structs.HalfDayPM)
	must.NoError(t, store.UpsertBlocks(am, pm))

	// Seed a checkpoint with a score no fresh search can beat; the resumed
	// run must return it rather than regress.
	seeded := &structs.SolverCheckpoint{
		RunID:     "run-resume",
		Iteration: 500,
		Score:     0.000001,
		Assignments: []structs.AssignmentTuple{
			{PersonID: resident.ID, BlockID: am.ID},
			{PersonID: resident.ID, BlockID: pm.ID},
			{PersonID: faculty.ID, BlockID: am.ID},
			{PersonID: faculty.ID, BlockID: pm.ID},
		},
	}
	_, err := snapshots.Save(context.Background(), seeded)
	must.NoError(t, err)

	result, err := solver.Generate(context.Background(), testStart, testStart, Options{
		RunID: "run-resume",
		Draft: true,
	})
	must.NoError(t, err)
	must.Eq(t, structs.SolveOK, result.Status)
	must.InDelta(t, seeded.Score, result.Score, 0.0000001)
	must.Len(t, 4, result.Assignments)

	roles := make(map[string]structs.AssignmentRole)
	for _, a := range result.Assignments {
		roles[a.PersonID+"/"+a.BlockID] = a.Role
	}
	must.Eq(t, structs.AssignPrimary, roles[resident.ID+"/"+am.ID])
	must.Eq(t, structs.AssignSupervising, roles[faculty.ID+"/"+pm.ID])
}

func TestSolver_NoBlocks(t *testing.T) {
	solver, store, _ := testSolver(t)
	must.NoError(t, store.UpsertPeople(mock.Resident(2)))

	result, err := solver.Generate(context.Background(), testStart, testStart, Options{Draft: true})
	must.NoError(t, err)
	must.Eq(t, structs.SolveOK, result.Status)
	must.Len(t, 0, result.Assignments)
}
