package scheduler

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shoenig/test/must"

	"github.com/rosterlab/rosterd/mock"
	"github.com/rosterlab/rosterd/state"
	"github.com/rosterlab/rosterd/structs"
	"github.com/rosterlab/rosterd/testutil"
)

func testContext(t *testing.T, store *state.StateStore, days int) *Context {
	t.Helper()
	opts := DefaultOptions()
	opts.PreserveExisting = true
	ctx, err := newContext(testutil.Logger(t), store, testStart, testStart.AddDate(0, 0, days-1), opts)
	must.NoError(t, err)
	return ctx
}

func candidateIDs(cands []*RankedPerson) []string {
	ids := make([]string, 0, len(cands))
	for _, c := range cands {
		ids = append(ids, c.Person.ID)
	}
	return ids
}

func TestSourceIterator_DeterministicOrder(t *testing.T) {
	pool := []*structs.Person{mock.Resident(2), mock.Resident(2), mock.Resident(3)}
	block := mock.Block(testStart, structs.HalfDayAM)

	it := NewSourceIterator(pool)
	it.SetBlock(block)
	var first []string
	for p := it.Next(); p != nil; p = it.Next() {
		first = append(first, p.ID)
	}

	it.SetBlock(block)
	var second []string
	for p := it.Next(); p != nil; p = it.Next() {
		second = append(second, p.ID)
	}

	must.Len(t, 3, first)
	must.Eq(t, first, second)
}

func TestStack_FiltersAbsences(t *testing.T) {
	store := state.TestStateStore(t)
	away := mock.Resident(2)
	here := mock.Resident(2)
	must.NoError(t, store.UpsertPeople(away, here))
	must.NoError(t, store.UpsertTemplates(mock.Template()))

	block := mock.Block(testStart, structs.HalfDayAM)
	must.NoError(t, store.UpsertBlocks(block))
	must.NoError(t, store.UpsertAbsences(&structs.Absence{
		ID:       uuid.NewString(),
		PersonID: away.ID,
		Start:    testStart,
		End:      testStart.AddDate(0, 0, 2),
		Reason:   "vacation",
	}))

	ctx := testContext(t, store, 1)
	stack := NewStack(ctx, ctx.residents)
	ids := candidateIDs(stack.Candidates(block))
	must.Eq(t, []string{here.ID}, ids)
}

func TestStack_FiltersHardCredentialRequirement(t *testing.T) {
	store := state.TestStateStore(t)
	certified := mock.Resident(3)
	uncertified := mock.Resident(3)
	must.NoError(t, store.UpsertPeople(certified, uncertified))

	tmpl := mock.Template()
	tmpl.Requirements = []structs.SlotRequirement{{CredentialKind: "ACLS", Hard: true}}
	must.NoError(t, store.UpsertTemplates(tmpl))
	must.NoError(t, store.UpsertCredentials(&structs.Credential{
		PersonID:  certified.ID,
		Kind:      "ACLS",
		IssueDate: testStart.AddDate(-1, 0, 0),
	}))

	block := mock.Block(testStart, structs.HalfDayAM)
	must.NoError(t, store.UpsertBlocks(block))

	ctx := testContext(t, store, 1)
	stack := NewStack(ctx, ctx.residents)
	ids := candidateIDs(stack.Candidates(block))
	must.Eq(t, []string{certified.ID}, ids)
}

func TestStack_PGY1HalfDayCap(t *testing.T) {
	store := state.TestStateStore(t)
	intern := mock.Resident(1)
	senior := mock.Resident(2)
	must.NoError(t, store.UpsertPeople(intern, senior))
	must.NoError(t, store.UpsertTemplates(mock.Template()))

	am := mock.Block(testStart, structs.HalfDayAM)
	pm := mock.Block(testStart, structs.HalfDayPM)
	must.NoError(t, store.UpsertBlocks(am, pm))
	must.NoError(t, store.SaveAssignments(mock.Assignment(intern, am)))

	ctx := testContext(t, store, 1)
	stack := NewStack(ctx, ctx.residents)

	// The intern already works the AM half, so only the senior may take the
	// PM block.
	ids := candidateIDs(stack.Candidates(pm))
	must.Eq(t, []string{senior.ID}, ids)
}

func TestStack_RestDayRun(t *testing.T) {
	store := state.TestStateStore(t)
	tired := mock.Resident(2)
	fresh := mock.Resident(2)
	must.NoError(t, store.UpsertPeople(tired, fresh))
	must.NoError(t, store.UpsertTemplates(mock.Template()))

	// Six straight assigned days; a seventh would break the rest rule.
	blocks := mock.BlockWeek(testStart, 7)
	must.NoError(t, store.UpsertBlocks(blocks...))
	for day := 0; day < 6; day++ {
		must.NoError(t, store.SaveAssignments(
			mock.Assignment(tired, mock.Block(testStart.AddDate(0, 0, day), structs.HalfDayAM)),
		))
	}

	ctx := testContext(t, store, 7)
	stack := NewStack(ctx, ctx.residents)

	day7 := mock.Block(testStart.AddDate(0, 0, 6), structs.HalfDayAM)
	ids := candidateIDs(stack.Candidates(day7))
	must.Eq(t, []string{fresh.ID}, ids)

	// A second half-day inside the run is still fine.
	day3 := mock.Block(testStart.AddDate(0, 0, 2), structs.HalfDayPM)
	must.SliceContains(t, candidateIDs(stack.Candidates(day3)), tired.ID)
}

func TestStack_RanksLeastLoadedFirst(t *testing.T) {
	store := state.TestStateStore(t)
	loaded := mock.Resident(2)
	idle := mock.Resident(2)
	must.NoError(t, store.UpsertPeople(loaded, idle))
	must.NoError(t, store.UpsertTemplates(mock.Template()))

	blocks := mock.BlockWeek(testStart, 3)
	must.NoError(t, store.UpsertBlocks(blocks...))
	must.NoError(t, store.SaveAssignments(
		mock.Assignment(loaded, mock.Block(testStart, structs.HalfDayAM)),
		mock.Assignment(loaded, mock.Block(testStart, structs.HalfDayPM)),
	))

	ctx := testContext(t, store, 3)
	stack := NewStack(ctx, ctx.residents)

	cands := stack.Candidates(mock.Block(testStart.AddDate(0, 0, 2), structs.HalfDayAM))
	must.Len(t, 2, cands)
	must.Eq(t, idle.ID, cands[0].Person.ID)
}

func TestContext_ProjectedWindow(t *testing.T) {
	store := state.TestStateStore(t)
	resident := mock.Resident(2)
	must.NoError(t, store.UpsertPeople(resident))
	must.NoError(t, store.UpsertTemplates(mock.Template()))

	// 26 full days is 312 hours; one more half-day stays at the 320-hour
	// window limit, and the one after crosses it.
	blocks := mock.BlockWeek(testStart, 28)
	must.NoError(t, store.UpsertBlocks(blocks...))
	for day := 0; day < 26; day++ {
		d := testStart.AddDate(0, 0, day)
		must.NoError(t, store.SaveAssignments(
			mock.Assignment(resident, mock.Block(d, structs.HalfDayAM)),
			mock.Assignment(resident, mock.Block(d, structs.HalfDayPM)),
		))
	}

	ctx := testContext(t, store, 28)
	day27 := testStart.AddDate(0, 0, 26)
	must.True(t, ctx.projectedWindowOK(resident.ID, day27))

	ctx.place(resident.ID, mock.Block(day27, structs.HalfDayAM).ID, structs.AssignPrimary)
	must.False(t, ctx.projectedWindowOK(resident.ID, day27))
}

func TestContext_PlaceUnplace(t *testing.T) {
	store := state.TestStateStore(t)
	resident := mock.Resident(2)
	must.NoError(t, store.UpsertPeople(resident))
	must.NoError(t, store.UpsertTemplates(mock.Template()))
	block := mock.Block(testStart, structs.HalfDayAM)
	must.NoError(t, store.UpsertBlocks(block))

	ctx := testContext(t, store, 1)
	must.Eq(t, 0.0, ctx.cumulativeHours(resident.ID))

	ctx.place(resident.ID, block.ID, structs.AssignPrimary)
	must.Eq(t, float64(structs.HalfDayHours), ctx.cumulativeHours(resident.ID))
	must.True(t, ctx.assignedTo(resident.ID, block.ID))

	ctx.unplace(resident.ID, block.ID)
	must.Eq(t, 0.0, ctx.cumulativeHours(resident.ID))
	must.False(t, ctx.assignedTo(resident.ID, block.ID))
}
