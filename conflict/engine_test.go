package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shoenig/test/must"

	"github.com/rosterlab/rosterd/acgme"
	"github.com/rosterlab/rosterd/mock"
	"github.com/rosterlab/rosterd/state"
	"github.com/rosterlab/rosterd/structs"
	"github.com/rosterlab/rosterd/testutil"
)

var testStart = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) // a Monday

func testEngine(t *testing.T) (*Engine, *state.StateStore) {
	logger := testutil.Logger(t)
	store := state.TestStateStore(t)
	return NewEngine(logger, store, acgme.NewValidator(logger, store)), store
}

func TestEngine_Analyze(t *testing.T) {
	engine, store := testEngine(t)

	// One resident carries six straight unsupervised days while the other
	// sits idle: supervision and ACGME findings per block, one workload
	// imbalance, one pattern run.
	busy := mock.Resident(2)
	idle := mock.Resident(2)
	must.NoError(t, store.UpsertPeople(busy, idle, mock.Faculty()))
	must.NoError(t, store.UpsertTemplates(mock.Template()))

	end := testStart.AddDate(0, 0, 5)
	for day := 0; day < 6; day++ {
		b := mock.Block(testStart.AddDate(0, 0, day), structs.HalfDayAM)
		must.NoError(t, store.UpsertBlocks(b))
		must.NoError(t, store.SaveAssignments(mock.Assignment(busy, b)))
	}

	conflicts, err := engine.Analyze(context.Background(), testStart, end, "")
	must.NoError(t, err)
	must.Len(t, 14, conflicts)

	dist := Distribute(conflicts)
	must.Eq(t, 6, dist.ByCategory[structs.ConflictSupervision])
	must.Eq(t, 6, dist.ByCategory[structs.ConflictACGME])
	must.Eq(t, 1, dist.ByCategory[structs.ConflictWorkloadImbalance])
	must.Eq(t, 1, dist.ByCategory[structs.ConflictPattern])

	// Criticals sort first, and ordering within a severity follows the
	// weighted score.
	for i, c := range conflicts[:12] {
		must.Eq(t, structs.SeverityCritical, c.Severity, must.Sprintf("conflict %d", i))
	}
	for i := 1; i < 12; i++ {
		must.GreaterEq(t, conflicts[i].WeightedScore(), conflicts[i-1].WeightedScore())
	}

	// Every conflict carries a content-derived ID and scores in range.
	for _, c := range conflicts {
		must.Eq(t, 16, len(c.ID))
		must.True(t, c.Impact >= 0 && c.Impact <= 1)
		must.True(t, c.Urgency >= 0 && c.Urgency <= 1)
		must.True(t, c.Complexity >= 0 && c.Complexity <= 1)
	}
}

func TestEngine_AvailabilityConflict(t *testing.T) {
	engine, store := testEngine(t)

	resident := mock.Resident(2)
	faculty := mock.Faculty()
	must.NoError(t, store.UpsertPeople(resident, faculty))
	must.NoError(t, store.UpsertTemplates(mock.Template()))

	b := mock.Block(testStart, structs.HalfDayAM)
	must.NoError(t, store.UpsertBlocks(b))
	must.NoError(t, store.SaveAssignments(
		mock.Assignment(resident, b),
		mock.Assignment(faculty, b),
	))
	must.NoError(t, store.UpsertAbsences(&structs.Absence{
		ID:       uuid.NewString(),
		PersonID: resident.ID,
		Start:    testStart,
		End:      testStart,
		Reason:   "conference",
	}))

	conflicts, err := engine.Analyze(context.Background(), testStart, testStart, "")
	must.NoError(t, err)

	var found *structs.Conflict
	for _, c := range conflicts {
		if c.Category == structs.ConflictAvailability {
			found = c
		}
	}
	must.NotNil(t, found)
	must.Eq(t, structs.SeverityHigh, found.Severity)
	must.Eq(t, []string{resident.ID}, found.AffectedPeople)
	must.Eq(t, []string{b.ID}, found.AffectedBlocks)
	must.InDelta(t, 1.0, found.Urgency, 0.0001)
}

func TestEngine_CleanSchedule(t *testing.T) {
	engine, store := testEngine(t)

	r1, r2 := mock.Resident(2), mock.Resident(3)
	faculty := mock.Faculty()
	must.NoError(t, store.UpsertPeople(r1, r2, faculty))
	must.NoError(t, store.UpsertTemplates(mock.Template()))

	// Two days split evenly between two supervised residents.
	for day, r := range []*structs.Person{r1, r2} {
		b := mock.Block(testStart.AddDate(0, 0, day), structs.HalfDayAM)
		must.NoError(t, store.UpsertBlocks(b))
		must.NoError(t, store.SaveAssignments(
			mock.Assignment(r, b),
			mock.Assignment(faculty, b),
		))
	}

	conflicts, err := engine.Analyze(context.Background(), testStart, testStart.AddDate(0, 0, 1), "")
	must.NoError(t, err)
	must.Len(t, 0, conflicts)
}

func TestOverlapDetector(t *testing.T) {
	person := mock.Resident(2)
	b1 := mock.Block(testStart, structs.HalfDayAM)
	b2 := *b1
	b2.ID = "blk-duplicate-slot"

	snap := &Snapshot{
		Start:     testStart,
		End:       testStart,
		People:    map[string]*structs.Person{person.ID: person},
		Blocks:    []*structs.Block{b1, &b2},
		BlockByID: map[string]*structs.Block{b1.ID: b1, b2.ID: &b2},
		ByPerson: map[string][]*structs.Assignment{
			person.ID: {
				{ID: "a1", PersonID: person.ID, BlockID: b1.ID, Role: structs.AssignPrimary},
				{ID: "a2", PersonID: person.ID, BlockID: b2.ID, Role: structs.AssignPrimary},
			},
		},
	}

	conflicts, err := (&overlapDetector{}).Detect(context.Background(), snap)
	must.NoError(t, err)
	must.Len(t, 1, conflicts)
	must.Eq(t, structs.ConflictTimeOverlap, conflicts[0].Category)
	must.Eq(t, []string{person.ID}, conflicts[0].AffectedPeople)
	must.Len(t, 2, conflicts[0].AffectedBlocks)
}

func TestContentionDetector(t *testing.T) {
	tmpl := mock.Template() // capacity 1
	b := mock.Block(testStart, structs.HalfDayAM)
	p1, p2 := mock.Resident(2), mock.Resident(3)

	snap := &Snapshot{
		Start:     testStart,
		End:       testStart,
		Blocks:    []*structs.Block{b},
		BlockByID: map[string]*structs.Block{b.ID: b},
		Templates: map[string]*structs.RotationTemplate{tmpl.ID: tmpl},
		ByBlock: map[string][]*structs.Assignment{
			b.ID: {
				{ID: "a1", PersonID: p1.ID, BlockID: b.ID, Role: structs.AssignPrimary},
				{ID: "a2", PersonID: p2.ID, BlockID: b.ID, Role: structs.AssignPrimary},
			},
		},
	}

	conflicts, err := (&contentionDetector{}).Detect(context.Background(), snap)
	must.NoError(t, err)
	must.Len(t, 1, conflicts)
	must.Eq(t, structs.ConflictResourceContention, conflicts[0].Category)
	must.Eq(t, structs.SeverityHigh, conflicts[0].Severity)
}

func TestDedupe(t *testing.T) {
	a := &structs.Conflict{
		Category:       structs.ConflictSupervision,
		AffectedPeople: []string{"p1"},
		AffectedBlocks: []string{"b1"},
		Start:          testStart,
		End:            testStart,
	}
	a.SetID()
	b := &structs.Conflict{
		Category:       structs.ConflictSupervision,
		AffectedPeople: []string{"p1"},
		AffectedBlocks: []string{"b1"},
		Start:          testStart,
		End:            testStart,
	}
	b.SetID()
	must.Eq(t, a.ID, b.ID)

	out := dedupe([]*structs.Conflict{a, b})
	must.Len(t, 1, out)
}
