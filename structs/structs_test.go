package structs

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

func TestSupervisionRequired(t *testing.T) {
	cases := []struct {
		name     string
		pgy1     int
		other    int
		expected int
	}{
		{"no residents", 0, 0, 0},
		{"single pgy1", 1, 0, 1},
		{"two pgy1", 2, 0, 1},
		{"three pgy1", 3, 0, 2},
		{"single senior", 0, 1, 1},
		{"four seniors", 0, 4, 1},
		{"five seniors", 0, 5, 2},
		{"mixed", 3, 5, 4},
		{"one of each", 1, 1, 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			must.Eq(t, tc.expected, SupervisionRequired(tc.pgy1, tc.other))
		})
	}
}

func TestPerson_Validate(t *testing.T) {
	p := &Person{ID: "p1", Name: "Rivera", Role: RoleResident, PGYLevel: 2}
	must.NoError(t, p.Validate())

	p.PGYLevel = 0
	must.Error(t, p.Validate())

	f := &Person{ID: "f1", Name: "Okafor", Role: RoleFaculty}
	must.NoError(t, f.Validate())

	f.PGYLevel = 3
	must.Error(t, f.Validate())

	bad := &Person{ID: "x", Name: "y", Role: PersonRole("janitor")}
	must.Error(t, bad.Validate())
}

func TestBlock_Key(t *testing.T) {
	b := &Block{
		ID:         "b1",
		Date:       time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		Half:       HalfDayAM,
		TemplateID: "clinic",
	}
	must.Eq(t, "2026-03-09/AM", b.Key())
	must.NoError(t, b.Validate())

	b.Half = HalfDay("NOON")
	must.Error(t, b.Validate())
}

func TestCredential_ValidOn(t *testing.T) {
	issue := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	exp := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)

	lifetime := &Credential{PersonID: "p1", Kind: "bls", IssueDate: issue}
	must.True(t, lifetime.ValidOn(time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)))
	must.False(t, lifetime.ValidOn(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))

	expiring := &Credential{PersonID: "p1", Kind: "acls", IssueDate: issue, ExpirationDate: &exp}
	must.True(t, expiring.ValidOn(time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC)))
	must.False(t, expiring.ValidOn(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestAbsence_Covers(t *testing.T) {
	a := &Absence{
		PersonID: "p1",
		Start:    time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
		End:      time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC),
	}
	must.True(t, a.Covers(time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC)))
	must.True(t, a.Covers(time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC)))
	must.False(t, a.Covers(time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)))
	must.False(t, a.Covers(time.Date(2026, 2, 9, 23, 0, 0, 0, time.UTC)))
}

func TestConflict_SetID_Deterministic(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 4, 7, 0, 0, 0, 0, time.UTC)

	a := &Conflict{
		Category:       ConflictSupervision,
		AffectedPeople: []string{"p2", "p1"},
		AffectedBlocks: []string{"b9"},
		Start:          start,
		End:            end,
	}
	b := &Conflict{
		Category:       ConflictSupervision,
		AffectedPeople: []string{"p1", "p2"},
		AffectedBlocks: []string{"b9"},
		Start:          start,
		End:            end,
	}
	a.SetID()
	b.SetID()
	must.Eq(t, a.ID, b.ID)
	must.Eq(t, 16, len(a.ID))

	// A different category must not collide.
	c := &Conflict{
		Category:       ConflictTimeOverlap,
		AffectedPeople: []string{"p1", "p2"},
		AffectedBlocks: []string{"b9"},
		Start:          start,
		End:            end,
	}
	c.SetID()
	must.NotEq(t, a.ID, c.ID)
}

func TestConflict_WeightedScore(t *testing.T) {
	c := &Conflict{Impact: 1, Urgency: 0.5, Complexity: 0.25}
	must.InDelta(t, 0.7, c.WeightedScore(), 0.0001)
}
