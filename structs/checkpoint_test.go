package structs

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

func testCheckpoint() *SolverCheckpoint {
	return &SolverCheckpoint{
		RunID:     "run-1",
		Iteration: 500,
		Assignments: []AssignmentTuple{
			{PersonID: "p2", BlockID: "b1", TemplateID: "clinic"},
			{PersonID: "p1", BlockID: "b2", TemplateID: "call"},
		},
		Score:   12.5,
		SavedAt: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestSolverCheckpoint_Hash(t *testing.T) {
	cp := testCheckpoint()
	cp.SetHash()
	must.Eq(t, 16, len(cp.Hash))
	must.True(t, cp.Verify())

	// Assignment order must not change the hash.
	flipped := testCheckpoint()
	flipped.Assignments[0], flipped.Assignments[1] = flipped.Assignments[1], flipped.Assignments[0]
	flipped.SetHash()
	must.Eq(t, cp.Hash, flipped.Hash)

	// SavedAt is excluded so TTL refreshes do not invalidate the hash.
	refreshed := testCheckpoint()
	refreshed.SavedAt = refreshed.SavedAt.Add(time.Hour)
	refreshed.SetHash()
	must.Eq(t, cp.Hash, refreshed.Hash)
}

func TestSolverCheckpoint_TamperDetection(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*SolverCheckpoint)
	}{
		{"iteration", func(c *SolverCheckpoint) { c.Iteration++ }},
		{"score", func(c *SolverCheckpoint) { c.Score += 0.1 }},
		{"run id", func(c *SolverCheckpoint) { c.RunID = "run-2" }},
		{"assignment person", func(c *SolverCheckpoint) { c.Assignments[0].PersonID = "p9" }},
		{"dropped assignment", func(c *SolverCheckpoint) { c.Assignments = c.Assignments[:1] }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cp := testCheckpoint()
			cp.SetHash()
			tc.mutate(cp)
			must.False(t, cp.Verify())
		})
	}
}

func TestSolverCheckpoint_VerifyEmptyHash(t *testing.T) {
	cp := testCheckpoint()
	must.False(t, cp.Verify())
}
