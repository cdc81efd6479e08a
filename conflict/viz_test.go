package conflict

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/rosterlab/rosterd/structs"
)

func vizFixture() []*structs.Conflict {
	day0 := testStart
	day2 := testStart.AddDate(0, 0, 2)
	return []*structs.Conflict{
		{
			Category:       structs.ConflictSupervision,
			Severity:       structs.SeverityCritical,
			Start:          day0,
			End:            day0,
			AffectedPeople: []string{"p1", "p2"},
			Impact:         0.8,
			Urgency:        1.0,
			Complexity:     0.4,
		},
		{
			Category:       structs.ConflictWorkloadImbalance,
			Severity:       structs.SeverityMedium,
			Start:          day0,
			End:            day2,
			AffectedPeople: []string{"p1"},
			Impact:         0.2,
			Urgency:        1.0,
			Complexity:     0.0,
		},
		{
			Category:       structs.ConflictPattern,
			Severity:       structs.SeverityLow,
			Start:          day2,
			End:            day2,
			AffectedPeople: []string{"p3"},
			Impact:         0.1,
			Urgency:        0.9,
			Complexity:     0.0,
		},
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(vizFixture())
	must.Eq(t, 3, s.Total)
	must.Eq(t, 1, s.BySeverity[structs.SeverityCritical])
	must.Eq(t, 1, s.BySeverity[structs.SeverityMedium])
	must.Eq(t, 1, s.BySeverity[structs.SeverityLow])
	must.Eq(t, 3, s.AffectedPeople)

	// 0.8*0.5 + 1.0*0.3 + 0.4*0.2
	must.InDelta(t, 0.78, s.TopScore, 0.0001)

	must.True(t, s.EarliestCritical.Equal(testStart))
}

func TestSummarize_NoCriticals(t *testing.T) {
	s := Summarize(vizFixture()[1:])
	must.Eq(t, 2, s.Total)
	must.True(t, s.EarliestCritical.IsZero())
}

func TestTimeline(t *testing.T) {
	points := Timeline(vizFixture(), testStart, testStart.AddDate(0, 0, 3))
	must.Len(t, 4, points)

	// Day 0: critical supervision plus the range-wide imbalance.
	must.Eq(t, 2, points[0].Count)
	must.Eq(t, structs.SeverityCritical.Ordinal(), points[0].Score)

	// Day 1: only the range-wide imbalance.
	must.Eq(t, 1, points[1].Count)
	must.Eq(t, structs.SeverityMedium.Ordinal(), points[1].Score)

	// Day 2: imbalance plus the pattern run.
	must.Eq(t, 2, points[2].Count)
	must.Eq(t, structs.SeverityMedium.Ordinal(), points[2].Score)

	// Day 3: nothing.
	must.Eq(t, 0, points[3].Count)
	must.Eq(t, 0, points[3].Score)
}

func TestHeatmap(t *testing.T) {
	cells := Heatmap(Timeline(vizFixture(), testStart, testStart.AddDate(0, 0, 3)))
	must.Len(t, 4, cells)
	must.Eq(t, HeatCritical, cells[0].Level)
	must.Eq(t, HeatMedium, cells[1].Level)
	must.Eq(t, HeatMedium, cells[2].Level)
	must.Eq(t, HeatNone, cells[3].Level)
}

func TestPersonImpacts(t *testing.T) {
	impacts := PersonImpacts(vizFixture())
	must.Len(t, 3, impacts)

	// p1 appears twice, p2 and p3 once each; p2 outranks p3 on severity.
	must.Eq(t, "p1", impacts[0].PersonID)
	must.Eq(t, 2, impacts[0].Count)
	must.InDelta(t, 2.0, impacts[0].AvgSeverity, 0.0001)
	must.Eq(t, "p2", impacts[1].PersonID)
	must.InDelta(t, 3.0, impacts[1].AvgSeverity, 0.0001)
	must.Eq(t, "p3", impacts[2].PersonID)
}
