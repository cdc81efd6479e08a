package conflict

import (
	"sort"
	"time"

	"github.com/hashicorp/go-set/v2"

	"github.com/rosterlab/rosterd/structs"
)

// Summary aggregates a conflict list for dashboards.
type Summary struct {
	Total      int
	BySeverity map[structs.ConflictSeverity]int
	ByCategory map[structs.ConflictCategory]int

	// AffectedPeople is the number of distinct people across all
	// conflicts.
	AffectedPeople int

	// TopScore is the highest weighted score present.
	TopScore float64

	// EarliestCritical is the start date of the soonest critical
	// conflict, zero when there are none.
	EarliestCritical time.Time
}

// Summarize reduces the conflict list to its summary.
func Summarize(conflicts []*structs.Conflict) *Summary {
	s := &Summary{
		Total:      len(conflicts),
		BySeverity: make(map[structs.ConflictSeverity]int),
		ByCategory: make(map[structs.ConflictCategory]int),
	}
	people := set.New[string](16)
	for _, c := range conflicts {
		s.BySeverity[c.Severity]++
		s.ByCategory[c.Category]++
		people.InsertSlice(c.AffectedPeople)
		if score := c.WeightedScore(); score > s.TopScore {
			s.TopScore = score
		}
		if c.Severity == structs.SeverityCritical &&
			(s.EarliestCritical.IsZero() || c.Start.Before(s.EarliestCritical)) {
			s.EarliestCritical = c.Start
		}
	}
	s.AffectedPeople = people.Size()
	return s
}

// TimelinePoint is one date's conflict load: the worst severity ordinal
// among conflicts overlapping the date and how many overlap it.
type TimelinePoint struct {
	Date  time.Time
	Score int
	Count int
}

// Timeline maps every date in [start, end] to its conflict load.
func Timeline(conflicts []*structs.Conflict, start, end time.Time) []TimelinePoint {
	start = structs.DateOf(start)
	end = structs.DateOf(end)

	var out []TimelinePoint
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		point := TimelinePoint{Date: d}
		for _, c := range conflicts {
			if d.Before(structs.DateOf(c.Start)) || d.After(structs.DateOf(c.End)) {
				continue
			}
			point.Count++
			if o := c.Severity.Ordinal(); o > point.Score {
				point.Score = o
			}
		}
		out = append(out, point)
	}
	return out
}

// HeatLevel quantizes a timeline point for display.
type HeatLevel string

const (
	HeatNone     HeatLevel = "none"
	HeatLow      HeatLevel = "low"
	HeatMedium   HeatLevel = "medium"
	HeatHigh     HeatLevel = "high"
	HeatCritical HeatLevel = "critical"
)

// HeatCell is one date of the heatmap.
type HeatCell struct {
	Date  time.Time
	Level HeatLevel
}

// Heatmap quantizes a timeline into the five display levels: dates with
// no conflicts are "none", otherwise the level tracks the worst severity.
func Heatmap(timeline []TimelinePoint) []HeatCell {
	out := make([]HeatCell, 0, len(timeline))
	for _, p := range timeline {
		level := HeatNone
		if p.Count > 0 {
			switch p.Score {
			case structs.SeverityCritical.Ordinal():
				level = HeatCritical
			case structs.SeverityHigh.Ordinal():
				level = HeatHigh
			case structs.SeverityMedium.Ordinal():
				level = HeatMedium
			default:
				level = HeatLow
			}
		}
		out = append(out, HeatCell{Date: p.Date, Level: level})
	}
	return out
}

// Distribution groups conflicts along the dimensions the UI facets on.
type Distribution struct {
	ByCategory map[structs.ConflictCategory]int
	BySeverity map[structs.ConflictSeverity]int
}

// Distribute computes the category and severity distributions.
func Distribute(conflicts []*structs.Conflict) *Distribution {
	d := &Distribution{
		ByCategory: make(map[structs.ConflictCategory]int),
		BySeverity: make(map[structs.ConflictSeverity]int),
	}
	for _, c := range conflicts {
		d.ByCategory[c.Category]++
		d.BySeverity[c.Severity]++
	}
	return d
}

// PersonImpact ranks one person's conflict exposure.
type PersonImpact struct {
	PersonID    string
	Count       int
	AvgSeverity float64
}

// PersonImpacts ranks people by conflict count, then average severity
// ordinal, descending.
func PersonImpacts(conflicts []*structs.Conflict) []PersonImpact {
	counts := make(map[string]int)
	severitySum := make(map[string]int)
	for _, c := range conflicts {
		for _, p := range c.AffectedPeople {
			counts[p]++
			severitySum[p] += c.Severity.Ordinal()
		}
	}

	out := make([]PersonImpact, 0, len(counts))
	for p, n := range counts {
		out = append(out, PersonImpact{
			PersonID:    p,
			Count:       n,
			AvgSeverity: float64(severitySum[p]) / float64(n),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].AvgSeverity != out[j].AvgSeverity {
			return out[i].AvgSeverity > out[j].AvgSeverity
		}
		return out[i].PersonID < out[j].PersonID
	})
	return out
}
