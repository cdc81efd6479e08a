package scheduler

import (
	"sort"
	"time"

	"github.com/rosterlab/rosterd/structs"
)

// objective computes the full soft score of the current working solution:
// weighted workload imbalance, back-to-back density, call spread variance
// and rotation churn, plus the accumulated uncovered-slot cost. Lower is
// better.
func (c *Context) objective(uncoveredCost float64) float64 {
	counts := c.assignmentCounts()
	score := c.weights.Imbalance * gini(counts)
	score += c.weights.BackToBack * c.backToBackDensity()
	score += c.weights.CallSpread * c.callVariance()
	score += c.weights.Sequencing * c.rotationChurn()
	return score + uncoveredCost
}

// assignmentCounts returns per-resident totals across fixed and placed
// assignments. Residents with zero assignments are included so imbalance
// sees the whole pool.
func (c *Context) assignmentCounts() []float64 {
	counts := make([]float64, 0, len(c.residents))
	for _, p := range c.residents {
		n := len(c.placed[p.ID]) + len(c.fixed[p.ID])
		counts = append(counts, float64(n))
	}
	return counts
}

// backToBackDensity is the fraction of placements adjacent to another
// half-day worked by the same person, across the pool.
func (c *Context) backToBackDensity() float64 {
	var adjacent, total float64
	for personID, byDate := range c.hoursByDate {
		if p, ok := c.people[personID]; !ok || !p.IsResident() {
			continue
		}
		for date, hours := range byDate {
			halves := hours / structs.HalfDayHours
			total += halves
			if halves > 1 {
				adjacent += halves - 1
			}
			if byDate[date.AddDate(0, 0, 1)] > 0 {
				adjacent++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return adjacent / total
}

// callVariance is the normalized variance of call-block counts across
// residents.
func (c *Context) callVariance() float64 {
	if len(c.residents) == 0 {
		return 0
	}
	counts := make([]float64, 0, len(c.residents))
	var total float64
	for _, p := range c.residents {
		n := 0.0
		for blockID := range c.placed[p.ID] {
			if b, ok := c.blockByID[blockID]; ok {
				if tmpl := c.template(b); tmpl != nil && tmpl.Kind == "call" {
					n++
				}
			}
		}
		counts = append(counts, n)
		total += n
	}
	if total == 0 {
		return 0
	}
	mean := total / float64(len(counts))
	var variance float64
	for _, n := range counts {
		variance += (n - mean) * (n - mean)
	}
	variance /= float64(len(counts))
	// Normalize by the mean so the term stays comparable across range
	// sizes.
	return variance / (mean + 1)
}

// rotationChurn is the fraction of consecutive worked days on which a
// person switches rotation templates.
func (c *Context) rotationChurn() float64 {
	var switches, pairs float64
	for personID := range c.placed {
		seq := c.templateSequence(personID)
		for i := 1; i < len(seq); i++ {
			if seq[i].date.Sub(seq[i-1].date) != 24*time.Hour {
				continue
			}
			pairs++
			if seq[i].template != seq[i-1].template {
				switches++
			}
		}
	}
	if pairs == 0 {
		return 0
	}
	return switches / pairs
}

type dayTemplate struct {
	date     time.Time
	template string
}

// templateSequence returns the person's worked dates in order with the
// template worked that day (first placement wins on split days).
func (c *Context) templateSequence(personID string) []dayTemplate {
	byDate := make(map[time.Time]string)
	add := func(blockID string) {
		b, ok := c.blockByID[blockID]
		if !ok {
			return
		}
		date := structs.DateOf(b.Date)
		if _, ok := byDate[date]; !ok {
			byDate[date] = b.TemplateID
		}
	}
	for blockID := range c.placed[personID] {
		add(blockID)
	}
	for blockID := range c.fixed[personID] {
		add(blockID)
	}

	out := make([]dayTemplate, 0, len(byDate))
	for date, tmpl := range byDate {
		out = append(out, dayTemplate{date: date, template: tmpl})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].date.Before(out[j].date) })
	return out
}

// gini computes the Gini coefficient of the values, 0 for perfect equality
// and approaching 1 for full concentration.
func gini(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	var cum, total float64
	for i, v := range sorted {
		cum += v * float64(2*(i+1)-n-1)
		total += v
	}
	if total == 0 {
		return 0
	}
	return cum / (float64(n) * total)
}

// uncoveredCost is the soft cost of leaving one slot of the block's
// template unfilled, scaled by slot priority.
func uncoveredCost(tmpl *structs.RotationTemplate) float64 {
	priority := 0
	if tmpl != nil {
		priority = tmpl.Priority
	}
	return 1 + float64(priority)/10
}
