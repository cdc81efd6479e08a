// Package acgme validates schedules against the ACGME duty-hour and
// supervision requirements: the 80-hour averaged weekly cap, the 1-in-7
// day-off rule and PGY-scaled faculty supervision ratios. All three rule
// kinds block scheduling actions, so every finding is critical.
package acgme

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/rosterlab/rosterd/structs"
)

// Repository is the slice of the state store the validator reads.
type Repository interface {
	People() ([]*structs.Person, error)
	BlocksInRange(start, end time.Time) ([]*structs.Block, error)
	AssignmentsInRange(start, end time.Time, personID string) ([]*structs.Assignment, error)
}

// Validator checks persisted or candidate schedules.
type Validator struct {
	logger hclog.Logger
	repo   Repository
}

// NewValidator constructs a validator over the given repository.
func NewValidator(logger hclog.Logger, repo Repository) *Validator {
	return &Validator{
		logger: logger.Named("acgme"),
		repo:   repo,
	}
}

// Validate checks the schedule over [start, end]. When candidate is nil the
// persisted assignments in range are validated; otherwise the supplied set
// is validated in their place.
func (v *Validator) Validate(ctx context.Context, start, end time.Time, candidate []*structs.Assignment) (*structs.ValidationResult, error) {
	defer metrics.MeasureSince([]string{"acgme", "validate", "duration"}, time.Now())

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	people, err := v.repo.People()
	if err != nil {
		return nil, fmt.Errorf("people lookup failed: %w", err)
	}
	blocks, err := v.repo.BlocksInRange(start, end)
	if err != nil {
		return nil, fmt.Errorf("block lookup failed: %w", err)
	}

	assignments := candidate
	if assignments == nil {
		assignments, err = v.repo.AssignmentsInRange(start, end, "")
		if err != nil {
			return nil, fmt.Errorf("assignment lookup failed: %w", err)
		}
	}

	personByID := make(map[string]*structs.Person, len(people))
	for _, p := range people {
		personByID[p.ID] = p
	}
	blockByID := make(map[string]*structs.Block, len(blocks))
	for _, b := range blocks {
		blockByID[b.ID] = b
	}

	var violations []*structs.Violation
	violations = append(violations, v.checkEightyHour(assignments, personByID, blockByID)...)
	violations = append(violations, v.checkOneInSeven(assignments, personByID, blockByID)...)
	violations = append(violations, v.checkSupervision(assignments, personByID, blockByID)...)

	result := &structs.ValidationResult{
		Valid:      len(violations) == 0,
		Coverage:   coverage(assignments, blocks),
		Violations: violations,
	}
	if !result.Valid {
		metrics.IncrCounter([]string{"acgme", "violations"}, float32(len(violations)))
		v.logger.Debug("validation found violations",
			"count", len(violations), "coverage", result.Coverage)
	}
	return result, nil
}

// checkEightyHour emits at most one violation per resident: the first
// 28-day window whose averaged weekly hours exceed the cap.
func (v *Validator) checkEightyHour(assignments []*structs.Assignment, people map[string]*structs.Person, blocks map[string]*structs.Block) []*structs.Violation {
	hoursByResident := make(map[string]map[time.Time]float64)
	for _, a := range assignments {
		p, ok := people[a.PersonID]
		if !ok || !p.IsResident() {
			continue
		}
		b, ok := blocks[a.BlockID]
		if !ok {
			continue
		}
		date := structs.DateOf(b.Date)
		if hoursByResident[a.PersonID] == nil {
			hoursByResident[a.PersonID] = make(map[time.Time]float64)
		}
		hoursByResident[a.PersonID][date] += structs.HalfDayHours
	}

	var out []*structs.Violation
	for personID, byDate := range hoursByResident {
		dates := sortedDates(byDate)
		for _, windowStart := range dates {
			var sum float64
			windowEnd := windowStart.AddDate(0, 0, 27)
			for _, d := range dates {
				if !d.Before(windowStart) && !d.After(windowEnd) {
					sum += byDate[d]
				}
			}
			if avg := sum / 4; avg > structs.MaxWeeklyHours {
				out = append(out, &structs.Violation{
					Kind:               structs.Violation80Hour,
					Severity:           structs.SeverityCritical,
					PersonID:           personID,
					AverageWeeklyHours: avg,
					Detail: fmt.Sprintf("averaged %.1f weekly hours in the 28 days from %s",
						avg, windowStart.Format("2006-01-02")),
				})
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PersonID < out[j].PersonID })
	return out
}

// checkOneInSeven emits one violation per resident whose longest run of
// consecutive assigned days exceeds six.
func (v *Validator) checkOneInSeven(assignments []*structs.Assignment, people map[string]*structs.Person, blocks map[string]*structs.Block) []*structs.Violation {
	daysByResident := make(map[string]map[time.Time]struct{})
	for _, a := range assignments {
		p, ok := people[a.PersonID]
		if !ok || !p.IsResident() {
			continue
		}
		b, ok := blocks[a.BlockID]
		if !ok {
			continue
		}
		date := structs.DateOf(b.Date)
		if daysByResident[a.PersonID] == nil {
			daysByResident[a.PersonID] = make(map[time.Time]struct{})
		}
		daysByResident[a.PersonID][date] = struct{}{}
	}

	var out []*structs.Violation
	for personID, days := range daysByResident {
		if run := LongestRun(days); run > structs.MaxConsecutiveDays {
			out = append(out, &structs.Violation{
				Kind:            structs.ViolationOneInSeven,
				Severity:        structs.SeverityCritical,
				PersonID:        personID,
				ConsecutiveDays: run,
				Detail:          fmt.Sprintf("%d consecutive days with assignments", run),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PersonID < out[j].PersonID })
	return out
}

// checkSupervision emits one violation per block whose faculty presence
// falls short of the PGY-scaled requirement.
func (v *Validator) checkSupervision(assignments []*structs.Assignment, people map[string]*structs.Person, blocks map[string]*structs.Block) []*structs.Violation {
	type counts struct {
		pgy1, other, faculty int
	}
	byBlock := make(map[string]*counts)
	for _, a := range assignments {
		p, ok := people[a.PersonID]
		if !ok {
			continue
		}
		c := byBlock[a.BlockID]
		if c == nil {
			c = &counts{}
			byBlock[a.BlockID] = c
		}
		switch {
		case p.IsResident() && p.PGYLevel == 1:
			c.pgy1++
		case p.IsResident():
			c.other++
		case p.Role == structs.RoleFaculty:
			c.faculty++
		}
	}

	var out []*structs.Violation
	for blockID, c := range byBlock {
		if _, ok := blocks[blockID]; !ok {
			continue
		}
		need := structs.SupervisionRequired(c.pgy1, c.other)
		if c.faculty < need {
			out = append(out, &structs.Violation{
				Kind:     structs.ViolationSupervision,
				Severity: structs.SeverityCritical,
				BlockID:  blockID,
				Detail: fmt.Sprintf("%d faculty present, %d required for %d PGY-1 and %d senior residents",
					c.faculty, need, c.pgy1, c.other),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockID < out[j].BlockID })
	return out
}

// LongestRun returns the longest stretch of consecutive calendar days in
// the set.
func LongestRun(days map[time.Time]struct{}) int {
	if len(days) == 0 {
		return 0
	}
	dates := make([]time.Time, 0, len(days))
	for d := range days {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	longest, run := 1, 1
	for i := 1; i < len(dates); i++ {
		if dates[i].Sub(dates[i-1]) == 24*time.Hour {
			run++
		} else {
			run = 1
		}
		if run > longest {
			longest = run
		}
	}
	return longest
}

// coverage is the percentage of non-weekend blocks carrying at least one
// assignment.
func coverage(assignments []*structs.Assignment, blocks []*structs.Block) float64 {
	assigned := make(map[string]struct{}, len(assignments))
	for _, a := range assignments {
		assigned[a.BlockID] = struct{}{}
	}

	var total, covered int
	for _, b := range blocks {
		if b.Weekend {
			continue
		}
		total++
		if _, ok := assigned[b.ID]; ok {
			covered++
		}
	}
	if total == 0 {
		return 100
	}
	return float64(covered) / float64(total) * 100
}

func sortedDates(m map[time.Time]float64) []time.Time {
	out := make([]time.Time, 0, len(m))
	for d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
