package conflict

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-set/v2"

	"github.com/rosterlab/rosterd/acgme"
	"github.com/rosterlab/rosterd/structs"
)

// giniThreshold is the workload-imbalance level above which a conflict is
// raised.
const giniThreshold = 0.35

// patternRunLimit is the longest acceptable run of consecutive half-days
// on the same rotation template.
const patternRunLimit = 4

// overlapDetector finds people assigned to more than one block covering
// the same date and half-day.
type overlapDetector struct{}

func (d *overlapDetector) Name() string { return "time-overlap" }

func (d *overlapDetector) Detect(ctx context.Context, snap *Snapshot) ([]*structs.Conflict, error) {
	var out []*structs.Conflict
	for personID, assignments := range snap.ByPerson {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bySlot := make(map[string]*set.Set[string])
		for _, a := range assignments {
			b, ok := snap.BlockByID[a.BlockID]
			if !ok {
				continue
			}
			key := b.Key()
			if bySlot[key] == nil {
				bySlot[key] = set.New[string](1)
			}
			bySlot[key].Insert(a.BlockID)
		}
		for key, blocks := range bySlot {
			if blocks.Size() < 2 {
				continue
			}
			date := dateOfSlot(key, snap)
			c := &structs.Conflict{
				Category:       structs.ConflictTimeOverlap,
				Severity:       structs.SeverityHigh,
				Description:    fmt.Sprintf("double-booked on %s", key),
				Start:          date,
				End:            date,
				AffectedPeople: []string{personID},
				AffectedBlocks: blocks.Slice(),
				Complexity:     complexityOf(1),
			}
			c.Impact = impactOf(1, blocks.Size())
			out = append(out, c)
		}
	}
	return out, nil
}

// contentionDetector finds blocks whose primary assignments exceed the
// template's slot capacity.
type contentionDetector struct{}

func (d *contentionDetector) Name() string { return "resource-contention" }

func (d *contentionDetector) Detect(ctx context.Context, snap *Snapshot) ([]*structs.Conflict, error) {
	var out []*structs.Conflict
	for _, b := range snap.Blocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tmpl := snap.Templates[b.TemplateID]
		if tmpl == nil {
			continue
		}
		var people []string
		primaries := 0
		for _, a := range snap.ByBlock[b.ID] {
			if a.Role == structs.AssignPrimary {
				primaries++
				people = append(people, a.PersonID)
			}
		}
		if primaries <= tmpl.SlotCapacity {
			continue
		}
		c := &structs.Conflict{
			Category: structs.ConflictResourceContention,
			Severity: structs.SeverityHigh,
			Description: fmt.Sprintf("%d primaries on block %s, capacity %d",
				primaries, b.ID, tmpl.SlotCapacity),
			Start:          b.Date,
			End:            b.Date,
			AffectedPeople: people,
			AffectedBlocks: []string{b.ID},
			Complexity:     complexityOf(1),
		}
		c.Impact = impactOf(len(people), 1)
		out = append(out, c)
	}
	return out, nil
}

// acgmeDetector delegates to the duty-hour validator and lifts its
// findings into conflicts. All ACGME findings are critical.
type acgmeDetector struct {
	validator *acgme.Validator
}

func (d *acgmeDetector) Name() string { return "acgme" }

func (d *acgmeDetector) Detect(ctx context.Context, snap *Snapshot) ([]*structs.Conflict, error) {
	result, err := d.validator.Validate(ctx, snap.Start, snap.End, snap.Assignments)
	if err != nil {
		return nil, err
	}
	var out []*structs.Conflict
	for _, v := range result.Violations {
		c := &structs.Conflict{
			Category:    structs.ConflictACGME,
			Severity:    structs.SeverityCritical,
			Description: v.Detail,
			Complexity:  complexityOf(3),
		}
		if v.PersonID != "" {
			c.AffectedPeople = []string{v.PersonID}
		}
		if v.BlockID != "" {
			c.AffectedBlocks = []string{v.BlockID}
			if b, ok := snap.BlockByID[v.BlockID]; ok {
				c.Start, c.End = b.Date, b.Date
			}
		}
		c.Impact = impactOf(len(c.AffectedPeople), len(c.AffectedBlocks))
		out = append(out, c)
	}
	return out, nil
}

// supervisionDetector finds blocks whose faculty presence falls short of
// the required ratio for the residents assigned.
type supervisionDetector struct{}

func (d *supervisionDetector) Name() string { return "supervision" }

func (d *supervisionDetector) Detect(ctx context.Context, snap *Snapshot) ([]*structs.Conflict, error) {
	var out []*structs.Conflict
	for _, b := range snap.Blocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var pgy1, other, faculty int
		var people []string
		for _, a := range snap.ByBlock[b.ID] {
			p, ok := snap.People[a.PersonID]
			if !ok {
				continue
			}
			switch {
			case p.IsResident() && p.PGYLevel == 1:
				pgy1++
				people = append(people, p.ID)
			case p.IsResident():
				other++
				people = append(people, p.ID)
			case p.Role == structs.RoleFaculty:
				faculty++
			}
		}
		if pgy1+other == 0 {
			continue
		}
		required := structs.SupervisionRequired(pgy1, other)
		if faculty >= required {
			continue
		}
		c := &structs.Conflict{
			Category: structs.ConflictSupervision,
			Severity: structs.SeverityCritical,
			Description: fmt.Sprintf("block %s has %d faculty, needs %d",
				b.ID, faculty, required),
			Start:          b.Date,
			End:            b.Date,
			AffectedPeople: people,
			AffectedBlocks: []string{b.ID},
			Complexity:     complexityOf(2),
		}
		c.Impact = impactOf(len(people), 1)
		out = append(out, c)
	}
	return out, nil
}

// availabilityDetector finds assignments that land inside an approved
// absence.
type availabilityDetector struct{}

func (d *availabilityDetector) Name() string { return "availability" }

func (d *availabilityDetector) Detect(ctx context.Context, snap *Snapshot) ([]*structs.Conflict, error) {
	var out []*structs.Conflict
	for personID, absences := range snap.Absences {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, a := range snap.ByPerson[personID] {
			b, ok := snap.BlockByID[a.BlockID]
			if !ok {
				continue
			}
			for _, abs := range absences {
				if !abs.Covers(b.Date) {
					continue
				}
				c := &structs.Conflict{
					Category: structs.ConflictAvailability,
					Severity: structs.SeverityHigh,
					Description: fmt.Sprintf("assigned during absence (%s)",
						abs.Reason),
					Start:          b.Date,
					End:            b.Date,
					AffectedPeople: []string{personID},
					AffectedBlocks: []string{a.BlockID},
					Complexity:     complexityOf(1),
				}
				c.Impact = impactOf(1, 1)
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

// workloadDetector raises a single range-wide conflict when assignment
// counts across residents concentrate past the Gini threshold.
type workloadDetector struct{}

func (d *workloadDetector) Name() string { return "workload" }

func (d *workloadDetector) Detect(ctx context.Context, snap *Snapshot) ([]*structs.Conflict, error) {
	residents := set.New[string](len(snap.People))
	for _, p := range snap.People {
		if p.IsResident() {
			residents.Insert(p.ID)
		}
	}
	if residents.Size() < 2 {
		return nil, nil
	}

	counts := make([]float64, 0, residents.Size())
	for _, id := range residents.Slice() {
		counts = append(counts, float64(len(snap.ByPerson[id])))
	}
	g := giniCoefficient(counts)
	if g <= giniThreshold {
		return nil, nil
	}

	affected := residents.Slice()
	sort.Strings(affected)
	c := &structs.Conflict{
		Category:       structs.ConflictWorkloadImbalance,
		Severity:       structs.SeverityMedium,
		Description:    fmt.Sprintf("workload gini %.2f exceeds %.2f", g, giniThreshold),
		Start:          snap.Start,
		End:            snap.End,
		AffectedPeople: affected,
		Complexity:     complexityOf(0),
	}
	c.Impact = impactOf(len(affected), 0)
	return []*structs.Conflict{c}, nil
}

// patternDetector finds runs of more than patternRunLimit consecutive
// half-days on the same rotation template.
type patternDetector struct{}

func (d *patternDetector) Name() string { return "pattern" }

func (d *patternDetector) Detect(ctx context.Context, snap *Snapshot) ([]*structs.Conflict, error) {
	var out []*structs.Conflict
	for personID, assignments := range snap.ByPerson {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		type half struct {
			block *structs.Block
			tmpl  string
		}
		halves := make([]half, 0, len(assignments))
		for _, a := range assignments {
			if b, ok := snap.BlockByID[a.BlockID]; ok {
				halves = append(halves, half{block: b, tmpl: b.TemplateID})
			}
		}
		sort.Slice(halves, func(i, j int) bool {
			if !halves[i].block.Date.Equal(halves[j].block.Date) {
				return halves[i].block.Date.Before(halves[j].block.Date)
			}
			return halves[i].block.Half < halves[j].block.Half
		})

		runStart := 0
		for i := 1; i <= len(halves); i++ {
			if i < len(halves) && halves[i].tmpl == halves[runStart].tmpl {
				continue
			}
			if run := i - runStart; run > patternRunLimit {
				blocks := make([]string, 0, run)
				for _, h := range halves[runStart:i] {
					blocks = append(blocks, h.block.ID)
				}
				c := &structs.Conflict{
					Category: structs.ConflictPattern,
					Severity: structs.SeverityLow,
					Description: fmt.Sprintf("%d consecutive half-days on template %s",
						run, halves[runStart].tmpl),
					Start:          halves[runStart].block.Date,
					End:            halves[i-1].block.Date,
					AffectedPeople: []string{personID},
					AffectedBlocks: blocks,
					Complexity:     complexityOf(0),
				}
				c.Impact = impactOf(1, len(blocks))
				out = append(out, c)
			}
			runStart = i
		}
	}
	return out, nil
}

// dateOfSlot recovers the date from a block slot key, falling back to the
// range start if no block carries the key.
func dateOfSlot(key string, snap *Snapshot) time.Time {
	for _, b := range snap.Blocks {
		if b.Key() == key {
			return b.Date
		}
	}
	return snap.Start
}

// giniCoefficient measures concentration of the values: 0 is perfectly
// even, values near 1 are fully concentrated.
func giniCoefficient(values []float64) float64 {
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
