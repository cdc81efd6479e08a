// Package conflict implements the schedule conflict engine: independent
// category detectors that run in parallel over a date range, merged and
// de-duplicated into a single ranked conflict list, plus the pure
// producers that derive visualization data from that list.
package conflict

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/rosterlab/rosterd/acgme"
	"github.com/rosterlab/rosterd/structs"
)

// Repository is the slice of the state store the engine reads.
type Repository interface {
	People() ([]*structs.Person, error)
	BlocksInRange(start, end time.Time) ([]*structs.Block, error)
	AssignmentsInRange(start, end time.Time, personID string) ([]*structs.Assignment, error)
	AbsencesInRange(start, end time.Time, personID string) ([]*structs.Absence, error)
	TemplateByID(id string) (*structs.RotationTemplate, error)
}

// Snapshot is the immutable data slice one analysis runs over. Detectors
// share it read-only, so a single load serves the whole parallel pass.
type Snapshot struct {
	Start time.Time
	End   time.Time

	People    map[string]*structs.Person
	Blocks    []*structs.Block
	BlockByID map[string]*structs.Block
	Templates map[string]*structs.RotationTemplate

	Assignments []*structs.Assignment
	ByPerson    map[string][]*structs.Assignment
	ByBlock     map[string][]*structs.Assignment
	Absences    map[string][]*structs.Absence
}

// Detector finds conflicts of one category over a snapshot.
type Detector interface {
	Name() string
	Detect(ctx context.Context, snap *Snapshot) ([]*structs.Conflict, error)
}

// Engine runs the detector set and merges their findings.
type Engine struct {
	logger    hclog.Logger
	repo      Repository
	detectors []Detector
}

// NewEngine builds an engine with the full default detector set. The
// validator backs the ACGME category.
func NewEngine(logger hclog.Logger, repo Repository, validator *acgme.Validator) *Engine {
	return &Engine{
		logger: logger.Named("conflict"),
		repo:   repo,
		detectors: []Detector{
			&overlapDetector{},
			&contentionDetector{},
			&acgmeDetector{validator: validator},
			&supervisionDetector{},
			&availabilityDetector{},
			&workloadDetector{},
			&patternDetector{},
		},
	}
}

// Analyze runs every detector over [start, end] in parallel and returns
// the merged conflict list, de-duplicated by conflict ID and ordered by
// severity then weighted score. personFilter narrows the assignment load
// to one person when non-empty.
func (e *Engine) Analyze(ctx context.Context, start, end time.Time, personFilter string) ([]*structs.Conflict, error) {
	defer metrics.MeasureSince([]string{"conflict", "analyze", "duration"}, time.Now())

	snap, err := e.load(start, end, personFilter)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var found []*structs.Conflict

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range e.detectors {
		d := d
		g.Go(func() error {
			conflicts, err := d.Detect(gctx, snap)
			if err != nil {
				return err
			}
			for _, c := range conflicts {
				finalizeConflict(c, snap)
			}
			mu.Lock()
			found = append(found, conflicts...)
			mu.Unlock()
			metrics.IncrCounterWithLabels([]string{"conflict", "detected"},
				float32(len(conflicts)),
				[]metrics.Label{{Name: "detector", Value: d.Name()}})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := dedupe(found)
	sort.SliceStable(merged, func(i, j int) bool {
		oi, oj := merged[i].Severity.Ordinal(), merged[j].Severity.Ordinal()
		if oi != oj {
			return oi > oj
		}
		return merged[i].WeightedScore() > merged[j].WeightedScore()
	})

	e.logger.Debug("analysis complete", "start", start, "end", end,
		"raw", len(found), "merged", len(merged))
	return merged, nil
}

// load assembles the snapshot for the range.
func (e *Engine) load(start, end time.Time, personFilter string) (*Snapshot, error) {
	snap := &Snapshot{
		Start:     structs.DateOf(start),
		End:       structs.DateOf(end),
		People:    make(map[string]*structs.Person),
		BlockByID: make(map[string]*structs.Block),
		Templates: make(map[string]*structs.RotationTemplate),
		ByPerson:  make(map[string][]*structs.Assignment),
		ByBlock:   make(map[string][]*structs.Assignment),
		Absences:  make(map[string][]*structs.Absence),
	}

	people, err := e.repo.People()
	if err != nil {
		return nil, err
	}
	for _, p := range people {
		snap.People[p.ID] = p
	}

	snap.Blocks, err = e.repo.BlocksInRange(start, end)
	if err != nil {
		return nil, err
	}
	for _, b := range snap.Blocks {
		snap.BlockByID[b.ID] = b
		if _, ok := snap.Templates[b.TemplateID]; !ok {
			tmpl, err := e.repo.TemplateByID(b.TemplateID)
			if err != nil {
				if structs.IsNotFound(err) {
					continue
				}
				return nil, err
			}
			snap.Templates[b.TemplateID] = tmpl
		}
	}

	snap.Assignments, err = e.repo.AssignmentsInRange(start, end, personFilter)
	if err != nil {
		return nil, err
	}
	for _, a := range snap.Assignments {
		snap.ByPerson[a.PersonID] = append(snap.ByPerson[a.PersonID], a)
		snap.ByBlock[a.BlockID] = append(snap.ByBlock[a.BlockID], a)
	}

	absences, err := e.repo.AbsencesInRange(start, end, personFilter)
	if err != nil {
		return nil, err
	}
	for _, a := range absences {
		snap.Absences[a.PersonID] = append(snap.Absences[a.PersonID], a)
	}

	return snap, nil
}

// finalizeConflict fills the derived fields every conflict carries: the
// deterministic ID and the urgency score, which depends only on how soon
// the conflict starts.
func finalizeConflict(c *structs.Conflict, snap *Snapshot) {
	if c.Start.IsZero() {
		c.Start = snap.Start
	}
	if c.End.IsZero() {
		c.End = snap.End
	}
	c.Urgency = urgencyOf(c.Start, snap.Start)
	c.SetID()
}

// urgencyOf maps days-until-start onto [0,1]: a conflict starting today
// scores 1, thirty or more days out scores 0.
func urgencyOf(start, now time.Time) float64 {
	days := start.Sub(structs.DateOf(now)).Hours() / 24
	if days <= 0 {
		return 1
	}
	if days >= 30 {
		return 0
	}
	return 1 - days/30
}

// impactOf normalizes breadth: twenty affected entities saturate the
// score.
func impactOf(people, blocks int) float64 {
	return clamp01(float64(people+blocks) / 20)
}

// complexityOf normalizes the number of hard constraints a resolution
// would have to renegotiate.
func complexityOf(hardConstraints int) float64 {
	return clamp01(float64(hardConstraints) / 5)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// dedupe drops conflicts whose ID was already seen; the first occurrence
// survives. IDs are content-derived, so duplicates are interchangeable.
func dedupe(conflicts []*structs.Conflict) []*structs.Conflict {
	seen := make(map[string]struct{}, len(conflicts))
	out := conflicts[:0:0]
	for _, c := range conflicts {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}
