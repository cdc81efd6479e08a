package scheduler

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/rosterlab/rosterd/structs"
)

// Repository is the slice of the state store the solver reads and writes.
type Repository interface {
	People() ([]*structs.Person, error)
	BlocksInRange(start, end time.Time) ([]*structs.Block, error)
	AssignmentsInRange(start, end time.Time, personID string) ([]*structs.Assignment, error)
	AbsencesInRange(start, end time.Time, personID string) ([]*structs.Absence, error)
	CredentialsFor(personID string) ([]*structs.Credential, error)
	TemplateByID(id string) (*structs.RotationTemplate, error)
	SaveAssignments(assignments ...*structs.Assignment) error
}

// Context carries the immutable snapshot of domain data for one run plus
// the mutable placement state the iterators consult. It is per-run and
// never crosses goroutines.
type Context struct {
	logger hclog.Logger

	start, end time.Time
	weights    Weights

	people    map[string]*structs.Person
	residents []*structs.Person
	faculty   []*structs.Person
	blocks    []*structs.Block
	blockByID map[string]*structs.Block
	templates map[string]*structs.RotationTemplate

	// absences and credentials are indexed by person.
	absences    map[string][]*structs.Absence
	credentials map[string][]*structs.Credential

	// fixed are the preserved pre-existing assignments keyed by
	// (person, block).
	fixed map[string]map[string]*structs.Assignment

	// placed is the working partial solution: person -> block -> role.
	placed map[string]map[string]structs.AssignmentRole

	// hoursByDate tracks duty hours per person per date across fixed and
	// placed assignments, for the duty-hour and rest-day projections.
	hoursByDate map[string]map[time.Time]float64
}

// newContext loads the domain snapshot for [start, end] from the
// repository.
func newContext(logger hclog.Logger, repo Repository, start, end time.Time, opts Options) (*Context, error) {
	ctx := &Context{
		logger:      logger,
		start:       structs.DateOf(start),
		end:         structs.DateOf(end),
		weights:     opts.Weights,
		people:      make(map[string]*structs.Person),
		blockByID:   make(map[string]*structs.Block),
		templates:   make(map[string]*structs.RotationTemplate),
		absences:    make(map[string][]*structs.Absence),
		credentials: make(map[string][]*structs.Credential),
		fixed:       make(map[string]map[string]*structs.Assignment),
		placed:      make(map[string]map[string]structs.AssignmentRole),
		hoursByDate: make(map[string]map[time.Time]float64),
	}

	people, err := repo.People()
	if err != nil {
		return nil, fmt.Errorf("people load failed: %w", err)
	}
	for _, p := range people {
		ctx.people[p.ID] = p
		switch {
		case p.IsResident():
			ctx.residents = append(ctx.residents, p)
		case p.Role == structs.RoleFaculty:
			ctx.faculty = append(ctx.faculty, p)
		}
	}

	ctx.blocks, err = repo.BlocksInRange(start, end)
	if err != nil {
		return nil, fmt.Errorf("block load failed: %w", err)
	}
	for _, b := range ctx.blocks {
		ctx.blockByID[b.ID] = b
		if _, ok := ctx.templates[b.TemplateID]; !ok {
			tmpl, err := repo.TemplateByID(b.TemplateID)
			if err != nil {
				if structs.IsNotFound(err) {
					continue
				}
				return nil, fmt.Errorf("template load failed: %w", err)
			}
			ctx.templates[b.TemplateID] = tmpl
		}
	}

	absences, err := repo.AbsencesInRange(start, end, "")
	if err != nil {
		return nil, fmt.Errorf("absence load failed: %w", err)
	}
	for _, a := range absences {
		ctx.absences[a.PersonID] = append(ctx.absences[a.PersonID], a)
	}

	for _, p := range people {
		creds, err := repo.CredentialsFor(p.ID)
		if err != nil {
			return nil, fmt.Errorf("credential load failed: %w", err)
		}
		ctx.credentials[p.ID] = creds
	}

	if opts.PreserveExisting {
		existing, err := repo.AssignmentsInRange(start, end, "")
		if err != nil {
			return nil, fmt.Errorf("assignment load failed: %w", err)
		}
		for _, a := range existing {
			if ctx.fixed[a.PersonID] == nil {
				ctx.fixed[a.PersonID] = make(map[string]*structs.Assignment)
			}
			ctx.fixed[a.PersonID][a.BlockID] = a
			ctx.addHours(a.PersonID, a.BlockID)
		}
	}

	return ctx, nil
}

// template returns the rotation template of a block, or nil.
func (c *Context) template(b *structs.Block) *structs.RotationTemplate {
	return c.templates[b.TemplateID]
}

// assignedTo reports whether the person already fills the block, either
// fixed or placed this run.
func (c *Context) assignedTo(personID, blockID string) bool {
	if _, ok := c.fixed[personID][blockID]; ok {
		return true
	}
	_, ok := c.placed[personID][blockID]
	return ok
}

// place records a working placement and its duty-hour contribution.
func (c *Context) place(personID, blockID string, role structs.AssignmentRole) {
	if c.placed[personID] == nil {
		c.placed[personID] = make(map[string]structs.AssignmentRole)
	}
	c.placed[personID][blockID] = role
	c.addHours(personID, blockID)
}

// unplace reverses a working placement during backtracking.
func (c *Context) unplace(personID, blockID string) {
	delete(c.placed[personID], blockID)
	if b, ok := c.blockByID[blockID]; ok {
		date := structs.DateOf(b.Date)
		c.hoursByDate[personID][date] -= structs.HalfDayHours
		if c.hoursByDate[personID][date] <= 0 {
			delete(c.hoursByDate[personID], date)
		}
	}
}

func (c *Context) addHours(personID, blockID string) {
	b, ok := c.blockByID[blockID]
	if !ok {
		return
	}
	if c.hoursByDate[personID] == nil {
		c.hoursByDate[personID] = make(map[time.Time]float64)
	}
	c.hoursByDate[personID][structs.DateOf(b.Date)] += structs.HalfDayHours
}

// cumulativeHours is the person's total duty hours across fixed and placed
// assignments in range.
func (c *Context) cumulativeHours(personID string) float64 {
	var sum float64
	for _, h := range c.hoursByDate[personID] {
		sum += h
	}
	return sum
}

// halfDaysOn reports how many half-days the person works on the date.
func (c *Context) halfDaysOn(personID string, date time.Time) int {
	h := c.hoursByDate[personID][structs.DateOf(date)]
	return int(h / structs.HalfDayHours)
}

// projectedWindowOK reports whether adding one half-day on date keeps every
// rolling 28-day window containing it at or under the 80-hour average.
func (c *Context) projectedWindowOK(personID string, date time.Time) bool {
	date = structs.DateOf(date)
	byDate := c.hoursByDate[personID]

	// Every window containing the date starts within the prior 27 days.
	const windowHours = structs.MaxWeeklyHours * 4
	for offset := 0; offset < 28; offset++ {
		winStart := date.AddDate(0, 0, -offset)
		winEnd := winStart.AddDate(0, 0, 27)
		sum := structs.HalfDayHours
		for d, h := range byDate {
			if !d.Before(winStart) && !d.After(winEnd) {
				sum += h
			}
		}
		if sum > windowHours {
			return false
		}
	}
	return true
}

// projectedRestOK reports whether adding an assignment on date keeps the
// person's longest consecutive-day run at or under the limit.
func (c *Context) projectedRestOK(personID string, date time.Time) bool {
	date = structs.DateOf(date)
	byDate := c.hoursByDate[personID]
	if byDate[date] > 0 {
		// Already working that day; a second half-day changes nothing for
		// the rest rule.
		return true
	}

	run := 1
	for d := date.AddDate(0, 0, -1); byDate[d] > 0; d = d.AddDate(0, 0, -1) {
		run++
	}
	for d := date.AddDate(0, 0, 1); byDate[d] > 0; d = d.AddDate(0, 0, 1) {
		run++
	}
	return run <= structs.MaxConsecutiveDays
}

// absent reports whether the person has an absence covering the date.
func (c *Context) absent(personID string, date time.Time) bool {
	for _, a := range c.absences[personID] {
		if a.Covers(date) {
			return true
		}
	}
	return false
}

// hasCredential reports whether the person holds a credential of the kind
// valid on the date.
func (c *Context) hasCredential(personID, kind string, date time.Time) bool {
	for _, cred := range c.credentials[personID] {
		if cred.Kind == kind && cred.ValidOn(date) {
			return true
		}
	}
	return false
}
