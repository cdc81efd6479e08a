// Package structs holds the domain types shared by the scheduling core:
// people, blocks, assignments, and the supporting entities the solver,
// validator and conflict engine operate on.
package structs

import (
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

const (
	// HalfDayHours is the duty-hour contribution of a single half-day
	// assignment. All ACGME arithmetic is in units of this constant.
	HalfDayHours = 6.0

	// MaxWeeklyHours is the ACGME cap on averaged weekly duty hours over
	// any rolling four-week window.
	MaxWeeklyHours = 80.0

	// MaxConsecutiveDays is the longest run of calendar days with at least
	// one assignment a resident may work before the 1-in-7 rule trips.
	MaxConsecutiveDays = 6
)

// PersonRole describes how a person participates in the schedule.
type PersonRole string

const (
	RoleResident      PersonRole = "resident"
	RoleFaculty       PersonRole = "faculty"
	RoleClinicalStaff PersonRole = "clinical-staff"
)

// AssignmentRole describes the capacity in which a person fills a block.
type AssignmentRole string

const (
	AssignPrimary     AssignmentRole = "primary"
	AssignBackup      AssignmentRole = "backup"
	AssignSupervising AssignmentRole = "supervising"
)

// HalfDay identifies which half of a calendar date a block covers.
type HalfDay string

const (
	HalfDayAM HalfDay = "AM"
	HalfDayPM HalfDay = "PM"
)

// Person is a schedulable member of the program. Identity is immutable;
// role and PGY level may be changed by admin flows.
type Person struct {
	ID   string
	Name string
	Role PersonRole

	// PGYLevel is the post-graduate year for residents, zero otherwise.
	PGYLevel int

	CreateTime time.Time
	ModifyTime time.Time
}

// IsResident is true for people whose duty hours the ACGME rules bound.
func (p *Person) IsResident() bool {
	return p.Role == RoleResident
}

// Copy returns a deep copy of the person.
func (p *Person) Copy() *Person {
	if p == nil {
		return nil
	}
	np := *p
	return &np
}

// Validate checks the person for structural problems.
func (p *Person) Validate() error {
	var mErr multierror.Error
	if p.ID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing person ID"))
	}
	if p.Name == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing person name"))
	}
	switch p.Role {
	case RoleResident:
		if p.PGYLevel < 1 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("resident %q requires a PGY level >= 1", p.Name))
		}
	case RoleFaculty, RoleClinicalStaff:
		if p.PGYLevel != 0 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("non-resident %q must not carry a PGY level", p.Name))
		}
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid role %q", p.Role))
	}
	return mErr.ErrorOrNil()
}

// Block is a single half-day scheduling slot. Blocks are unique by
// (date, half-day); Key returns that canonical identity.
type Block struct {
	ID         string
	Date       time.Time
	Half       HalfDay
	Weekend    bool
	Holiday    bool
	TemplateID string
}

// Key returns the canonical (date, half-day) identity of the block.
func (b *Block) Key() string {
	return b.Date.Format("2006-01-02") + "/" + string(b.Half)
}

// Validate checks the block for structural problems.
func (b *Block) Validate() error {
	var mErr multierror.Error
	if b.ID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing block ID"))
	}
	if b.Date.IsZero() {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing block date"))
	}
	if b.Half != HalfDayAM && b.Half != HalfDayPM {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid half-day %q", b.Half))
	}
	if b.TemplateID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing rotation template"))
	}
	return mErr.ErrorOrNil()
}

// Assignment places one person into one block under a rotation template.
// Assignments are owned by the schedule; they own nothing themselves.
type Assignment struct {
	ID         string
	PersonID   string
	BlockID    string
	TemplateID string
	Role       AssignmentRole

	CreateTime time.Time
}

// Copy returns a shallow copy; Assignment has no reference fields.
func (a *Assignment) Copy() *Assignment {
	if a == nil {
		return nil
	}
	na := *a
	return &na
}

// Validate checks the assignment for structural problems.
func (a *Assignment) Validate() error {
	var mErr multierror.Error
	if a.ID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing assignment ID"))
	}
	if a.PersonID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing person reference"))
	}
	if a.BlockID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing block reference"))
	}
	switch a.Role {
	case AssignPrimary, AssignBackup, AssignSupervising:
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid assignment role %q", a.Role))
	}
	return mErr.ErrorOrNil()
}

// SlotRequirement is a credential a rotation template demands of the people
// filling it. Hard requirements prune solver domains; soft ones only score.
type SlotRequirement struct {
	CredentialKind string
	Hard           bool
}

// RotationTemplate describes the work that fills a block and the staffing
// it requires.
type RotationTemplate struct {
	ID   string
	Name string

	// Kind is a short label such as "clinic", "call" or "inpatient".
	Kind string

	// SlotCapacity bounds how many primary assignments a block under this
	// template accepts.
	SlotCapacity int

	// Priority scales the cost of leaving a slot uncovered.
	Priority int

	Requirements []SlotRequirement
}

// Validate checks the template for structural problems.
func (r *RotationTemplate) Validate() error {
	var mErr multierror.Error
	if r.ID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing template ID"))
	}
	if r.Name == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing template name"))
	}
	if r.SlotCapacity < 1 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("template %q requires a slot capacity >= 1", r.Name))
	}
	if r.Priority < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("template %q has a negative priority", r.Name))
	}
	return mErr.ErrorOrNil()
}

// Absence marks a period during which a person is unavailable. The range is
// inclusive on both ends and overrides the solver unconditionally.
type Absence struct {
	ID       string
	PersonID string
	Start    time.Time
	End      time.Time
	Reason   string
}

// Covers reports whether the absence includes the given date.
func (a *Absence) Covers(date time.Time) bool {
	d := DateOf(date)
	return !d.Before(DateOf(a.Start)) && !d.After(DateOf(a.End))
}

// Validate checks the absence for structural problems.
func (a *Absence) Validate() error {
	var mErr multierror.Error
	if a.PersonID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing person reference"))
	}
	if a.End.Before(a.Start) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("absence ends before it starts"))
	}
	return mErr.ErrorOrNil()
}

// Credential is a qualification held by a person. A nil expiration means
// the credential never lapses.
type Credential struct {
	PersonID       string
	Kind           string
	IssueDate      time.Time
	ExpirationDate *time.Time
}

// ValidOn reports whether the credential is in force on the given date.
func (c *Credential) ValidOn(date time.Time) bool {
	d := DateOf(date)
	if d.Before(DateOf(c.IssueDate)) {
		return false
	}
	if c.ExpirationDate == nil {
		return true
	}
	return !d.After(DateOf(*c.ExpirationDate))
}

// DateOf truncates a time to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SupervisionRequired returns the minimum number of faculty assignments a
// block must carry given its resident mix: one faculty per two PGY-1s plus
// one per four senior residents, never fewer than one when any resident is
// present.
func SupervisionRequired(pgy1, otherPGY int) int {
	if pgy1+otherPGY == 0 {
		return 0
	}
	need := (pgy1+1)/2 + (otherPGY+3)/4
	if need < 1 {
		need = 1
	}
	return need
}
