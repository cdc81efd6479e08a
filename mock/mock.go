// Package mock provides canned domain entities for tests.
package mock

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rosterlab/rosterd/structs"
)

// Resident returns a resident at the given PGY level.
func Resident(pgy int) *structs.Person {
	id := uuid.NewString()
	return &structs.Person{
		ID:       id,
		Name:     "resident-" + id[:8],
		Role:     structs.RoleResident,
		PGYLevel: pgy,
	}
}

// Faculty returns a faculty member.
func Faculty() *structs.Person {
	id := uuid.NewString()
	return &structs.Person{
		ID:   id,
		Name: "faculty-" + id[:8],
		Role: structs.RoleFaculty,
	}
}

// Template returns a clinic rotation template with capacity 1.
func Template() *structs.RotationTemplate {
	return &structs.RotationTemplate{
		ID:           "tmpl-clinic",
		Name:         "clinic",
		Kind:         "clinic",
		SlotCapacity: 1,
		Priority:     5,
	}
}

// Block returns a block on the given date and half-day under the standard
// clinic template.
func Block(date time.Time, half structs.HalfDay) *structs.Block {
	d := structs.DateOf(date)
	return &structs.Block{
		ID:         fmt.Sprintf("blk-%s-%s", d.Format("20060102"), half),
		Date:       d,
		Half:       half,
		Weekend:    d.Weekday() == time.Saturday || d.Weekday() == time.Sunday,
		TemplateID: Template().ID,
	}
}

// BlockWeek returns AM and PM blocks for n consecutive days starting at
// start, 2n blocks in total.
func BlockWeek(start time.Time, days int) []*structs.Block {
	var out []*structs.Block
	for i := 0; i < days; i++ {
		d := structs.DateOf(start).AddDate(0, 0, i)
		out = append(out, Block(d, structs.HalfDayAM), Block(d, structs.HalfDayPM))
	}
	return out
}

// Assignment returns a primary assignment of person to block.
func Assignment(person *structs.Person, block *structs.Block) *structs.Assignment {
	role := structs.AssignPrimary
	if person.Role == structs.RoleFaculty {
		role = structs.AssignSupervising
	}
	return &structs.Assignment{
		ID:         uuid.NewString(),
		PersonID:   person.ID,
		BlockID:    block.ID,
		TemplateID: block.TemplateID,
		Role:       role,
	}
}

// Instance returns a healthy service instance.
func Instance(service string, port int) *structs.ServiceInstance {
	return &structs.ServiceInstance{
		ID:      uuid.NewString(),
		Service: service,
		Host:    "127.0.0.1",
		Port:    port,
		Weight:  1,
		Healthy: true,
	}
}

// Job returns an enabled interval job firing every minute.
func Job(name string) *structs.ScheduledJob {
	return &structs.ScheduledJob{
		ID:      uuid.NewString(),
		Name:    name,
		Func:    "noop",
		Enabled: true,
		Trigger: structs.TriggerSpec{
			Kind:            structs.TriggerInterval,
			IntervalSeconds: 60,
		},
	}
}
