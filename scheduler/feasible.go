package scheduler

import (
	"hash/fnv"
	"sort"

	"github.com/rosterlab/rosterd/structs"
)

// FeasibleIterator yields people who can legally fill the current slot.
// Iterators chain: each wraps a source and filters it, so the full hard
// constraint set is the composition of the stack.
type FeasibleIterator interface {
	// Next returns the next feasible person or nil when exhausted.
	Next() *structs.Person

	// Reset rewinds the iterator for a new selection pass.
	Reset()
}

// SourceIterator feeds the candidate pool in a deterministic per-block
// order: people are sorted by a hash of (block ID, person ID), which keeps
// runs reproducible while avoiding the same person always being visited
// first.
type SourceIterator struct {
	people []*structs.Person
	order  []*structs.Person
	idx    int
}

// NewSourceIterator builds a source over the candidate pool.
func NewSourceIterator(people []*structs.Person) *SourceIterator {
	return &SourceIterator{people: people}
}

// SetBlock re-seeds the visit order for the block.
func (it *SourceIterator) SetBlock(block *structs.Block) {
	it.order = make([]*structs.Person, len(it.people))
	copy(it.order, it.people)
	sort.Slice(it.order, func(i, j int) bool {
		hi := orderHash(block.ID, it.order[i].ID)
		hj := orderHash(block.ID, it.order[j].ID)
		if hi != hj {
			return hi < hj
		}
		return it.order[i].ID < it.order[j].ID
	})
	it.idx = 0
}

func (it *SourceIterator) Next() *structs.Person {
	if it.idx >= len(it.order) {
		return nil
	}
	p := it.order[it.idx]
	it.idx++
	return p
}

func (it *SourceIterator) Reset() {
	it.idx = 0
}

func orderHash(blockID, personID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(blockID))
	h.Write([]byte{0})
	h.Write([]byte(personID))
	return h.Sum64()
}

// AvailabilityIterator filters out people with an absence covering the
// block date or an assignment already on the block.
type AvailabilityIterator struct {
	ctx    *Context
	source FeasibleIterator
	block  *structs.Block
}

func NewAvailabilityIterator(ctx *Context, source FeasibleIterator) *AvailabilityIterator {
	return &AvailabilityIterator{ctx: ctx, source: source}
}

func (it *AvailabilityIterator) SetBlock(block *structs.Block) {
	it.block = block
}

func (it *AvailabilityIterator) Next() *structs.Person {
	for {
		p := it.source.Next()
		if p == nil {
			return nil
		}
		if it.ctx.absent(p.ID, it.block.Date) {
			continue
		}
		if it.ctx.assignedTo(p.ID, it.block.ID) {
			continue
		}
		return p
	}
}

func (it *AvailabilityIterator) Reset() {
	it.source.Reset()
}

// CredentialIterator filters out people missing a hard credential
// requirement of the block's template.
type CredentialIterator struct {
	ctx    *Context
	source FeasibleIterator
	block  *structs.Block
	reqs   []structs.SlotRequirement
}

func NewCredentialIterator(ctx *Context, source FeasibleIterator) *CredentialIterator {
	return &CredentialIterator{ctx: ctx, source: source}
}

func (it *CredentialIterator) SetBlock(block *structs.Block) {
	it.block = block
	it.reqs = nil
	if tmpl := it.ctx.template(block); tmpl != nil {
		it.reqs = tmpl.Requirements
	}
}

func (it *CredentialIterator) Next() *structs.Person {
OUTER:
	for {
		p := it.source.Next()
		if p == nil {
			return nil
		}
		for _, req := range it.reqs {
			if !req.Hard {
				continue
			}
			if !it.ctx.hasCredential(p.ID, req.CredentialKind, it.block.Date) {
				continue OUTER
			}
		}
		return p
	}
}

func (it *CredentialIterator) Reset() {
	it.source.Reset()
}

// DutyHourIterator filters residents whose projected rolling 28-day window
// would exceed the 80-hour average, and enforces the PGY-1 cap of one
// half-day per date.
type DutyHourIterator struct {
	ctx    *Context
	source FeasibleIterator
	block  *structs.Block
}

func NewDutyHourIterator(ctx *Context, source FeasibleIterator) *DutyHourIterator {
	return &DutyHourIterator{ctx: ctx, source: source}
}

func (it *DutyHourIterator) SetBlock(block *structs.Block) {
	it.block = block
}

func (it *DutyHourIterator) Next() *structs.Person {
	for {
		p := it.source.Next()
		if p == nil {
			return nil
		}
		if !p.IsResident() {
			return p
		}
		if p.PGYLevel == 1 && it.ctx.halfDaysOn(p.ID, it.block.Date) >= 1 {
			continue
		}
		if !it.ctx.projectedWindowOK(p.ID, it.block.Date) {
			continue
		}
		return p
	}
}

func (it *DutyHourIterator) Reset() {
	it.source.Reset()
}

// RestDayIterator filters residents for whom the placement would create a
// run of more than six consecutive assigned days.
type RestDayIterator struct {
	ctx    *Context
	source FeasibleIterator
	block  *structs.Block
}

func NewRestDayIterator(ctx *Context, source FeasibleIterator) *RestDayIterator {
	return &RestDayIterator{ctx: ctx, source: source}
}

func (it *RestDayIterator) SetBlock(block *structs.Block) {
	it.block = block
}

func (it *RestDayIterator) Next() *structs.Person {
	for {
		p := it.source.Next()
		if p == nil {
			return nil
		}
		if p.IsResident() && !it.ctx.projectedRestOK(p.ID, it.block.Date) {
			continue
		}
		return p
	}
}

func (it *RestDayIterator) Reset() {
	it.source.Reset()
}
