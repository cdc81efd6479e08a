package scheduler

import (
	"github.com/rosterlab/rosterd/structs"
)

// Stack chains the feasibility iterators and rank iterators used to select
// a person for one slot. The first half of the stack prunes infeasible
// candidates; the second half scores the survivors.
type Stack struct {
	ctx *Context

	source       *SourceIterator
	availability *AvailabilityIterator
	credential   *CredentialIterator
	dutyHour     *DutyHourIterator
	restDay      *RestDayIterator

	rankSource *FeasibleRankIterator
	workload   *WorkloadRankIterator
	backToBack *BackToBackRankIterator
	callSpread *CallSpreadRankIterator
}

// NewStack builds the selection stack over a candidate pool. Cheap filters
// run before expensive projections, mirroring the cost ordering of the
// checks.
func NewStack(ctx *Context, pool []*structs.Person) *Stack {
	s := &Stack{ctx: ctx}

	s.source = NewSourceIterator(pool)
	s.availability = NewAvailabilityIterator(ctx, s.source)
	s.credential = NewCredentialIterator(ctx, s.availability)
	s.dutyHour = NewDutyHourIterator(ctx, s.credential)
	s.restDay = NewRestDayIterator(ctx, s.dutyHour)

	s.rankSource = NewFeasibleRankIterator(s.restDay)
	s.workload = NewWorkloadRankIterator(ctx, s.rankSource)
	s.backToBack = NewBackToBackRankIterator(ctx, s.workload)
	s.callSpread = NewCallSpreadRankIterator(ctx, s.backToBack)

	return s
}

// SetBlock retargets every iterator in the stack at the block.
func (s *Stack) SetBlock(block *structs.Block) {
	s.source.SetBlock(block)
	s.availability.SetBlock(block)
	s.credential.SetBlock(block)
	s.dutyHour.SetBlock(block)
	s.restDay.SetBlock(block)
	s.backToBack.SetBlock(block)
	s.callSpread.SetBlock(block)
}

// Candidates returns every feasible candidate for the block in rank order.
func (s *Stack) Candidates(block *structs.Block) []*RankedPerson {
	s.SetBlock(block)
	s.callSpread.Reset()
	return selectAll(s.ctx, s.callSpread)
}

// DomainSize returns the number of feasible candidates for the block
// without ranking them, for variable-ordering decisions.
func (s *Stack) DomainSize(block *structs.Block) int {
	s.SetBlock(block)
	s.restDay.Reset()
	n := 0
	for p := s.restDay.Next(); p != nil; p = s.restDay.Next() {
		n++
	}
	return n
}
