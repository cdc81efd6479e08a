package scheduler

import (
	"sort"

	"github.com/rosterlab/rosterd/structs"
)

// RankedPerson is a feasible candidate with an accumulated soft penalty.
// Lower penalty ranks first.
type RankedPerson struct {
	Person  *structs.Person
	Penalty float64
}

// RankIterator yields ranked candidates for the current slot.
type RankIterator interface {
	Next() *RankedPerson
	Reset()
}

// FeasibleRankIterator upgrades a feasibility chain into the ranking half
// of the stack with zero initial penalty.
type FeasibleRankIterator struct {
	source FeasibleIterator
}

func NewFeasibleRankIterator(source FeasibleIterator) *FeasibleRankIterator {
	return &FeasibleRankIterator{source: source}
}

func (it *FeasibleRankIterator) Next() *RankedPerson {
	p := it.source.Next()
	if p == nil {
		return nil
	}
	return &RankedPerson{Person: p}
}

func (it *FeasibleRankIterator) Reset() {
	it.source.Reset()
}

// WorkloadRankIterator penalizes candidates in proportion to their
// cumulative duty hours in the range, steering work toward the least
// loaded people.
type WorkloadRankIterator struct {
	ctx        *Context
	source     RankIterator
	rangeHours float64
}

func NewWorkloadRankIterator(ctx *Context, source RankIterator) *WorkloadRankIterator {
	days := ctx.end.Sub(ctx.start).Hours()/24 + 1
	return &WorkloadRankIterator{
		ctx:        ctx,
		source:     source,
		rangeHours: days * 2 * structs.HalfDayHours,
	}
}

func (it *WorkloadRankIterator) Next() *RankedPerson {
	r := it.source.Next()
	if r == nil {
		return nil
	}
	if it.rangeHours > 0 {
		r.Penalty += it.ctx.weights.Imbalance * it.ctx.cumulativeHours(r.Person.ID) / it.rangeHours
	}
	return r
}

func (it *WorkloadRankIterator) Reset() {
	it.source.Reset()
}

// BackToBackRankIterator penalizes placements adjacent to the candidate's
// existing half-days: the other half of the same date and the neighboring
// dates.
type BackToBackRankIterator struct {
	ctx    *Context
	source RankIterator
	block  *structs.Block
}

func NewBackToBackRankIterator(ctx *Context, source RankIterator) *BackToBackRankIterator {
	return &BackToBackRankIterator{ctx: ctx, source: source}
}

func (it *BackToBackRankIterator) SetBlock(block *structs.Block) {
	it.block = block
}

func (it *BackToBackRankIterator) Next() *RankedPerson {
	r := it.source.Next()
	if r == nil {
		return nil
	}
	date := structs.DateOf(it.block.Date)
	adjacent := 0
	if it.ctx.halfDaysOn(r.Person.ID, date) > 0 {
		adjacent++
	}
	if it.ctx.halfDaysOn(r.Person.ID, date.AddDate(0, 0, -1)) > 0 {
		adjacent++
	}
	if it.ctx.halfDaysOn(r.Person.ID, date.AddDate(0, 0, 1)) > 0 {
		adjacent++
	}
	r.Penalty += it.ctx.weights.BackToBack * float64(adjacent) / 3
	return r
}

func (it *BackToBackRankIterator) Reset() {
	it.source.Reset()
}

// CallSpreadRankIterator penalizes call placements for people who already
// carry more call blocks than the pool average.
type CallSpreadRankIterator struct {
	ctx       *Context
	source    RankIterator
	isCall    bool
	callLoad  map[string]int
	poolMean  float64
	poolCount int
}

func NewCallSpreadRankIterator(ctx *Context, source RankIterator) *CallSpreadRankIterator {
	return &CallSpreadRankIterator{ctx: ctx, source: source, callLoad: make(map[string]int)}
}

// SetBlock recomputes the call-load snapshot for the slot.
func (it *CallSpreadRankIterator) SetBlock(block *structs.Block) {
	tmpl := it.ctx.template(block)
	it.isCall = tmpl != nil && tmpl.Kind == "call"
	if !it.isCall {
		return
	}

	clear(it.callLoad)
	total := 0
	for personID, byBlock := range it.ctx.placed {
		for blockID := range byBlock {
			if b, ok := it.ctx.blockByID[blockID]; ok {
				if t := it.ctx.template(b); t != nil && t.Kind == "call" {
					it.callLoad[personID]++
					total++
				}
			}
		}
	}
	it.poolCount = len(it.ctx.residents)
	if it.poolCount > 0 {
		it.poolMean = float64(total) / float64(it.poolCount)
	}
}

func (it *CallSpreadRankIterator) Next() *RankedPerson {
	r := it.source.Next()
	if r == nil {
		return nil
	}
	if it.isCall {
		excess := float64(it.callLoad[r.Person.ID]) - it.poolMean
		if excess > 0 {
			r.Penalty += it.ctx.weights.CallSpread * excess / float64(it.poolCount)
		}
	}
	return r
}

func (it *CallSpreadRankIterator) Reset() {
	it.source.Reset()
}

// selectAll drains the ranking chain and returns candidates ordered by
// penalty, breaking ties by lower cumulative hours and then person ID so
// value ordering is deterministic.
func selectAll(ctx *Context, it RankIterator) []*RankedPerson {
	var out []*RankedPerson
	for r := it.Next(); r != nil; r = it.Next() {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Penalty != out[j].Penalty {
			return out[i].Penalty < out[j].Penalty
		}
		hi := ctx.cumulativeHours(out[i].Person.ID)
		hj := ctx.cumulativeHours(out[j].Person.ID)
		if hi != hj {
			return hi < hj
		}
		return out[i].Person.ID < out[j].Person.ID
	})
	return out
}
