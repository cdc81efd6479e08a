package scheduler

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/rosterlab/rosterd/acgme"
	"github.com/rosterlab/rosterd/snapshot"
	"github.com/rosterlab/rosterd/structs"
)

// Solver generates schedules for a date range. It is safe for concurrent
// use; all per-run state lives in the run's Context.
type Solver struct {
	logger    hclog.Logger
	repo      Repository
	validator *acgme.Validator
	snapshots *snapshot.Store
}

// NewSolver constructs a solver. The snapshot store may be nil, which
// disables checkpointing.
func NewSolver(logger hclog.Logger, repo Repository, validator *acgme.Validator, snapshots *snapshot.Store) *Solver {
	return &Solver{
		logger:    logger.Named("solver"),
		repo:      repo,
		validator: validator,
		snapshots: snapshots,
	}
}

// placement is one concrete choice in the working or incumbent solution.
type placement struct {
	personID string
	blockID  string
	role     structs.AssignmentRole
}

// incumbent is the best complete solution found so far.
type incumbent struct {
	placements []placement
	uncovered  []string
	score      float64
}

// frame is one decision point in the branch-and-bound stack.
type frame struct {
	block      *structs.Block
	candidates []*RankedPerson

	// next indexes the option to try: candidates first, then the
	// leave-uncovered fallback.
	next int

	placed    string
	uncovered bool
	cost      float64
}

// Generate produces assignments for [start, end]. Timeout and cancellation
// return the best incumbent with the corresponding status; structural
// infeasibility returns the UNSAT core of the first hard constraint that
// could not be met.
func (s *Solver) Generate(ctx context.Context, start, end time.Time, opts Options) (*Result, error) {
	defer metrics.MeasureSince([]string{"solver", "generate", "duration"}, time.Now())

	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.Weights == (Weights{}) {
		opts.Weights = DefaultWeights()
	}

	sctx, err := newContext(s.logger, s.repo, start, end, opts)
	if err != nil {
		return nil, err
	}

	slots := buildSlots(sctx)
	s.logger.Info("starting solver run", "run_id", opts.RunID,
		"blocks", len(sctx.blocks), "slots", len(slots),
		"residents", len(sctx.residents), "faculty", len(sctx.faculty))

	best := s.warmStart(ctx, sctx, opts)

	run := &searchRun{
		solver:   s,
		sctx:     sctx,
		opts:     opts,
		stack:    NewStack(sctx, sctx.residents),
		facStack: NewStack(sctx, sctx.faculty),
		best:     best,
		deadline: time.Now().Add(opts.Timeout),
	}
	status := run.search(ctx, slots)

	result := s.assemble(run, status)

	if status == structs.SolveOK && !opts.Draft && result.UnsatCore == nil {
		if err := s.commit(ctx, start, end, result); err != nil {
			return result, err
		}
		if s.snapshots != nil {
			if err := s.snapshots.Delete(ctx, opts.RunID); err != nil {
				s.logger.Warn("checkpoint cleanup failed", "run_id", opts.RunID, "error", err)
			}
		}
	}
	return result, nil
}

// warmStart loads a verified checkpoint for the run and installs it as the
// starting incumbent.
func (s *Solver) warmStart(ctx context.Context, sctx *Context, opts Options) *incumbent {
	if s.snapshots == nil {
		return nil
	}
	cp, err := s.snapshots.Load(ctx, opts.RunID)
	if err != nil {
		s.logger.Warn("checkpoint load failed, starting cold", "run_id", opts.RunID, "error", err)
		return nil
	}
	if cp == nil {
		return nil
	}

	seen := make(map[string]struct{})
	inc := &incumbent{score: cp.Score}
	for _, tuple := range cp.Assignments {
		if _, ok := sctx.people[tuple.PersonID]; !ok {
			continue
		}
		if _, ok := sctx.blockByID[tuple.BlockID]; !ok {
			continue
		}
		key := tuple.PersonID + "/" + tuple.BlockID
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		role := structs.AssignPrimary
		if p := sctx.people[tuple.PersonID]; p.Role == structs.RoleFaculty {
			role = structs.AssignSupervising
		}
		inc.placements = append(inc.placements, placement{
			personID: tuple.PersonID,
			blockID:  tuple.BlockID,
			role:     role,
		})
	}
	s.logger.Info("warm start from checkpoint", "run_id", opts.RunID,
		"iteration", cp.Iteration, "score", cp.Score, "placements", len(inc.placements))
	return inc
}

// buildSlots expands each block into its primary slots, one per unit of
// template capacity.
func buildSlots(sctx *Context) []*structs.Block {
	var slots []*structs.Block
	for _, b := range sctx.blocks {
		capacity := 1
		if tmpl := sctx.template(b); tmpl != nil {
			capacity = tmpl.SlotCapacity
		}

		// Fixed primaries already consume capacity.
		taken := 0
		for _, byBlock := range sctx.fixed {
			if a, ok := byBlock[b.ID]; ok && a.Role == structs.AssignPrimary {
				taken++
			}
		}
		for i := taken; i < capacity; i++ {
			slots = append(slots, b)
		}
	}
	return slots
}

// searchRun carries the mutable state of one branch-and-bound search.
type searchRun struct {
	solver   *Solver
	sctx     *Context
	opts     Options
	stack    *Stack
	facStack *Stack

	best       *incumbent
	unsat      *structs.UnsatCore
	iterations int
	backtracks int
	deadline   time.Time
}

// search explores placements for the slots and returns the terminal
// status. The incumbent, iteration and backtrack counters live on the run.
func (r *searchRun) search(ctx context.Context, slots []*structs.Block) structs.SolveStatus {
	remaining := make([]*structs.Block, len(slots))
	copy(remaining, slots)

	// A range with no open slots still needs the supervision phase over
	// whatever assignments are preserved.
	if len(remaining) == 0 {
		r.iterations++
		r.completeLeaf(nil)
		if r.best != nil {
			return structs.SolveOK
		}
		return structs.SolveInfeasible
	}

	var frames []*frame
	frames = append(frames, r.pushFrame(&remaining))

	for len(frames) > 0 {
		r.iterations++
		iterStart := time.Now()

		if ctx.Err() != nil {
			r.checkpoint(ctx, true)
			return structs.SolveCanceled
		}
		if time.Now().After(r.deadline) {
			r.checkpoint(ctx, true)
			return structs.SolveTimeout
		}
		if r.iterations%r.opts.checkpointEvery() == 0 {
			r.checkpoint(ctx, false)
		}

		f := frames[len(frames)-1]

		// Undo this frame's previous attempt before trying the next.
		if f.placed != "" {
			r.sctx.unplace(f.placed, f.block.ID)
			f.placed = ""
		}
		f.uncovered = false

		if f.next > len(f.candidates) {
			// Exhausted: backtrack.
			frames = frames[:len(frames)-1]
			remaining = append(remaining, f.block)
			r.backtracks++
			if r.best != nil && r.backtracks > r.opts.maxBacktracks() {
				break
			}
			metrics.MeasureSince([]string{"solver", "iteration", "duration"}, iterStart)
			continue
		}

		if f.next < len(f.candidates) {
			cand := f.candidates[f.next]
			f.next++
			r.sctx.place(cand.Person.ID, f.block.ID, structs.AssignPrimary)
			f.placed = cand.Person.ID
			f.cost = cand.Penalty
		} else {
			// Last resort: leave the slot uncovered at a soft cost.
			f.next++
			f.uncovered = true
			f.cost = uncoveredCost(r.sctx.template(f.block))
		}

		// Bound: prune branches that cannot beat the incumbent.
		if r.best != nil && pathCost(frames) >= r.best.score {
			metrics.MeasureSince([]string{"solver", "iteration", "duration"}, iterStart)
			continue
		}

		if len(remaining) == 0 {
			r.completeLeaf(frames)
			metrics.MeasureSince([]string{"solver", "iteration", "duration"}, iterStart)
			continue
		}

		frames = append(frames, r.pushFrame(&remaining))
		metrics.MeasureSince([]string{"solver", "iteration", "duration"}, iterStart)
	}

	if r.best != nil {
		return structs.SolveOK
	}
	return structs.SolveInfeasible
}

// pushFrame removes the most constrained remaining slot and opens a
// decision frame for it. Ties on domain size break by a hash of the block
// ID so runs are reproducible.
func (r *searchRun) pushFrame(remaining *[]*structs.Block) *frame {
	slots := *remaining
	sizes := make(map[string]int)
	for _, b := range slots {
		if _, ok := sizes[b.ID]; !ok {
			sizes[b.ID] = r.stack.DomainSize(b)
		}
	}

	bestIdx := 0
	for i := 1; i < len(slots); i++ {
		si, sb := sizes[slots[i].ID], sizes[slots[bestIdx].ID]
		if si < sb || (si == sb && blockTieHash(slots[i].ID) < blockTieHash(slots[bestIdx].ID)) {
			bestIdx = i
		}
	}

	block := slots[bestIdx]
	slots[bestIdx] = slots[len(slots)-1]
	*remaining = slots[:len(slots)-1]

	return &frame{
		block:      block,
		candidates: r.stack.Candidates(block),
	}
}

// completeLeaf runs the supervision phase on a full primary solution and
// records it as the incumbent when it scores better.
func (r *searchRun) completeLeaf(frames []*frame) {
	facPlaced, core := r.assignFaculty()
	if core != nil {
		r.unsat = core
		r.backtracks++
		return
	}

	var uncCost float64
	var uncovered []string
	for _, f := range frames {
		if f.uncovered {
			uncCost += f.cost
			uncovered = append(uncovered, f.block.ID)
		}
	}

	score := r.sctx.objective(uncCost)
	if r.best == nil || score < r.best.score {
		r.best = r.snapshotIncumbent(score, uncovered)
		r.solver.logger.Debug("new incumbent", "score", score,
			"iterations", r.iterations, "uncovered", len(uncovered))
	}

	// Take the supervision placements back out so the search can continue
	// exploring resident branches.
	for _, fp := range facPlaced {
		r.sctx.unplace(fp.personID, fp.blockID)
	}
	r.backtracks++
}

// assignFaculty greedily fills supervision slots for every block carrying
// residents. Failure to meet a block's ratio is a hard infeasibility.
func (r *searchRun) assignFaculty() ([]placement, *structs.UnsatCore) {
	type resCounts struct{ pgy1, other, faculty int }
	byBlock := make(map[string]*resCounts)

	tally := func(personID, blockID string) {
		p, ok := r.sctx.people[personID]
		if !ok {
			return
		}
		c := byBlock[blockID]
		if c == nil {
			c = &resCounts{}
			byBlock[blockID] = c
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
	for personID, byBlockID := range r.sctx.placed {
		for blockID := range byBlockID {
			tally(personID, blockID)
		}
	}
	for personID, byBlockID := range r.sctx.fixed {
		for blockID := range byBlockID {
			tally(personID, blockID)
		}
	}

	blockIDs := make([]string, 0, len(byBlock))
	for blockID := range byBlock {
		blockIDs = append(blockIDs, blockID)
	}
	sort.Strings(blockIDs)

	var placed []placement
	undo := func() {
		for _, fp := range placed {
			r.sctx.unplace(fp.personID, fp.blockID)
		}
	}

	for _, blockID := range blockIDs {
		c := byBlock[blockID]
		need := structs.SupervisionRequired(c.pgy1, c.other) - c.faculty
		block := r.sctx.blockByID[blockID]
		for i := 0; i < need; i++ {
			cands := r.facStack.Candidates(block)
			if len(cands) == 0 {
				undo()
				return nil, &structs.UnsatCore{
					Constraint: structs.ConstraintSupervision,
					BlockID:    blockID,
					Detail: fmt.Sprintf("no eligible faculty for %d PGY-1 and %d senior residents",
						c.pgy1, c.other),
				}
			}
			pick := cands[0]
			r.sctx.place(pick.Person.ID, blockID, structs.AssignSupervising)
			placed = append(placed, placement{
				personID: pick.Person.ID,
				blockID:  blockID,
				role:     structs.AssignSupervising,
			})
		}
	}
	return placed, nil
}

// snapshotIncumbent captures the working solution, including supervision
// placements currently applied.
func (r *searchRun) snapshotIncumbent(score float64, uncovered []string) *incumbent {
	inc := &incumbent{score: score, uncovered: uncovered}
	for personID, byBlock := range r.sctx.placed {
		for blockID, role := range byBlock {
			inc.placements = append(inc.placements, placement{
				personID: personID,
				blockID:  blockID,
				role:     role,
			})
		}
	}
	sort.Slice(inc.placements, func(i, j int) bool {
		if inc.placements[i].blockID != inc.placements[j].blockID {
			return inc.placements[i].blockID < inc.placements[j].blockID
		}
		return inc.placements[i].personID < inc.placements[j].personID
	})
	return inc
}

// checkpoint saves the incumbent, or on final saves even without one so a
// canceled cold run still records its iteration count.
func (r *searchRun) checkpoint(ctx context.Context, final bool) {
	if r.solver.snapshots == nil {
		return
	}
	cp := &structs.SolverCheckpoint{
		RunID:     r.opts.RunID,
		Iteration: r.iterations,
	}
	switch {
	case r.best != nil:
		cp.Score = r.best.score
		for _, pl := range r.best.placements {
			cp.Assignments = append(cp.Assignments, structs.AssignmentTuple{
				PersonID: pl.personID,
				BlockID:  pl.blockID,
			})
		}
	case !final:
		return
	}
	if _, err := r.solver.snapshots.Save(ctx, cp); err != nil {
		r.solver.logger.Warn("checkpoint save failed", "run_id", r.opts.RunID, "error", err)
	}
}

// assemble converts the run outcome into a Result.
func (s *Solver) assemble(run *searchRun, status structs.SolveStatus) *Result {
	result := &Result{
		Status:     status,
		Iterations: run.iterations,
	}

	if status == structs.SolveInfeasible {
		result.UnsatCore = run.unsat
		if result.UnsatCore == nil {
			result.UnsatCore = &structs.UnsatCore{
				Constraint: structs.ConstraintAvailability,
				Detail:     "no feasible complete solution found",
			}
		}
		return result
	}
	if run.best == nil {
		return result
	}

	result.Score = run.best.score
	now := time.Now().UTC()
	for _, pl := range run.best.placements {
		templateID := ""
		if b, ok := run.sctx.blockByID[pl.blockID]; ok {
			templateID = b.TemplateID
		}
		result.Assignments = append(result.Assignments, &structs.Assignment{
			ID:         uuid.NewString(),
			PersonID:   pl.personID,
			BlockID:    pl.blockID,
			TemplateID: templateID,
			Role:       pl.role,
			CreateTime: now,
		})
	}
	for _, blockID := range run.best.uncovered {
		result.Violations = append(result.Violations, &structs.SoftViolation{
			Kind:    structs.SoftUncoveredBlock,
			BlockID: blockID,
			Cost:    uncoveredCost(run.sctx.template(run.sctx.blockByID[blockID])),
		})
	}
	return result
}

// commit validates the plan once more against the full persisted context
// and writes it in a single repository transaction. A critical violation
// refuses the commit; nothing partial is ever written.
func (s *Solver) commit(ctx context.Context, start, end time.Time, result *Result) error {
	existing, err := s.repo.AssignmentsInRange(start, end, "")
	if err != nil {
		return fmt.Errorf("pre-commit assignment load failed: %w", err)
	}
	candidate := append(append([]*structs.Assignment{}, existing...), result.Assignments...)

	vr, err := s.validator.Validate(ctx, start, end, candidate)
	if err != nil {
		return fmt.Errorf("pre-commit validation failed: %w", err)
	}
	if !vr.Valid {
		return fmt.Errorf("refusing to commit: %d critical violations", len(vr.Violations))
	}

	if err := s.repo.SaveAssignments(result.Assignments...); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	result.Committed = true
	metrics.IncrCounter([]string{"solver", "commit"}, 1)
	return nil
}

func pathCost(frames []*frame) float64 {
	var sum float64
	for _, f := range frames {
		if f.placed != "" || f.uncovered {
			sum += f.cost
		}
	}
	return sum
}

func blockTieHash(blockID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(blockID))
	return h.Sum64()
}
