package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/posener/complete"

	"github.com/rosterlab/rosterd/acgme"
	"github.com/rosterlab/rosterd/scheduler"
	"github.com/rosterlab/rosterd/snapshot"
	"github.com/rosterlab/rosterd/structs"
)

// blockDays is the length of one rotation block.
const blockDays = 28

type BlockRegenerateCommand struct {
	Meta
}

func (c *BlockRegenerateCommand) Help() string {
	helpText := `
Usage: rosterd block-regenerate [options]

  Regenerate the schedule for one rotation block of an academic year.
  The academic year starts July 1; blocks are 28 days long, numbered
  from 1.

General Options:
` + generalOptionsUsage() + `

Block Regenerate Options:

  -block=<n>
    Block number within the academic year, starting at 1. Required.

  -year=<yyyy>
    Academic year by its starting calendar year. Required.

  -clear
    Delete the block's existing assignments first instead of solving
    around them.

  -timeout=<seconds>
    Solver time budget. Defaults to 30.

  -draft
    Print the plan without committing it.
`
	return strings.TrimSpace(helpText)
}

func (c *BlockRegenerateCommand) Synopsis() string {
	return "Regenerate the schedule for one rotation block"
}

func (c *BlockRegenerateCommand) AutocompleteFlags() complete.Flags {
	flags := c.Meta.AutocompleteFlags()
	flags["-block"] = complete.PredictAnything
	flags["-year"] = complete.PredictAnything
	flags["-clear"] = complete.PredictNothing
	flags["-timeout"] = complete.PredictAnything
	flags["-draft"] = complete.PredictNothing
	return flags
}

func (c *BlockRegenerateCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *BlockRegenerateCommand) Run(args []string) int {
	var block, year, timeoutSecs int
	var clear, draft bool

	flags := c.Meta.FlagSet("block-regenerate")
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.IntVar(&block, "block", 0, "")
	flags.IntVar(&year, "year", 0, "")
	flags.BoolVar(&clear, "clear", false, "")
	flags.IntVar(&timeoutSecs, "timeout", 30, "")
	flags.BoolVar(&draft, "draft", false, "")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if block < 1 || block > 13 {
		c.Ui.Error("A -block between 1 and 13 is required")
		return 1
	}
	if year < 2000 {
		c.Ui.Error("A -year is required")
		return 1
	}

	start, end := blockRange(year, block)

	logger := c.Logger("rosterd")
	store, err := c.StateStore(logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing state store: %s", err))
		return 1
	}

	if clear {
		existing, err := store.AssignmentsInRange(start, end, "")
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error reading existing assignments: %s", err))
			return 1
		}
		ids := make([]string, len(existing))
		for i, a := range existing {
			ids[i] = a.ID
		}
		if len(ids) > 0 {
			if err := store.DeleteAssignments(ids...); err != nil {
				c.Ui.Error(fmt.Sprintf("Error clearing assignments: %s", err))
				return 1
			}
			c.Ui.Output(fmt.Sprintf("Cleared %d existing assignments", len(ids)))
		}
	}

	validator := acgme.NewValidator(logger, store)
	snapshots := snapshot.NewStore(logger, c.KV(), nil)
	solver := scheduler.NewSolver(logger, store, validator, snapshots)

	opts := scheduler.Options{
		RunID:            fmt.Sprintf("block-%d-%d", block, year),
		Timeout:          time.Duration(timeoutSecs) * time.Second,
		PreserveExisting: !clear,
		Draft:            draft,
	}

	result, err := solver.Generate(context.Background(), start, end, opts)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error generating schedule: %s", err))
		return 1
	}

	c.Ui.Output(fmt.Sprintf("Status:      %s", result.Status))
	c.Ui.Output(fmt.Sprintf("Range:       %s to %s",
		start.Format("2006-01-02"), end.Format("2006-01-02")))
	c.Ui.Output(fmt.Sprintf("Assignments: %d", len(result.Assignments)))
	c.Ui.Output(fmt.Sprintf("Score:       %.4f", result.Score))
	c.Ui.Output(fmt.Sprintf("Iterations:  %d", result.Iterations))
	c.Ui.Output(fmt.Sprintf("Committed:   %t", result.Committed))

	for _, v := range result.Violations {
		c.Ui.Warn(fmt.Sprintf("soft violation: %s block=%s cost=%.2f", v.Kind, v.BlockID, v.Cost))
	}
	if result.UnsatCore != nil {
		c.Ui.Error(fmt.Sprintf("unsatisfiable: %s (%s)", result.UnsatCore.Constraint, result.UnsatCore.Detail))
		return 2
	}
	if result.Status != structs.SolveOK {
		return 2
	}
	return 0
}

// blockRange returns the inclusive date span of a numbered block in the
// academic year starting July 1.
func blockRange(year, block int) (time.Time, time.Time) {
	yearStart := time.Date(year, time.July, 1, 0, 0, 0, 0, time.UTC)
	start := yearStart.AddDate(0, 0, (block-1)*blockDays)
	end := start.AddDate(0, 0, blockDays-1)
	return start, end
}
