package command

import (
	"fmt"
	"strings"

	"github.com/hashicorp/cli"
	"github.com/posener/complete"

	"github.com/rosterlab/rosterd/jobs"
)

type JobCommand struct {
	Meta
}

func (c *JobCommand) Help() string {
	helpText := `
Usage: rosterd job <subcommand> [options] [args]

  Interact with scheduled background jobs. Subcommands list the job
  definitions and pause or resume individual jobs.
`
	return strings.TrimSpace(helpText)
}

func (c *JobCommand) Synopsis() string {
	return "Interact with scheduled background jobs"
}

func (c *JobCommand) Run(args []string) int {
	return cli.RunResultHelp
}

type JobListCommand struct {
	Meta
}

func (c *JobListCommand) Help() string {
	helpText := `
Usage: rosterd job list [options]

  List every scheduled job definition with its trigger state.

General Options:
` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *JobListCommand) Synopsis() string {
	return "List scheduled job definitions"
}

func (c *JobListCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags()
}

func (c *JobListCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *JobListCommand) Run(args []string) int {
	flags := c.Meta.FlagSet("job list")
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	if err := flags.Parse(args); err != nil {
		return 1
	}

	sched, code := c.scheduler()
	if code != 0 {
		return code
	}

	list, err := sched.ListJobs()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error listing jobs: %s", err))
		return 1
	}
	if len(list) == 0 {
		c.Ui.Output("No jobs found")
		return 0
	}

	c.Ui.Output(fmt.Sprintf("%-36s %-24s %-8s %-8s %s",
		"ID", "Name", "Kind", "Enabled", "Next Run"))
	for _, job := range list {
		next := "-"
		if !job.NextRun.IsZero() {
			next = job.NextRun.Format("2006-01-02 15:04:05 MST")
		}
		c.Ui.Output(fmt.Sprintf("%-36s %-24s %-8s %-8t %s",
			job.ID, job.Name, job.Trigger.Kind, job.Enabled, next))
	}
	return 0
}

type JobPauseCommand struct {
	Meta
}

func (c *JobPauseCommand) Help() string {
	helpText := `
Usage: rosterd job pause [options] <job-id>

  Disable a scheduled job without removing its definition.

General Options:
` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *JobPauseCommand) Synopsis() string {
	return "Disable a scheduled job"
}

func (c *JobPauseCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags()
}

func (c *JobPauseCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictAnything
}

func (c *JobPauseCommand) Run(args []string) int {
	return c.setEnabled("job pause", args, false)
}

type JobResumeCommand struct {
	Meta
}

func (c *JobResumeCommand) Help() string {
	helpText := `
Usage: rosterd job resume [options] <job-id>

  Re-enable a paused job. Its next fire time is computed from now, so
  runs missed while paused do not replay.

General Options:
` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *JobResumeCommand) Synopsis() string {
	return "Re-enable a paused job"
}

func (c *JobResumeCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags()
}

func (c *JobResumeCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictAnything
}

func (c *JobResumeCommand) Run(args []string) int {
	return c.setEnabled("job resume", args, true)
}

// scheduler builds a job scheduler over the configured stores.
func (m *Meta) scheduler() (*jobs.Scheduler, int) {
	logger := m.Logger("rosterd")
	store, err := m.StateStore(logger)
	if err != nil {
		m.Ui.Error(fmt.Sprintf("Error initializing state store: %s", err))
		return nil, 1
	}
	return jobs.NewScheduler(logger, store), 0
}

func (m *Meta) setEnabled(name string, args []string, enabled bool) int {
	flags := m.FlagSet(name)
	if err := flags.Parse(args); err != nil {
		return 1
	}
	args = flags.Args()
	if len(args) != 1 {
		m.Ui.Error("This command takes one argument: <job-id>")
		return 1
	}

	sched, code := m.scheduler()
	if code != 0 {
		return code
	}

	var err error
	if enabled {
		err = sched.Resume(args[0])
	} else {
		err = sched.Pause(args[0])
	}
	if err != nil {
		m.Ui.Error(fmt.Sprintf("Error updating job %q: %s", args[0], err))
		return 1
	}
	m.Ui.Output(fmt.Sprintf("Job %q updated", args[0]))
	return 0
}
