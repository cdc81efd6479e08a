package command

import (
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/cli"
	"github.com/shoenig/test/must"
)

func TestBlockRegenerateCommand_Implements(t *testing.T) {
	var _ cli.Command = &BlockRegenerateCommand{}
}

func TestBlockRegenerateCommand_FailsBadArgs(t *testing.T) {
	ui := cli.NewMockUi()
	cmd := &BlockRegenerateCommand{Meta: Meta{Ui: ui}}

	must.Eq(t, 1, cmd.Run([]string{}))
	must.StrContains(t, ui.ErrorWriter.String(), "-block")

	ui.ErrorWriter.Reset()
	must.Eq(t, 1, cmd.Run([]string{"-block", "14", "-year", "2026"}))
	must.StrContains(t, ui.ErrorWriter.String(), "-block")

	ui.ErrorWriter.Reset()
	must.Eq(t, 1, cmd.Run([]string{"-block", "1"}))
	must.StrContains(t, ui.ErrorWriter.String(), "-year")
}

func TestBlockRegenerateCommand_EmptyRoster(t *testing.T) {
	ui := cli.NewMockUi()
	cmd := &BlockRegenerateCommand{Meta: Meta{Ui: ui, logLevel: "error"}}

	// No people or blocks: the run trivially succeeds with nothing to
	// place.
	code := cmd.Run([]string{"-block", "1", "-year", "2026", "-draft", "-timeout", "2"})
	must.Eq(t, 0, code)
	must.StrContains(t, ui.OutputWriter.String(), "Assignments: 0")
}

func TestBlockRange(t *testing.T) {
	start, end := blockRange(2026, 1)
	must.Eq(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), start)
	must.Eq(t, time.Date(2026, 7, 28, 0, 0, 0, 0, time.UTC), end)

	start, end = blockRange(2026, 3)
	must.Eq(t, time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC), start)
	must.Eq(t, time.Date(2026, 9, 22, 0, 0, 0, 0, time.UTC), end)

	// Thirteen blocks span the academic year.
	_, end = blockRange(2026, 13)
	must.True(t, end.Before(time.Date(2027, 7, 1, 0, 0, 0, 0, time.UTC)))
}

func TestBlockRegenerateCommand_HelpMentionsFlags(t *testing.T) {
	cmd := &BlockRegenerateCommand{}
	for _, flag := range []string{"-block", "-year", "-clear", "-timeout", "-draft"} {
		must.True(t, strings.Contains(cmd.Help(), flag))
	}
}
