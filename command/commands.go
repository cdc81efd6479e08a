package command

import (
	"os"

	"github.com/hashicorp/cli"
)

// Commands returns the mapping of CLI commands. The meta parameter lets
// callers set command-wide options like the UI.
func Commands(metaPtr *Meta) map[string]cli.CommandFactory {
	if metaPtr == nil {
		metaPtr = new(Meta)
	}
	meta := *metaPtr
	if meta.Ui == nil {
		meta.Ui = &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      os.Stdout,
			ErrorWriter: os.Stderr,
		}
	}

	return map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &AgentCommand{Meta: meta}, nil
		},
		"block-regenerate": func() (cli.Command, error) {
			return &BlockRegenerateCommand{Meta: meta}, nil
		},
		"job": func() (cli.Command, error) {
			return &JobCommand{Meta: meta}, nil
		},
		"job list": func() (cli.Command, error) {
			return &JobListCommand{Meta: meta}, nil
		},
		"job pause": func() (cli.Command, error) {
			return &JobPauseCommand{Meta: meta}, nil
		},
		"job resume": func() (cli.Command, error) {
			return &JobResumeCommand{Meta: meta}, nil
		},
	}
}
