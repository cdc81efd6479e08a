package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/rosterlab/rosterd/command"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args[1:]))
}

// Run executes the CLI and returns the exit code.
func Run(args []string) int {
	c := cli.NewCLI("rosterd", version)
	c.Args = args
	c.Commands = command.Commands(nil)

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err)
		return 1
	}
	return exitCode
}
