// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

// Package cmd wires the tether CLI: the scheduler and worker daemons behind
// a mitchellh/cli command tree.
package cmd

import (
	"fmt"
	"os"

	"github.com/mitchellh/cli"
)

const version = "0.1.0"

// Run runs the CLI with the given args and returns the process exit code.
func Run(args []string) int {
	ui := &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}

	c := cli.NewCLI("tether", version)
	c.Args = args
	c.Commands = initCommands(ui)

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error executing CLI: %s\n", err)
		return 1
	}
	return exitCode
}
