// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package cmd

import (
	"github.com/hashicorp/tether/internal/cmd/commands/schedulercmd"
	"github.com/hashicorp/tether/internal/cmd/commands/workercmd"
	"github.com/mitchellh/cli"
)

func initCommands(ui cli.Ui) map[string]cli.CommandFactory {
	return map[string]cli.CommandFactory{
		"scheduler": func() (cli.Command, error) {
			return &schedulercmd.Command{UI: ui}, nil
		},
		"worker": func() (cli.Command, error) {
			return &workercmd.Command{UI: ui}, nil
		},
	}
}
