package cmd

import (
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/jrepp/corduroy/internal/cmd/base"
	"github.com/jrepp/corduroy/internal/cmd/commands/attachment"
	"github.com/jrepp/corduroy/internal/cmd/commands/db"
	"github.com/jrepp/corduroy/internal/cmd/commands/docs"
	"github.com/jrepp/corduroy/internal/cmd/commands/follow"
	"github.com/jrepp/corduroy/internal/cmd/commands/node"
	"github.com/jrepp/corduroy/internal/cmd/commands/replicate"
	"github.com/jrepp/corduroy/internal/cmd/commands/uuids"
	"github.com/jrepp/corduroy/internal/cmd/commands/version"
)

// Commands is the mapping of all available corduroy commands.
var Commands map[string]cli.CommandFactory

func initCommands(log hclog.Logger, ui cli.Ui) {
	b := base.NewCommand(log, ui)

	Commands = map[string]cli.CommandFactory{
		"attachment": func() (cli.Command, error) {
			return &attachment.Command{Command: b}, nil
		},
		"attachment delete": func() (cli.Command, error) {
			return &attachment.DeleteCommand{Command: b}, nil
		},
		"attachment get": func() (cli.Command, error) {
			return &attachment.GetCommand{Command: b}, nil
		},
		"attachment put": func() (cli.Command, error) {
			return &attachment.PutCommand{Command: b}, nil
		},
		"copy": func() (cli.Command, error) {
			return &docs.CopyCommand{Command: b}, nil
		},
		"db": func() (cli.Command, error) {
			return &db.Command{Command: b}, nil
		},
		"delete": func() (cli.Command, error) {
			return &docs.DeleteCommand{Command: b}, nil
		},
		"follow": func() (cli.Command, error) {
			return &follow.Command{Command: b}, nil
		},
		"get": func() (cli.Command, error) {
			return &docs.GetCommand{Command: b}, nil
		},
		"replicate": func() (cli.Command, error) {
			return &replicate.Command{Command: b}, nil
		},
		"save": func() (cli.Command, error) {
			return &docs.SaveCommand{Command: b}, nil
		},
		"stats": func() (cli.Command, error) {
			return &node.StatsCommand{Command: b}, nil
		},
		"tasks": func() (cli.Command, error) {
			return &node.TasksCommand{Command: b}, nil
		},
		"uuids": func() (cli.Command, error) {
			return &uuids.Command{Command: b}, nil
		},
		"version": func() (cli.Command, error) {
			return &version.Command{Command: b}, nil
		},
	}
}
