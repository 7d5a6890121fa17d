package version

import (
	"flag"
	"fmt"

	"github.com/jrepp/corduroy/internal/cmd/base"
	"github.com/jrepp/corduroy/internal/version"
)

type Command struct {
	*base.Command

	flagServer bool
}

func (c *Command) Synopsis() string {
	return "Print the corduroy version"
}

func (c *Command) Help() string {
	return `Usage: corduroy version [options]

  Prints the corduroy version and, with -server, the CouchDB server version.` +
		c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("version", flag.ContinueOnError))
	c.AddGlobalFlags(f)

	f.BoolVar(
		&c.flagServer, "server", false,
		"Also query the configured server for its version.",
	)

	return f
}

func (c *Command) Run(args []string) int {
	ui := c.UI

	if err := c.Flags().Parse(args); err != nil {
		ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	if !c.flagServer {
		ui.Output(version.Version)
		return 0
	}

	_, client, err := c.Setup()
	if err != nil {
		ui.Error(err.Error())
		return 1
	}

	ctx, cancel := c.Context()
	defer cancel()

	server, err := client.Version(ctx)
	if err != nil {
		ui.Error(fmt.Sprintf("error getting server version: %v", err))
		return 1
	}

	out := struct {
		Client string `json:"client"`
		Server string `json:"server"`
	}{version.Version, server}
	if err := c.Output(out); err != nil {
		ui.Error(err.Error())
		return 1
	}
	return 0
}
