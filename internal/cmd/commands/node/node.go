// Package node holds commands that report on the server itself rather
// than on a database.
package node

import (
	"flag"
	"fmt"

	"github.com/jrepp/corduroy/internal/cmd/base"
	"github.com/jrepp/corduroy/pkg/couch"
)

type TasksCommand struct {
	*base.Command
}

func (c *TasksCommand) Synopsis() string {
	return "List tasks running on the server"
}

func (c *TasksCommand) Help() string {
	return `Usage: corduroy tasks [options]

  Lists the compactions, index builds and replications the server is
  running.` +
		c.Flags().Help()
}

func (c *TasksCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("tasks", flag.ContinueOnError))
	c.AddGlobalFlags(f)
	return f
}

func (c *TasksCommand) Run(args []string) int {
	ui := c.UI

	flags := c.Flags()
	if err := flags.Parse(args); err != nil {
		ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if flags.NArg() != 0 {
		ui.Error("this command takes no arguments")
		return 1
	}

	_, client, err := c.Setup()
	if err != nil {
		ui.Error(err.Error())
		return 1
	}

	ctx, cancel := c.Context()
	defer cancel()

	tasks, err := client.ActiveTasks(ctx)
	if err != nil {
		ui.Error(fmt.Sprintf("error listing tasks: %v", err))
		return 1
	}
	if tasks == nil {
		tasks = []map[string]interface{}{}
	}

	if err := c.Output(tasks); err != nil {
		ui.Error(err.Error())
		return 1
	}
	return 0
}

type StatsCommand struct {
	*base.Command
}

func (c *StatsCommand) Synopsis() string {
	return "Show server statistics"
}

func (c *StatsCommand) Help() string {
	return `Usage: corduroy stats [options] [name]

  Prints the statistics of the local node. A name such as
  "httpd/requests" narrows the output to one group or metric.` +
		c.Flags().Help()
}

func (c *StatsCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("stats", flag.ContinueOnError))
	c.AddGlobalFlags(f)
	return f
}

func (c *StatsCommand) Run(args []string) int {
	ui := c.UI

	flags := c.Flags()
	if err := flags.Parse(args); err != nil {
		ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if flags.NArg() > 1 {
		ui.Error("at most one statistic name may be given")
		return 1
	}

	_, client, err := c.Setup()
	if err != nil {
		ui.Error(err.Error())
		return 1
	}

	ctx, cancel := c.Context()
	defer cancel()

	name := flags.Arg(0)
	stats, err := client.Stats(ctx, name)
	if err != nil {
		if couch.IsNotFound(err) {
			ui.Error(fmt.Sprintf("statistic %q not found", name))
			return 1
		}
		ui.Error(fmt.Sprintf("error getting stats: %v", err))
		return 1
	}

	if err := c.Output(stats); err != nil {
		ui.Error(err.Error())
		return 1
	}
	return 0
}
