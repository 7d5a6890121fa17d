package replicate

import (
	"flag"
	"fmt"
	"strings"

	"github.com/jrepp/corduroy/internal/cmd/base"
	"github.com/jrepp/corduroy/pkg/couch"
)

type Command struct {
	*base.Command

	flagContinuous   bool
	flagCancel       bool
	flagCreateTarget bool
	flagDocIDs       string
	flagID           string
	flagProxy        string
	flagFilter       string
}

func (c *Command) Synopsis() string {
	return "Replicate one database into another"
}

func (c *Command) Help() string {
	return `Usage: corduroy replicate [options] <source> <target>

  Asks the server to replicate source into target. Each is either a full
  database URL or the name of a database on the configured server.

  A one-shot replication prints its history once it finishes. -continuous
  starts a replication that keeps running on the server; repeat the same
  command with -cancel to stop it. -id stores the replication as a document
  in the _replicator database instead.` +
		c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("replicate", flag.ContinueOnError))
	c.AddGlobalFlags(f)

	f.BoolVar(&c.flagContinuous, "continuous", false, "Keep replicating new changes.")
	f.BoolVar(&c.flagCancel, "cancel", false, "Cancel a running replication.")
	f.BoolVar(&c.flagCreateTarget, "create-target", false, "Create the target database if it is missing.")
	f.StringVar(&c.flagDocIDs, "doc-ids", "", "Comma-separated document ids to replicate.")
	f.StringVar(&c.flagID, "id", "", "Store the replication in _replicator under this id.")
	f.StringVar(&c.flagProxy, "proxy", "", "Proxy the replicator connects through.")
	f.StringVar(&c.flagFilter, "filter", "", "Filter function, as design/name.")

	return f
}

func (c *Command) Run(args []string) int {
	ui := c.UI

	flags := c.Flags()
	if err := flags.Parse(args); err != nil {
		ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if flags.NArg() != 2 {
		ui.Error("a source and a target are required")
		return 1
	}

	_, client, err := c.Setup()
	if err != nil {
		ui.Error(err.Error())
		return 1
	}

	ctx, cancel := c.Context()
	defer cancel()

	opts := couch.ReplicateOptions{
		ID:           c.flagID,
		Cancel:       c.flagCancel,
		Continuous:   c.flagContinuous,
		CreateTarget: c.flagCreateTarget,
		Proxy:        c.flagProxy,
		Filter:       c.flagFilter,
	}
	for _, id := range strings.Split(c.flagDocIDs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			opts.DocIDs = append(opts.DocIDs, id)
		}
	}

	result, err := client.Replicate(ctx, flags.Arg(0), flags.Arg(1), opts)
	if err != nil {
		ui.Error(fmt.Sprintf("error replicating: %v", err))
		return 1
	}

	if err := c.Output(result); err != nil {
		ui.Error(err.Error())
		return 1
	}
	return 0
}
