package docs

import (
	"flag"
	"fmt"

	"github.com/jrepp/corduroy/internal/cmd/base"
	"github.com/jrepp/corduroy/pkg/couch"
)

type GetCommand struct {
	*base.Command

	flagRev  string
	flagRevs bool
}

func (c *GetCommand) Synopsis() string {
	return "Fetch a document"
}

func (c *GetCommand) Help() string {
	return `Usage: corduroy get [options] <database> <id>

  Prints the current revision of a document, a specific revision with -rev,
  or the document's revision history with -revs.` +
		c.Flags().Help()
}

func (c *GetCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("get", flag.ContinueOnError))
	c.AddGlobalFlags(f)

	f.StringVar(&c.flagRev, "rev", "", "Fetch this revision instead of the current one.")
	f.BoolVar(&c.flagRevs, "revs", false, "Print the revision history, newest first.")

	return f
}

func (c *GetCommand) Run(args []string) int {
	ui := c.UI

	flags := c.Flags()
	if err := flags.Parse(args); err != nil {
		ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if flags.NArg() != 2 {
		ui.Error("a database name and document id are required")
		return 1
	}

	_, client, err := c.Setup()
	if err != nil {
		ui.Error(err.Error())
		return 1
	}
	db, err := client.DB(flags.Arg(0))
	if err != nil {
		ui.Error(err.Error())
		return 1
	}

	ctx, cancel := c.Context()
	defer cancel()

	id := flags.Arg(1)
	var out interface{}
	switch {
	case c.flagRevs:
		out, err = db.Revisions(ctx, id)
	case c.flagRev != "":
		out, err = db.GetRev(ctx, id, c.flagRev)
	default:
		out, err = db.Get(ctx, id)
	}
	if err != nil {
		if couch.IsNotFound(err) {
			ui.Error(fmt.Sprintf("document %q not found", id))
			return 1
		}
		ui.Error(fmt.Sprintf("error getting document: %v", err))
		return 1
	}

	if err := c.Output(out); err != nil {
		ui.Error(err.Error())
		return 1
	}
	return 0
}
