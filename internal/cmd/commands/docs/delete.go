package docs

import (
	"flag"
	"fmt"

	"github.com/jrepp/corduroy/internal/cmd/base"
	"github.com/jrepp/corduroy/pkg/couch"
)

type DeleteCommand struct {
	*base.Command

	flagRev string
}

func (c *DeleteCommand) Synopsis() string {
	return "Delete a document"
}

func (c *DeleteCommand) Help() string {
	return `Usage: corduroy delete [options] <database> <id>

  Deletes a document. Without -rev the current revision is fetched first.` +
		c.Flags().Help()
}

func (c *DeleteCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("delete", flag.ContinueOnError))
	c.AddGlobalFlags(f)

	f.StringVar(&c.flagRev, "rev", "", "Revision to delete.")

	return f
}

func (c *DeleteCommand) Run(args []string) int {
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

	doc := couch.NewDocument()
	doc.SetID(flags.Arg(1))
	if c.flagRev != "" {
		doc.SetRev(c.flagRev)
	} else {
		current, err := db.Get(ctx, doc.ID())
		if err != nil {
			ui.Error(fmt.Sprintf("error getting document: %v", err))
			return 1
		}
		doc.SetRev(current.Rev())
	}

	if err := db.Delete(ctx, doc); err != nil {
		if couch.IsConflict(err) {
			ui.Error(fmt.Sprintf("revision %s of %q is not current", doc.Rev(), doc.ID()))
			return exitConflict
		}
		ui.Error(fmt.Sprintf("error deleting document: %v", err))
		return 1
	}

	if err := c.Output(doc); err != nil {
		ui.Error(err.Error())
		return 1
	}
	return 0
}
