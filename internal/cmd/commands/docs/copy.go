package docs

import (
	"flag"
	"fmt"

	"github.com/jrepp/corduroy/internal/cmd/base"
	"github.com/jrepp/corduroy/pkg/couch"
)

type CopyCommand struct {
	*base.Command

	flagRev string
}

func (c *CopyCommand) Synopsis() string {
	return "Copy a document on the server"
}

func (c *CopyCommand) Help() string {
	return `Usage: corduroy copy [options] <database> <source-id> <destination-id>

  Copies a document, attachments included, to a new id. Overwriting an
  existing destination requires its current revision in -rev.` +
		c.Flags().Help()
}

func (c *CopyCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("copy", flag.ContinueOnError))
	c.AddGlobalFlags(f)

	f.StringVar(&c.flagRev, "rev", "", "Current revision of the destination to overwrite.")

	return f
}

func (c *CopyCommand) Run(args []string) int {
	ui := c.UI

	flags := c.Flags()
	if err := flags.Parse(args); err != nil {
		ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if flags.NArg() != 3 {
		ui.Error("a database name, source id and destination id are required")
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

	src, dst := flags.Arg(1), flags.Arg(2)
	rev, err := db.Copy(ctx, src, dst, c.flagRev)
	if err != nil {
		switch {
		case couch.IsConflict(err):
			ui.Error(fmt.Sprintf("document %q exists; pass its current revision with -rev", dst))
			return exitConflict
		case couch.IsNotFound(err):
			ui.Error(fmt.Sprintf("document %q not found", src))
			return 1
		}
		ui.Error(fmt.Sprintf("error copying document: %v", err))
		return 1
	}

	if err := c.Output(map[string]string{"id": dst, "rev": rev}); err != nil {
		ui.Error(err.Error())
		return 1
	}
	return 0
}
