package attachment

import (
	"bytes"
	"context"
	"flag"
	"fmt"

	"github.com/mitchellh/cli"
	"github.com/spf13/afero"

	"github.com/jrepp/corduroy/internal/cmd/base"
	"github.com/jrepp/corduroy/pkg/couch"
)

// exitConflict is returned when the document revision is not current.
const exitConflict = 2

// Command is the parent of the attachment subcommands.
type Command struct {
	*base.Command
}

func (c *Command) Synopsis() string {
	return "Read and write document attachments"
}

func (c *Command) Help() string {
	return `Usage: corduroy attachment <subcommand> [options] [args]

  Reads, writes and removes attachments of a document. Run
  "corduroy attachment <subcommand> -h" for the options of each.`
}

func (c *Command) Run(args []string) int {
	return cli.RunResultHelp
}

type GetCommand struct {
	*base.Command

	flagOut string
}

func (c *GetCommand) Synopsis() string {
	return "Download an attachment"
}

func (c *GetCommand) Help() string {
	return `Usage: corduroy attachment get [options] <database> <id> <name>

  Prints the content of an attachment, or writes it to the file named by
  -out.` +
		c.Flags().Help()
}

func (c *GetCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("attachment get", flag.ContinueOnError))
	c.AddGlobalFlags(f)

	f.StringVar(&c.flagOut, "out", "", "Write the attachment to this file.")

	return f
}

func (c *GetCommand) Run(args []string) int {
	ui := c.UI

	flags := c.Flags()
	if err := flags.Parse(args); err != nil {
		ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if flags.NArg() != 3 {
		ui.Error("a database name, document id and attachment name are required")
		return 1
	}

	db, err := database(c.Command, flags.Arg(0))
	if err != nil {
		ui.Error(err.Error())
		return 1
	}

	ctx, cancel := c.Context()
	defer cancel()

	id, name := flags.Arg(1), flags.Arg(2)
	data, contentType, err := db.GetAttachment(ctx, id, name)
	if err != nil {
		if couch.IsNotFound(err) {
			ui.Error(fmt.Sprintf("attachment %q of %q not found", name, id))
			return 1
		}
		ui.Error(fmt.Sprintf("error getting attachment: %v", err))
		return 1
	}

	if c.flagOut == "" {
		ui.Output(string(data))
		return 0
	}
	if err := afero.WriteFile(c.FS, c.flagOut, data, 0o644); err != nil {
		ui.Error(fmt.Sprintf("error writing attachment: %v", err))
		return 1
	}
	c.Log.Info("saved attachment", "name", name, "content_type", contentType, "bytes", len(data), "path", c.flagOut)
	return 0
}

type PutCommand struct {
	*base.Command

	flagRev         string
	flagContentType string
}

func (c *PutCommand) Synopsis() string {
	return "Upload an attachment"
}

func (c *PutCommand) Help() string {
	return `Usage: corduroy attachment put [options] <database> <id> <name> [file]

  Creates or replaces an attachment with the content of file, or of stdin
  when file is "-" or omitted. Without -rev the document's current
  revision is used, and a missing document is created.` +
		c.Flags().Help()
}

func (c *PutCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("attachment put", flag.ContinueOnError))
	c.AddGlobalFlags(f)

	f.StringVar(&c.flagRev, "rev", "", "Revision of the document to attach to.")
	f.StringVar(&c.flagContentType, "content-type", "", "Content type. Guessed from the name when empty.")

	return f
}

func (c *PutCommand) Run(args []string) int {
	ui := c.UI

	flags := c.Flags()
	if err := flags.Parse(args); err != nil {
		ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if flags.NArg() < 3 || flags.NArg() > 4 {
		ui.Error("a database name, document id and attachment name are required")
		return 1
	}

	data, err := c.ReadInput(flags.Arg(3))
	if err != nil {
		ui.Error(fmt.Sprintf("error reading input: %v", err))
		return 1
	}

	db, err := database(c.Command, flags.Arg(0))
	if err != nil {
		ui.Error(err.Error())
		return 1
	}

	ctx, cancel := c.Context()
	defer cancel()

	doc, err := target(ctx, db, flags.Arg(1), c.flagRev, true)
	if err != nil {
		ui.Error(fmt.Sprintf("error getting document: %v", err))
		return 1
	}

	name := flags.Arg(2)
	if err := db.PutAttachment(ctx, doc, name, c.flagContentType, bytes.NewReader(data)); err != nil {
		if couch.IsConflict(err) {
			ui.Error(fmt.Sprintf("revision %s of %q is not current", doc.Rev(), doc.ID()))
			return exitConflict
		}
		ui.Error(fmt.Sprintf("error putting attachment: %v", err))
		return 1
	}

	if err := c.Output(map[string]string{"id": doc.ID(), "rev": doc.Rev()}); err != nil {
		ui.Error(err.Error())
		return 1
	}
	return 0
}

type DeleteCommand struct {
	*base.Command

	flagRev string
}

func (c *DeleteCommand) Synopsis() string {
	return "Remove an attachment"
}

func (c *DeleteCommand) Help() string {
	return `Usage: corduroy attachment delete [options] <database> <id> <name>

  Removes an attachment. Without -rev the document's current revision is
  fetched first.` +
		c.Flags().Help()
}

func (c *DeleteCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("attachment delete", flag.ContinueOnError))
	c.AddGlobalFlags(f)

	f.StringVar(&c.flagRev, "rev", "", "Revision of the document.")

	return f
}

func (c *DeleteCommand) Run(args []string) int {
	ui := c.UI

	flags := c.Flags()
	if err := flags.Parse(args); err != nil {
		ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if flags.NArg() != 3 {
		ui.Error("a database name, document id and attachment name are required")
		return 1
	}

	db, err := database(c.Command, flags.Arg(0))
	if err != nil {
		ui.Error(err.Error())
		return 1
	}

	ctx, cancel := c.Context()
	defer cancel()

	doc, err := target(ctx, db, flags.Arg(1), c.flagRev, false)
	if err != nil {
		ui.Error(fmt.Sprintf("error getting document: %v", err))
		return 1
	}

	name := flags.Arg(2)
	if err := db.DeleteAttachment(ctx, doc, name); err != nil {
		switch {
		case couch.IsConflict(err):
			ui.Error(fmt.Sprintf("revision %s of %q is not current", doc.Rev(), doc.ID()))
			return exitConflict
		case couch.IsNotFound(err):
			ui.Error(fmt.Sprintf("attachment %q of %q not found", name, doc.ID()))
			return 1
		}
		ui.Error(fmt.Sprintf("error deleting attachment: %v", err))
		return 1
	}

	if err := c.Output(map[string]string{"id": doc.ID(), "rev": doc.Rev()}); err != nil {
		ui.Error(err.Error())
		return 1
	}
	return 0
}

func database(c *base.Command, name string) (*couch.Database, error) {
	_, client, err := c.Setup()
	if err != nil {
		return nil, err
	}
	return client.DB(name)
}

// target returns the document an attachment write applies to. Without rev
// the current document is fetched; a missing one is only acceptable when
// create is set.
func target(ctx context.Context, db *couch.Database, id, rev string, create bool) (*couch.Document, error) {
	if rev != "" {
		doc := couch.NewDocument()
		doc.SetID(id)
		doc.SetRev(rev)
		return doc, nil
	}
	doc, err := db.Get(ctx, id)
	if create && couch.IsNotFound(err) {
		doc = couch.NewDocument()
		doc.SetID(id)
		return doc, nil
	}
	return doc, err
}
