package docs

import (
	"errors"
	"flag"
	"fmt"

	"github.com/jrepp/corduroy/internal/cmd/base"
	"github.com/jrepp/corduroy/pkg/couch"
)

// exitConflict is returned when documents are left pending.
const exitConflict = 2

type SaveCommand struct {
	*base.Command

	flagForce        bool
	flagBatch        bool
	flagAllOrNothing bool
}

func (c *SaveCommand) Synopsis() string {
	return "Write documents"
}

func (c *SaveCommand) Help() string {
	return `Usage: corduroy save [options] <database> [file]

  Writes a JSON document, or an array of documents, read from file or stdin.
  Documents without an _id are given one. Documents that conflict with the
  server are reported and the command exits with status 2, unless -force is
  given to overwrite the server's revision.` +
		c.Flags().Help()
}

func (c *SaveCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("save", flag.ContinueOnError))
	c.AddGlobalFlags(f)

	f.BoolVar(&c.flagForce, "force", false, "Overwrite conflicting documents.")
	f.BoolVar(&c.flagBatch, "batch", false, "Use batch=ok for single document writes.")
	f.BoolVar(
		&c.flagAllOrNothing, "all-or-nothing", false,
		"Reject the whole bulk write if any document conflicts.",
	)

	return f
}

type saveOutput struct {
	Resolved []*couch.Document `json:"resolved"`
	Pending  []pendingOutput   `json:"pending,omitempty"`
}

type pendingOutput struct {
	ID     string `json:"id"`
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (c *SaveCommand) Run(args []string) int {
	ui := c.UI

	flags := c.Flags()
	if err := flags.Parse(args); err != nil {
		ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if flags.NArg() < 1 || flags.NArg() > 2 {
		ui.Error("a database name is required")
		return 1
	}

	data, err := c.ReadInput(flags.Arg(1))
	if err != nil {
		ui.Error(fmt.Sprintf("error reading input: %v", err))
		return 1
	}
	docs, many, err := base.ParseDocuments(data)
	if err != nil {
		ui.Error(fmt.Sprintf("error parsing input: %v", err))
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

	opts := couch.SaveOptions{
		Force:        c.flagForce,
		Batch:        c.flagBatch,
		AllOrNothing: c.flagAllOrNothing,
	}

	var res *couch.Resolution
	if many {
		res, err = db.SaveAll(ctx, docs, opts)
	} else {
		res, err = db.Save(ctx, docs[0], opts)
	}
	var conflict *couch.ConflictError
	if err != nil && !errors.As(err, &conflict) {
		ui.Error(fmt.Sprintf("error saving documents: %v", err))
		return 1
	}

	out := saveOutput{Resolved: res.Resolved()}
	for _, p := range res.Pending() {
		out.Pending = append(out.Pending, pendingOutput{ID: p.ID, Error: p.Error, Reason: p.Reason})
	}
	if err := c.Output(out); err != nil {
		ui.Error(err.Error())
		return 1
	}

	if res.HasConflicts() {
		c.Log.Warn("documents left pending", "count", len(out.Pending))
		return exitConflict
	}
	return 0
}
