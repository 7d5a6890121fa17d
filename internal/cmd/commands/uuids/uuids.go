package uuids

import (
	"flag"
	"fmt"

	"github.com/jrepp/corduroy/internal/cmd/base"
	"github.com/jrepp/corduroy/pkg/couch"
)

type Command struct {
	*base.Command

	flagCount int
	flagLocal bool
}

func (c *Command) Synopsis() string {
	return "Generate document identifiers"
}

func (c *Command) Help() string {
	return `Usage: corduroy uuids [options]

  Prints identifiers fetched from the server's /_uuids endpoint, or generated
  locally in the configured id_format with -local.` +
		c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("uuids", flag.ContinueOnError))
	c.AddGlobalFlags(f)

	f.IntVar(
		&c.flagCount, "count", 1,
		"Number of identifiers to generate.",
	)
	f.BoolVar(
		&c.flagLocal, "local", false,
		"Generate identifiers without contacting the server.",
	)

	return f
}

func (c *Command) Run(args []string) int {
	ui := c.UI

	if err := c.Flags().Parse(args); err != nil {
		ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if c.flagCount < 1 {
		ui.Error("count must be at least 1")
		return 1
	}

	cfg, client, err := c.Setup()
	if err != nil {
		ui.Error(err.Error())
		return 1
	}

	ctx, cancel := c.Context()
	defer cancel()

	var ids []string
	if c.flagLocal {
		src := cfg.CouchDB.IDSource()
		if src == nil {
			src = &couch.LocalIDSource{Format: couch.IDFormatUUID}
		}
		ids, err = src.NewIDs(ctx, c.flagCount)
	} else {
		ids, err = client.UUIDs(ctx, c.flagCount)
	}
	if err != nil {
		ui.Error(fmt.Sprintf("error generating identifiers: %v", err))
		return 1
	}

	if err := c.Output(ids); err != nil {
		ui.Error(err.Error())
		return 1
	}
	return 0
}
