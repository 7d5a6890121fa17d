package db

import (
	"encoding/json"
	"flag"
	"fmt"

	"github.com/jrepp/corduroy/internal/cmd/base"
	"github.com/jrepp/corduroy/pkg/couch"
)

type Command struct {
	*base.Command

	flagCreate  bool
	flagDelete  bool
	flagList    bool
	flagCompact bool
	flagCommit  bool
	flagCleanup bool

	flagSecurity    bool
	flagSetSecurity string
}

func (c *Command) Synopsis() string {
	return "Inspect and manage databases"
}

func (c *Command) Help() string {
	return `Usage: corduroy db [options] [name]

  Prints information about the named database. With -list, prints every
  database on the server. The other options act on the named database.

  -set-security reads a _security object such as
  {"admins": {"names": ["alice"]}, "members": {"roles": ["readers"]}}
  from a file, or from stdin when given "-".` +
		c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("db", flag.ContinueOnError))
	c.AddGlobalFlags(f)

	f.BoolVar(&c.flagCreate, "create", false, "Create the database if it does not exist.")
	f.BoolVar(&c.flagDelete, "delete", false, "Delete the database.")
	f.BoolVar(&c.flagList, "list", false, "List all databases.")
	f.BoolVar(&c.flagCompact, "compact", false, "Start compaction of the database.")
	f.BoolVar(&c.flagCommit, "commit", false, "Ensure recent writes are committed to disk.")
	f.BoolVar(&c.flagCleanup, "cleanup", false, "Remove view indexes no design document uses.")
	f.BoolVar(&c.flagSecurity, "security", false, "Print the database's security object.")
	f.StringVar(&c.flagSetSecurity, "set-security", "", "Replace the security object from this file.")

	return f
}

func (c *Command) Run(args []string) int {
	ui := c.UI

	flags := c.Flags()
	if err := flags.Parse(args); err != nil {
		ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	actions := 0
	for _, set := range []bool{
		c.flagCreate, c.flagDelete, c.flagList, c.flagCompact, c.flagCommit,
		c.flagCleanup, c.flagSecurity, c.flagSetSecurity != "",
	} {
		if set {
			actions++
		}
	}
	if actions > 1 {
		ui.Error("only one action flag may be given")
		return 1
	}

	name := ""
	if !c.flagList {
		if flags.NArg() != 1 {
			ui.Error("a database name is required")
			return 1
		}
		name = flags.Arg(0)
	}

	_, client, err := c.Setup()
	if err != nil {
		ui.Error(err.Error())
		return 1
	}

	ctx, cancel := c.Context()
	defer cancel()

	if c.flagList {
		names, err := client.AllDBs(ctx)
		if err != nil {
			ui.Error(fmt.Sprintf("error listing databases: %v", err))
			return 1
		}
		return c.output(names)
	}

	if c.flagDelete {
		if err := client.DeleteDB(ctx, name); err != nil {
			ui.Error(fmt.Sprintf("error deleting database: %v", err))
			return 1
		}
		c.Log.Info("deleted database", "db", name)
		return 0
	}

	db, err := client.DB(name)
	if err != nil {
		ui.Error(err.Error())
		return 1
	}

	switch {
	case c.flagCreate:
		if db, err = client.EnsureDB(ctx, name); err != nil {
			ui.Error(fmt.Sprintf("error creating database: %v", err))
			return 1
		}
		c.Log.Info("database ready", "db", db.Name())
	case c.flagCompact:
		if err := db.Compact(ctx, ""); err != nil {
			ui.Error(fmt.Sprintf("error starting compaction: %v", err))
			return 1
		}
		c.Log.Info("compaction started", "db", name)
		return 0
	case c.flagCommit:
		if err := db.Commit(ctx); err != nil {
			ui.Error(fmt.Sprintf("error committing database: %v", err))
			return 1
		}
		return 0
	case c.flagCleanup:
		if err := db.Cleanup(ctx); err != nil {
			ui.Error(fmt.Sprintf("error cleaning up views: %v", err))
			return 1
		}
		return 0
	case c.flagSecurity:
		sec, err := db.Security(ctx)
		if err != nil {
			ui.Error(fmt.Sprintf("error getting security: %v", err))
			return 1
		}
		return c.output(sec)
	case c.flagSetSecurity != "":
		data, err := c.ReadInput(c.flagSetSecurity)
		if err != nil {
			ui.Error(fmt.Sprintf("error reading security object: %v", err))
			return 1
		}
		sec := &couch.Security{}
		if err := json.Unmarshal(data, sec); err != nil {
			ui.Error(fmt.Sprintf("invalid security object: %v", err))
			return 1
		}
		if err := db.SetSecurity(ctx, sec); err != nil {
			ui.Error(fmt.Sprintf("error setting security: %v", err))
			return 1
		}
		return c.output(sec)
	}

	info, err := db.Info(ctx)
	if err != nil {
		ui.Error(fmt.Sprintf("error getting database info: %v", err))
		return 1
	}
	return c.output(info)
}

func (c *Command) output(v interface{}) int {
	if err := c.Output(v); err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	return 0
}
