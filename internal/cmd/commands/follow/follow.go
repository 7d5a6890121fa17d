package follow

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/jrepp/corduroy/internal/cmd/base"
	"github.com/jrepp/corduroy/pkg/checkpoint"
	"github.com/jrepp/corduroy/pkg/couch"
	"github.com/jrepp/corduroy/pkg/relay"
)

type Command struct {
	*base.Command

	flagSince       string
	flagLatency     time.Duration
	flagFilter      string
	flagCheckpoint  string
	flagRelay       bool
	flagIncludeDocs bool
	flagFor         time.Duration
	flagOnce        bool
	flagQuiet       bool
}

func (c *Command) Synopsis() string {
	return "Follow a database's change feed"
}

func (c *Command) Help() string {
	return `Usage: corduroy follow [options] [database]

  Follows the continuous change feed of a database and prints each batch of
  changes. With -checkpoint the last delivered sequence is stored under the
  given name and the feed resumes from it on the next run. With -relay every
  change is also published to the configured Kafka topic.

  The database defaults to feed.database from the configuration file.` +
		c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("follow", flag.ContinueOnError))
	c.AddGlobalFlags(f)

	f.StringVar(&c.flagSince, "since", "", "Sequence to start after, or \"now\".")
	f.DurationVar(
		&c.flagLatency, "latency", -1,
		"Minimum period between batches. Defaults to feed.latency.",
	)
	f.StringVar(&c.flagFilter, "filter", "", "Filter function, e.g. \"ddoc/name\".")
	f.StringVar(
		&c.flagCheckpoint, "checkpoint", "",
		"Store the feed position under this name. Defaults to feed.name.",
	)
	f.BoolVar(&c.flagRelay, "relay", false, "Publish changes to the configured Kafka topic.")
	f.BoolVar(&c.flagIncludeDocs, "include-docs", false, "Include document bodies.")
	f.DurationVar(&c.flagFor, "for", 0, "Stop after this long. Zero follows until interrupted.")
	f.BoolVar(&c.flagOnce, "once", false, "Fetch the pending changes once and exit.")
	f.BoolVar(&c.flagQuiet, "quiet", false, "Do not print changes.")

	return f
}

type batchOutput struct {
	Since   couch.Seq      `json:"since"`
	Changes []couch.Change `json:"changes"`
}

func (c *Command) Run(args []string) int {
	logger, ui := c.Log, c.UI

	flags := c.Flags()
	if err := flags.Parse(args); err != nil {
		ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if flags.NArg() > 1 {
		ui.Error("at most one database name may be given")
		return 1
	}

	cfg, client, err := c.Setup()
	if err != nil {
		ui.Error(err.Error())
		return 1
	}

	name := flags.Arg(0)
	if name == "" {
		name = cfg.Feed.Database
	}
	if name == "" {
		ui.Error("a database name is required")
		return 1
	}
	db, err := client.DB(name)
	if err != nil {
		ui.Error(err.Error())
		return 1
	}

	opts, err := cfg.Feed.Options()
	if err != nil {
		ui.Error(err.Error())
		return 1
	}
	if c.flagSince != "" {
		opts.Since = couch.Seq(c.flagSince)
	}
	if c.flagLatency >= 0 {
		opts.Latency = c.flagLatency
	}
	if c.flagFilter != "" {
		opts.Filter = c.flagFilter
	}
	if c.flagIncludeDocs {
		opts.IncludeDocs = true
	}

	ctx, cancel := c.Context()
	defer cancel()

	checkpointName := c.flagCheckpoint
	if checkpointName == "" {
		checkpointName = cfg.Feed.Name
	}
	var store *checkpoint.Store
	if checkpointName != "" {
		store, err = checkpoint.Open(cfg.Checkpoint.StoreConfig(), logger)
		if err != nil {
			ui.Error(fmt.Sprintf("error opening checkpoint store: %v", err))
			return 1
		}
		defer store.Close()

		if c.flagSince == "" {
			saved, err := store.Load(ctx, checkpointName)
			if err != nil {
				ui.Error(fmt.Sprintf("error loading checkpoint: %v", err))
				return 1
			}
			if saved != "" {
				opts.Since = saved
				logger.Info("resuming from checkpoint", "name", checkpointName, "seq", saved)
			}
		}
	}

	var r *relay.Relay
	if c.flagRelay {
		if !cfg.Relay.Enabled() {
			ui.Error("-relay requires relay.brokers in the configuration")
			return 1
		}
		r, err = relay.New(cfg.Relay.RelayConfig(name, logger))
		if err != nil {
			ui.Error(fmt.Sprintf("error creating relay: %v", err))
			return 1
		}
		defer r.Close()
	}

	if c.flagOnce {
		return c.once(ctx, db, opts, store, checkpointName, r)
	}

	// A batch that cannot be relayed or checkpointed stops the feed, and no
	// later sequence is checkpointed.
	var (
		mu       sync.Mutex
		failures *multierror.Error
		feed     *couch.Feed
	)
	trackCtx, abort := context.WithCancel(ctx)
	defer abort()
	fail := func(err error) {
		mu.Lock()
		failures = multierror.Append(failures, err)
		f := feed
		mu.Unlock()
		abort()
		if f != nil {
			f.Stop()
		}
	}

	fn := c.printer()
	if r != nil {
		fn = chain(fn, r.Callback(ctx, fail))
	}
	if store != nil {
		fn = store.Track(trackCtx, checkpointName, fn, fail)
	}

	mu.Lock()
	feed, err = db.Follow(ctx, opts, fn)
	mu.Unlock()
	if err != nil {
		ui.Error(fmt.Sprintf("error following changes: %v", err))
		return 1
	}
	logger.Info("following changes", "db", name, "since", opts.Since, "latency", opts.Latency)

	var deadline <-chan time.Time
	if c.flagFor > 0 {
		timer := time.NewTimer(c.flagFor)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-feed.Done():
	case <-ctx.Done():
		logger.Info("interrupted")
	case <-deadline:
	case <-trackCtx.Done():
	}
	feed.Stop()
	<-feed.Done()

	logger.Info("stopped following changes", "db", name, "since", feed.Since())

	mu.Lock()
	defer mu.Unlock()
	if err := failures.ErrorOrNil(); err != nil {
		ui.Error(fmt.Sprintf("error handling changes: %v", err))
		return 1
	}
	if err := feed.Err(); err != nil && ctx.Err() == nil {
		ui.Error(fmt.Sprintf("change feed ended: %v", err))
		return 1
	}
	return 0
}

func (c *Command) once(
	ctx context.Context,
	db *couch.Database,
	opts *couch.FeedOptions,
	store *checkpoint.Store,
	name string,
	r *relay.Relay,
) int {
	result, err := db.Changes(ctx, opts)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error getting changes: %v", err))
		return 1
	}
	c.printer()(result.LastSeq, result.Results)

	if r != nil {
		if err := r.Publish(ctx, result.LastSeq, result.Results); err != nil {
			c.UI.Error(fmt.Sprintf("error relaying changes: %v", err))
			return 1
		}
	}
	if store != nil {
		if err := store.Save(ctx, name, result.LastSeq); err != nil {
			c.UI.Error(fmt.Sprintf("error saving checkpoint: %v", err))
			return 1
		}
	}
	return 0
}

func (c *Command) printer() couch.ChangesFunc {
	return func(since couch.Seq, changes []couch.Change) {
		if c.flagQuiet {
			return
		}
		if err := c.Output(batchOutput{Since: since, Changes: changes}); err != nil {
			c.Log.Error("failed to print changes", "error", err)
		}
	}
}

func chain(fns ...couch.ChangesFunc) couch.ChangesFunc {
	return func(since couch.Seq, changes []couch.Change) {
		for _, fn := range fns {
			fn(since, changes)
		}
	}
}
