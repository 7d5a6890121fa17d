package base

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"github.com/spf13/afero"

	"github.com/jrepp/corduroy/internal/config"
	"github.com/jrepp/corduroy/pkg/couch"
)

// Command holds what every subcommand shares.
type Command struct {
	Log hclog.Logger
	UI  cli.Ui

	// FS is the filesystem configuration and input files are read from.
	FS afero.Fs

	// Stdin is read by commands that accept "-" as an input file.
	Stdin io.Reader

	flagConfig string
	flagFormat string
}

// NewCommand returns a Command reading from the OS filesystem and stdin.
func NewCommand(log hclog.Logger, ui cli.Ui) *Command {
	return &Command{
		Log:   log,
		UI:    ui,
		FS:    afero.NewOsFs(),
		Stdin: os.Stdin,
	}
}

// AddGlobalFlags registers -config and -format on f.
func (c *Command) AddGlobalFlags(f *FlagSet) {
	f.StringVar(
		&c.flagConfig, "config", "",
		"[CORDUROY_CONFIG] Path to the HCL configuration file.",
	)
	f.StringVar(
		&c.flagFormat, "format", FormatJSON,
		"Output format: json or yaml.",
	)
}

// Config loads the configuration named by -config or CORDUROY_CONFIG.
func (c *Command) Config() (*config.Config, error) {
	path := c.flagConfig
	if path == "" {
		path = os.Getenv("CORDUROY_CONFIG")
	}
	cfg, err := config.Load(c.FS, path)
	if err != nil {
		return nil, err
	}
	if lvl := hclog.LevelFromString(cfg.LogLevel); lvl != hclog.NoLevel {
		c.Log.SetLevel(lvl)
	}
	return cfg, nil
}

// Client builds a couch client from cfg.
func (c *Command) Client(cfg *config.Config) (*couch.Client, error) {
	clientCfg, err := cfg.CouchDB.ClientConfig(c.Log)
	if err != nil {
		return nil, err
	}
	var opts []couch.Option
	if src := cfg.CouchDB.IDSource(); src != nil {
		opts = append(opts, couch.WithIDSource(src))
	}
	return couch.New(clientCfg, opts...)
}

// Setup loads the configuration and connects a client.
func (c *Command) Setup() (*config.Config, *couch.Client, error) {
	cfg, err := c.Config()
	if err != nil {
		return nil, nil, fmt.Errorf("error loading configuration: %w", err)
	}
	client, err := c.Client(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating client: %w", err)
	}
	return cfg, client, nil
}

// Output writes v to the UI in the selected format.
func (c *Command) Output(v interface{}) error {
	out, err := Render(c.flagFormat, v)
	if err != nil {
		return err
	}
	c.UI.Output(out)
	return nil
}

// ReadInput reads the named file, or stdin when name is "" or "-".
func (c *Command) ReadInput(name string) ([]byte, error) {
	if name == "" || name == "-" {
		return io.ReadAll(c.Stdin)
	}
	return afero.ReadFile(c.FS, name)
}

// Context returns a context cancelled on SIGINT or SIGTERM.
func (c *Command) Context() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ParseDocuments decodes a JSON object or an array of objects.
func ParseDocuments(data []byte) ([]*couch.Document, bool, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false, fmt.Errorf("invalid JSON: %w", err)
	}
	if len(raw) > 0 && raw[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, false, err
		}
		docs := make([]*couch.Document, len(items))
		for i, item := range items {
			doc, err := couch.ParseDocument(item)
			if err != nil {
				return nil, false, fmt.Errorf("document %d: %w", i, err)
			}
			docs[i] = doc
		}
		return docs, true, nil
	}
	doc, err := couch.ParseDocument(raw)
	if err != nil {
		return nil, false, err
	}
	return []*couch.Document{doc}, false, nil
}
