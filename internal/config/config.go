// Package config loads the corduroy command-line configuration from an HCL
// file and CORDUROY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/spf13/afero"

	"github.com/jrepp/corduroy/pkg/checkpoint"
	"github.com/jrepp/corduroy/pkg/couch"
	"github.com/jrepp/corduroy/pkg/relay"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CORDUROY"

// ID formats accepted by couchdb.id_format.
const (
	IDFormatServer = "server"
	IDFormatUUID   = couch.IDFormatUUID
	IDFormatULID   = couch.IDFormatULID
)

// Config is the root of the configuration file.
type Config struct {
	LogLevel string `hcl:"log_level,optional"`

	CouchDB    *CouchDB    `hcl:"couchdb,block"`
	Feed       *Feed       `hcl:"feed,block"`
	Checkpoint *Checkpoint `hcl:"checkpoint,block"`
	Relay      *Relay      `hcl:"relay,block"`
}

// CouchDB configures the server connection.
type CouchDB struct {
	URL           string `hcl:"url,optional"`
	Username      string `hcl:"username,optional"`
	Password      string `hcl:"password,optional"`
	AuthToken     string `hcl:"auth_token,optional"`
	TLSVerify     *bool  `hcl:"tls_verify,optional"`
	Timeout       string `hcl:"timeout,optional"`
	MaxRetries    *int   `hcl:"max_retries,optional"`
	RetryDelay    string `hcl:"retry_delay,optional"`
	UUIDBatchSize int    `hcl:"uuid_batch_size,optional"`
	FullCommit    *bool  `hcl:"full_commit,optional"`
	Tracing       bool   `hcl:"tracing,optional"`
	IDFormat      string `hcl:"id_format,optional"`

	JWT *JWT `hcl:"jwt,block"`
}

// JWT configures signed bearer tokens.
type JWT struct {
	Secret  string   `hcl:"secret"`
	Subject string   `hcl:"subject"`
	Roles   []string `hcl:"roles,optional"`
	KeyID   string   `hcl:"kid,optional"`
}

// Feed configures the follow command.
type Feed struct {
	Database    string `hcl:"database,optional"`
	Name        string `hcl:"name,optional"`
	Since       string `hcl:"since,optional"`
	Filter      string `hcl:"filter,optional"`
	Latency     string `hcl:"latency,optional"`
	Heartbeat   string `hcl:"heartbeat,optional"`
	IncludeDocs bool   `hcl:"include_docs,optional"`
}

// Checkpoint configures the checkpoint store.
type Checkpoint struct {
	Driver string `hcl:"driver,optional"`
	DSN    string `hcl:"dsn,optional"`
}

// Relay configures the Kafka relay.
type Relay struct {
	Brokers []string `hcl:"brokers,optional"`
	Topic   string   `hcl:"topic,optional"`
}

// Default returns a configuration with every block present.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		CouchDB: &CouchDB{
			URL:      couch.DefaultConfig().BaseURL,
			IDFormat: IDFormatServer,
		},
		Feed: &Feed{
			Latency:   couch.DefaultFeedLatency.String(),
			Heartbeat: couch.DefaultFeedHeartbeat.String(),
		},
		Checkpoint: &Checkpoint{
			Driver: checkpoint.DriverSQLite,
		},
		Relay: &Relay{},
	}
}

// Load reads the HCL file at path from fs, applies environment overrides and
// validates the result. An empty path yields the defaults plus environment
// overrides.
func Load(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		src, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
		var file Config
		if err := hclsimple.Decode(path, src, nil, &file); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file: %w", err)
		}
		cfg.merge(&file)
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// merge copies the blocks present in file over the defaults, keeping the
// default for every attribute the file leaves empty.
func (c *Config) merge(file *Config) {
	if file.LogLevel != "" {
		c.LogLevel = file.LogLevel
	}
	if f := file.CouchDB; f != nil {
		if f.URL == "" {
			f.URL = c.CouchDB.URL
		}
		if f.IDFormat == "" {
			f.IDFormat = c.CouchDB.IDFormat
		}
		c.CouchDB = f
	}
	if f := file.Feed; f != nil {
		if f.Latency == "" {
			f.Latency = c.Feed.Latency
		}
		if f.Heartbeat == "" {
			f.Heartbeat = c.Feed.Heartbeat
		}
		c.Feed = f
	}
	if f := file.Checkpoint; f != nil {
		if f.Driver == "" {
			f.Driver = c.Checkpoint.Driver
		}
		c.Checkpoint = f
	}
	if file.Relay != nil {
		c.Relay = file.Relay
	}
}

func duration(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := time.ParseDuration(s); err != nil {
		return fmt.Errorf("must be a duration like \"500ms\" or \"1m\"")
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.LogLevel, validation.In("trace", "debug", "info", "warn", "error", "off")),
	)
	if err != nil {
		return err
	}
	err = validation.ValidateStruct(c.CouchDB,
		validation.Field(&c.CouchDB.URL, validation.Required),
		validation.Field(&c.CouchDB.Timeout, validation.By(duration)),
		validation.Field(&c.CouchDB.RetryDelay, validation.By(duration)),
		validation.Field(&c.CouchDB.UUIDBatchSize, validation.Min(0)),
		validation.Field(&c.CouchDB.IDFormat, validation.In(IDFormatServer, IDFormatUUID, IDFormatULID)),
	)
	if err != nil {
		return fmt.Errorf("couchdb: %w", err)
	}
	err = validation.ValidateStruct(c.Feed,
		validation.Field(&c.Feed.Latency, validation.By(duration)),
		validation.Field(&c.Feed.Heartbeat, validation.By(duration)),
	)
	if err != nil {
		return fmt.Errorf("feed: %w", err)
	}
	err = validation.ValidateStruct(c.Checkpoint,
		validation.Field(&c.Checkpoint.Driver, validation.In(checkpoint.DriverSQLite, checkpoint.DriverPostgres)),
		validation.Field(&c.Checkpoint.DSN, validation.When(c.Checkpoint.Driver == checkpoint.DriverPostgres, validation.Required)),
	)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	err = validation.ValidateStruct(c.Relay,
		validation.Field(&c.Relay.Topic, validation.When(len(c.Relay.Brokers) > 0, validation.Required)),
	)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}

// ClientConfig converts the couchdb block into a couch.Config.
func (c *CouchDB) ClientConfig(log hclog.Logger) (*couch.Config, error) {
	cfg := &couch.Config{
		BaseURL:       c.URL,
		Username:      c.Username,
		Password:      c.Password,
		AuthToken:     c.AuthToken,
		TLSVerify:     c.TLSVerify,
		UUIDBatchSize: c.UUIDBatchSize,
		FullCommit:    c.FullCommit,
		Tracing:       c.Tracing,
		Logger:        log,
		MaxRetries:    couch.DefaultConfig().MaxRetries,
	}
	if c.MaxRetries != nil {
		cfg.MaxRetries = *c.MaxRetries
	}
	var err error
	if cfg.Timeout, err = parseDuration(c.Timeout); err != nil {
		return nil, fmt.Errorf("couchdb.timeout: %w", err)
	}
	if cfg.RetryDelay, err = parseDuration(c.RetryDelay); err != nil {
		return nil, fmt.Errorf("couchdb.retry_delay: %w", err)
	}
	if c.JWT != nil {
		cfg.JWT = &couch.JWTConfig{
			Secret:  c.JWT.Secret,
			Subject: c.JWT.Subject,
			Roles:   c.JWT.Roles,
			KeyID:   c.JWT.KeyID,
		}
	}
	return cfg, nil
}

// IDSource returns the identifier source selected by id_format, or nil for
// the server's /_uuids endpoint.
func (c *CouchDB) IDSource() couch.IDSource {
	switch strings.ToLower(c.IDFormat) {
	case IDFormatUUID, IDFormatULID:
		return &couch.LocalIDSource{Format: strings.ToLower(c.IDFormat)}
	default:
		return nil
	}
}

// Options converts the feed block into couch.FeedOptions.
func (f *Feed) Options() (*couch.FeedOptions, error) {
	opts := couch.DefaultFeedOptions()
	opts.Since = couch.Seq(f.Since)
	opts.Filter = f.Filter
	opts.IncludeDocs = f.IncludeDocs

	var err error
	if f.Latency != "" {
		if opts.Latency, err = time.ParseDuration(f.Latency); err != nil {
			return nil, fmt.Errorf("feed.latency: %w", err)
		}
	}
	if f.Heartbeat != "" {
		if opts.Heartbeat, err = time.ParseDuration(f.Heartbeat); err != nil {
			return nil, fmt.Errorf("feed.heartbeat: %w", err)
		}
	}
	return opts, nil
}

// StoreConfig converts the checkpoint block into a checkpoint.Config.
func (c *Checkpoint) StoreConfig() checkpoint.Config {
	return checkpoint.Config{
		Driver: c.Driver,
		DSN:    c.DSN,
	}
}

// Enabled reports whether a relay is configured.
func (r *Relay) Enabled() bool {
	return len(r.Brokers) > 0
}

// RelayConfig converts the relay block into a relay.Config.
func (r *Relay) RelayConfig(database string, log hclog.Logger) relay.Config {
	return relay.Config{
		Brokers:  r.Brokers,
		Topic:    r.Topic,
		Database: database,
		Logger:   log,
	}
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
