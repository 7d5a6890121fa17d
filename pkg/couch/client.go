package couch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/hashicorp/go-hclog"
)

var validDBName = regexp.MustCompile(`^[a-z][a-z0-9_$()+/-]*$`)

var specialDBNames = map[string]bool{
	"_users":      true,
	"_replicator": true,
}

// ValidateDBName returns ErrInvalidName unless name is acceptable to the
// server as a database name.
func ValidateDBName(name string) error {
	if specialDBNames[name] || validDBName.MatchString(name) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidName, name)
}

// Client is a handle on one server.
type Client struct {
	config    *Config
	transport Transport
	ids       IDSource
	logger    hclog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithTransport replaces the default HTTPTransport.
func WithTransport(t Transport) Option {
	return func(c *Client) {
		c.transport = t
	}
}

// WithIDSource replaces the server's /_uuids endpoint as the source of
// document ids for orphan saves.
func WithIDSource(src IDSource) Option {
	return func(c *Client) {
		c.ids = src
	}
}

// New creates a client. A nil cfg means DefaultConfig.
func New(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.applyDefaults()

	c := &Client{
		config: cfg,
		logger: cfg.Logger.Named("couch"),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.transport == nil {
		t, err := NewHTTPTransport(cfg)
		if err != nil {
			return nil, err
		}
		c.transport = t
	}
	if c.ids == nil {
		c.ids = &ServerIDSource{Transport: c.transport}
	}
	return c, nil
}

// Transport returns the transport the client sends requests through.
func (c *Client) Transport() Transport {
	return c.transport
}

// DB returns a handle on the named database without contacting the server.
func (c *Client) DB(name string) (*Database, error) {
	if err := ValidateDBName(name); err != nil {
		return nil, err
	}
	return newDatabase(c, name), nil
}

// CreateDB creates a database. It fails with ErrPreconditionFailed if the
// database already exists.
func (c *Client) CreateDB(ctx context.Context, name string) (*Database, error) {
	db, err := c.DB(name)
	if err != nil {
		return nil, err
	}
	_, err = c.transport.Request(ctx, &Request{
		Method: http.MethodPut,
		Path:   []string{name},
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("created database", "db", name)
	return db, nil
}

// EnsureDB returns a handle on the named database, creating it if it does
// not exist yet.
func (c *Client) EnsureDB(ctx context.Context, name string) (*Database, error) {
	db, err := c.DB(name)
	if err != nil {
		return nil, err
	}
	exists, err := db.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if exists {
		return db, nil
	}
	db, err = c.CreateDB(ctx, name)
	if errors.Is(err, ErrPreconditionFailed) {
		// Created concurrently.
		return c.DB(name)
	}
	return db, err
}

// DeleteDB deletes a database and all of its documents.
func (c *Client) DeleteDB(ctx context.Context, name string) error {
	if err := ValidateDBName(name); err != nil {
		return err
	}
	_, err := c.transport.Request(ctx, &Request{
		Method: http.MethodDelete,
		Path:   []string{name},
	})
	if err != nil {
		return err
	}
	c.logger.Info("deleted database", "db", name)
	return nil
}

// HasDB reports whether the named database exists.
func (c *Client) HasDB(ctx context.Context, name string) (bool, error) {
	db, err := c.DB(name)
	if err != nil {
		return false, err
	}
	return db.Exists(ctx)
}

// AllDBs lists the databases on the server.
func (c *Client) AllDBs(ctx context.Context) ([]string, error) {
	resp, err := c.transport.Request(ctx, &Request{
		Method: http.MethodGet,
		Path:   []string{"_all_dbs"},
	})
	if err != nil {
		return nil, err
	}
	var names []string
	if err := resp.Decode(&names); err != nil {
		return nil, err
	}
	return names, nil
}

// UUIDs fetches count fresh identifiers from the server.
func (c *Client) UUIDs(ctx context.Context, count int) ([]string, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: count must be positive, got %d", ErrInvalidOptions, count)
	}
	src := &ServerIDSource{Transport: c.transport}
	return src.NewIDs(ctx, count)
}

// Version returns the server's version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	resp, err := c.transport.Request(ctx, &Request{
		Method: http.MethodGet,
	})
	if err != nil {
		return "", err
	}
	var body struct {
		Version string `json:"version"`
	}
	if err := resp.Decode(&body); err != nil {
		return "", err
	}
	return body.Version, nil
}

// ActiveTasks lists the tasks the server is running, such as compactions,
// indexing and replications. Each task is returned as reported.
func (c *Client) ActiveTasks(ctx context.Context) ([]map[string]interface{}, error) {
	resp, err := c.transport.Request(ctx, &Request{
		Method: http.MethodGet,
		Path:   []string{"_active_tasks"},
	})
	if err != nil {
		return nil, err
	}
	var tasks []map[string]interface{}
	if err := resp.Decode(&tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Stats fetches the local node's statistics. A name such as
// "httpd/requests" narrows the result to one group or metric.
func (c *Client) Stats(ctx context.Context, name string) (map[string]interface{}, error) {
	path := []string{"_node", "_local", "_stats"}
	if name != "" {
		path = append(path, strings.Split(strings.Trim(name, "/"), "/")...)
	}
	resp, err := c.transport.Request(ctx, &Request{
		Method: http.MethodGet,
		Path:   path,
	})
	if err != nil {
		return nil, err
	}
	var stats map[string]interface{}
	if err := resp.Decode(&stats); err != nil {
		return nil, err
	}
	return stats, nil
}
