package couch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ReplicateOptions tune a replication request.
type ReplicateOptions struct {
	// ID stores the replication as a document in _replicator instead of
	// running it through _replicate.
	ID string

	Cancel       bool
	Continuous   bool
	CreateTarget bool
	DocIDs       []string
	Proxy        string
	Filter       string
}

type replicationRequest struct {
	ID           string   `json:"_id,omitempty"`
	Source       string   `json:"source"`
	Target       string   `json:"target"`
	Cancel       bool     `json:"cancel,omitempty"`
	Continuous   bool     `json:"continuous,omitempty"`
	CreateTarget bool     `json:"create_target,omitempty"`
	DocIDs       []string `json:"doc_ids,omitempty"`
	Proxy        string   `json:"proxy,omitempty"`
	Filter       string   `json:"filter,omitempty"`
}

// ReplicationHistory is one session entry of a finished replication.
type ReplicationHistory struct {
	SessionID        string `json:"session_id"`
	StartTime        string `json:"start_time"`
	EndTime          string `json:"end_time"`
	DocsRead         int64  `json:"docs_read"`
	DocsWritten      int64  `json:"docs_written"`
	DocWriteFailures int64  `json:"doc_write_failures"`
}

// ReplicationResult is the server's answer to a replication request.
// One-shot replications fill History; continuous ones and cancellations
// report LocalID. Replications stored in _replicator report the document's
// ID and Rev.
type ReplicationResult struct {
	OK            bool                 `json:"ok"`
	ID            string               `json:"id,omitempty"`
	Rev           string               `json:"rev,omitempty"`
	LocalID       string               `json:"_local_id,omitempty"`
	SessionID     string               `json:"session_id,omitempty"`
	NoChanges     bool                 `json:"no_changes,omitempty"`
	SourceLastSeq Seq                  `json:"source_last_seq,omitempty"`
	History       []ReplicationHistory `json:"history,omitempty"`
}

// Endpoint returns the URL the server's replicator uses to reach the named
// database on this server. Basic credentials from the config are embedded
// in the URL.
func (c *Client) Endpoint(name string) (string, error) {
	if err := ValidateDBName(name); err != nil {
		return "", err
	}
	u, err := url.Parse(strings.TrimRight(c.config.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid base_url: %w", err)
	}
	if c.config.Username != "" {
		u.User = url.UserPassword(c.config.Username, c.config.Password)
	}
	u.RawPath = u.EscapedPath() + "/" + url.PathEscape(name)
	u.Path += "/" + name
	return u.String(), nil
}

// resolveEndpoint leaves URLs alone and maps bare names to databases on
// this server.
func (c *Client) resolveEndpoint(endpoint string) (string, error) {
	if strings.Contains(endpoint, "://") {
		return endpoint, nil
	}
	return c.Endpoint(endpoint)
}

// Replicate asks the server to replicate source into target. Each of them
// is either a full URL or the name of a database on this server.
func (c *Client) Replicate(ctx context.Context, source, target string, opts ReplicateOptions) (*ReplicationResult, error) {
	src, err := c.resolveEndpoint(source)
	if err != nil {
		return nil, err
	}
	dst, err := c.resolveEndpoint(target)
	if err != nil {
		return nil, err
	}

	path := []string{"_replicate"}
	if opts.ID != "" {
		path = []string{"_replicator"}
	}
	resp, err := c.transport.Request(ctx, &Request{
		Method: http.MethodPost,
		Path:   path,
		Body: replicationRequest{
			ID:           opts.ID,
			Source:       src,
			Target:       dst,
			Cancel:       opts.Cancel,
			Continuous:   opts.Continuous,
			CreateTarget: opts.CreateTarget,
			DocIDs:       opts.DocIDs,
			Proxy:        opts.Proxy,
			Filter:       opts.Filter,
		},
	})
	if err != nil {
		return nil, err
	}
	result := &ReplicationResult{}
	if err := resp.Decode(result); err != nil {
		return nil, err
	}
	c.logger.Info("replication requested",
		"source", redact(src),
		"target", redact(dst),
		"continuous", opts.Continuous,
		"cancel", opts.Cancel,
	)
	return result, nil
}

// Push replicates this database into target.
func (db *Database) Push(ctx context.Context, target string, opts ReplicateOptions) (*ReplicationResult, error) {
	return db.client.Replicate(ctx, db.name, target, opts)
}

// Pull replicates source into this database.
func (db *Database) Pull(ctx context.Context, source string, opts ReplicateOptions) (*ReplicationResult, error) {
	return db.client.Replicate(ctx, source, db.name, opts)
}

func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	return u.Redacted()
}
