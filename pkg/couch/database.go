package couch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-hclog"
)

// Database is a handle on one database. Writes through the same handle
// share an identifier cache.
type Database struct {
	client    *Client
	name      string
	transport Transport
	ids       *IDCache
	logger    hclog.Logger
}

func newDatabase(c *Client, name string) *Database {
	logger := c.logger.With("db", name)
	return &Database{
		client:    c,
		name:      name,
		transport: c.transport,
		ids:       NewIDCache(c.ids, c.config.UUIDBatchSize, logger.Named("ids")),
		logger:    logger,
	}
}

// Name returns the database name.
func (db *Database) Name() string {
	return db.name
}

// Client returns the client the handle was created from.
func (db *Database) Client() *Client {
	return db.client
}

// IDs returns the handle's identifier cache.
func (db *Database) IDs() *IDCache {
	return db.ids
}

// DBInfo is the response of GET /{db}.
type DBInfo struct {
	DBName            string `json:"db_name"`
	DocCount          int64  `json:"doc_count"`
	DocDelCount       int64  `json:"doc_del_count"`
	UpdateSeq         Seq    `json:"update_seq"`
	PurgeSeq          Seq    `json:"purge_seq"`
	CompactRunning    bool   `json:"compact_running"`
	DiskSize          int64  `json:"disk_size,omitempty"`
	InstanceStartTime string `json:"instance_start_time,omitempty"`
}

// Info fetches database metadata.
func (db *Database) Info(ctx context.Context) (*DBInfo, error) {
	resp, err := db.transport.Request(ctx, &Request{
		Method: http.MethodGet,
		Path:   []string{db.name},
	})
	if err != nil {
		return nil, err
	}
	info := &DBInfo{}
	if err := resp.Decode(info); err != nil {
		return nil, err
	}
	return info, nil
}

// Exists reports whether the database exists on the server.
func (db *Database) Exists(ctx context.Context) (bool, error) {
	_, err := db.transport.Request(ctx, &Request{
		Method: http.MethodHead,
		Path:   []string{db.name},
	})
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get fetches the current revision of a document.
func (db *Database) Get(ctx context.Context, id string) (*Document, error) {
	return db.get(ctx, id, nil)
}

// GetRev fetches a specific revision of a document.
func (db *Database) GetRev(ctx context.Context, id, rev string) (*Document, error) {
	return db.get(ctx, id, url.Values{"rev": {rev}})
}

func (db *Database) get(ctx context.Context, id string, query url.Values) (*Document, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidDocument)
	}
	resp, err := db.transport.Request(ctx, &Request{
		Method: http.MethodGet,
		Path:   docPath(db.name, id),
		Query:  query,
	})
	if err != nil {
		return nil, err
	}
	doc, err := ParseDocument(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return doc, nil
}

type allDocsRow struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Error string `json:"error"`
	Value *struct {
		Rev     string `json:"rev"`
		Deleted bool   `json:"deleted"`
	} `json:"value"`
	Doc *Document `json:"doc"`
}

func (db *Database) allDocs(ctx context.Context, ids []string, includeDocs bool) ([]allDocsRow, error) {
	resp, err := db.transport.Request(ctx, &Request{
		Method:    http.MethodPost,
		Path:      []string{db.name, "_all_docs"},
		Query:     url.Values{"include_docs": {fmt.Sprint(includeDocs)}},
		Body:      map[string][]string{"keys": ids},
		Retryable: true,
	})
	if err != nil {
		return nil, err
	}
	var body struct {
		Rows []allDocsRow `json:"rows"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Rows) != len(ids) {
		return nil, fmt.Errorf("%w: requested %d rows, got %d", ErrProtocol, len(ids), len(body.Rows))
	}
	return body.Rows, nil
}

// GetMany fetches several documents in one request. The result is
// positional; missing and deleted documents are nil.
func (db *Database) GetMany(ctx context.Context, ids []string) ([]*Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.allDocs(ctx, ids, true)
	if err != nil {
		return nil, err
	}
	docs := make([]*Document, len(rows))
	for i, row := range rows {
		if row.Error != "" || row.Value == nil || row.Value.Deleted {
			continue
		}
		docs[i] = row.Doc
	}
	return docs, nil
}

// currentRevs returns the current revision of each id, or "" for missing and
// deleted documents.
func (db *Database) currentRevs(ctx context.Context, ids []string) ([]string, error) {
	rows, err := db.allDocs(ctx, ids, false)
	if err != nil {
		return nil, err
	}
	revs := make([]string, len(rows))
	for i, row := range rows {
		if row.Error != "" || row.Value == nil || row.Value.Deleted {
			continue
		}
		revs[i] = row.Value.Rev
	}
	return revs, nil
}

// Revisions returns the known revision history of a document, newest first.
func (db *Database) Revisions(ctx context.Context, id string) ([]string, error) {
	resp, err := db.transport.Request(ctx, &Request{
		Method: http.MethodGet,
		Path:   docPath(db.name, id),
		Query:  url.Values{"revs": {"true"}},
	})
	if err != nil {
		return nil, err
	}
	var body struct {
		Revisions struct {
			Start int      `json:"start"`
			IDs   []string `json:"ids"`
		} `json:"_revisions"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	history := make([]string, len(body.Revisions.IDs))
	for i, hash := range body.Revisions.IDs {
		history[i] = fmt.Sprintf("%d-%s", body.Revisions.Start-i, hash)
	}
	return history, nil
}

// Delete writes a tombstone for doc, which must carry _id and _rev. On
// success doc receives the tombstone's _rev and _deleted=true.
func (db *Database) Delete(ctx context.Context, doc *Document) error {
	if doc == nil || !doc.HasID() || doc.Rev() == "" {
		return fmt.Errorf("%w: delete requires _id and _rev", ErrInvalidDocument)
	}
	resp, err := db.transport.Request(ctx, &Request{
		Method: http.MethodDelete,
		Path:   docPath(db.name, doc.ID()),
		Query:  url.Values{"rev": {doc.Rev()}},
	})
	if err != nil {
		return err
	}
	var body writeResult
	if err := resp.Decode(&body); err != nil {
		return err
	}
	if body.Rev != "" {
		doc.SetRev(body.Rev)
	}
	doc.SetDeleted(true)
	db.logger.Debug("deleted document", "id", doc.ID(), "rev", body.Rev)
	return nil
}

// Compact starts compaction of the database, or of a design document's
// view index when ddoc is set.
func (db *Database) Compact(ctx context.Context, ddoc string) error {
	path := []string{db.name, "_compact"}
	if ddoc != "" {
		path = append(path, ddoc)
	}
	_, err := db.transport.Request(ctx, &Request{
		Method: http.MethodPost,
		Path:   path,
		Body:   json.RawMessage("{}"),
	})
	return err
}

// Commit asks the server to flush delayed commits to disk.
func (db *Database) Commit(ctx context.Context) error {
	_, err := db.transport.Request(ctx, &Request{
		Method: http.MethodPost,
		Path:   []string{db.name, "_ensure_full_commit"},
		Body:   json.RawMessage("{}"),
	})
	return err
}

// PurgeResult is the response of POST /{db}/_purge.
type PurgeResult struct {
	PurgeSeq Seq                 `json:"purge_seq"`
	Purged   map[string][]string `json:"purged"`
}

// Purge removes the given revisions permanently. Purged documents leave no
// tombstone and are not replicated.
func (db *Database) Purge(ctx context.Context, docs []*Document) (*PurgeResult, error) {
	body := make(map[string][]string, len(docs))
	for _, doc := range docs {
		if doc == nil || !doc.HasID() || doc.Rev() == "" {
			return nil, fmt.Errorf("%w: purge requires _id and _rev", ErrInvalidDocument)
		}
		body[doc.ID()] = append(body[doc.ID()], doc.Rev())
	}
	resp, err := db.transport.Request(ctx, &Request{
		Method: http.MethodPost,
		Path:   []string{db.name, "_purge"},
		Body:   body,
	})
	if err != nil {
		return nil, err
	}
	result := &PurgeResult{}
	if err := resp.Decode(result); err != nil {
		return nil, err
	}
	return result, nil
}

// Copy duplicates the document srcID under dstID on the server, attachments
// included. Overwriting an existing destination requires its current
// revision in dstRev. Copy returns the destination's new revision.
func (db *Database) Copy(ctx context.Context, srcID, dstID, dstRev string) (string, error) {
	if srcID == "" || dstID == "" {
		return "", fmt.Errorf("%w: copy requires source and destination ids", ErrInvalidDocument)
	}
	dest := (&Request{Path: docPath("", dstID)[1:]}).EscapedPath()[1:]
	if dstRev != "" {
		dest += "?" + url.Values{"rev": {dstRev}}.Encode()
	}
	resp, err := db.transport.Request(ctx, &Request{
		Method: "COPY",
		Path:   docPath(db.name, srcID),
		Header: http.Header{"Destination": {dest}},
	})
	if err != nil {
		return "", err
	}
	var result writeResult
	if err := resp.Decode(&result); err != nil {
		return "", err
	}
	db.logger.Debug("copied document", "src", srcID, "dst", dstID, "rev", result.Rev)
	return result.Rev, nil
}

// SecurityGroup lists the users and roles of one _security section.
type SecurityGroup struct {
	Names []string `json:"names,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// Security is a database's _security object.
type Security struct {
	Admins  SecurityGroup `json:"admins"`
	Members SecurityGroup `json:"members"`
}

// Security fetches the database's _security object.
func (db *Database) Security(ctx context.Context) (*Security, error) {
	resp, err := db.transport.Request(ctx, &Request{
		Method: http.MethodGet,
		Path:   []string{db.name, "_security"},
	})
	if err != nil {
		return nil, err
	}
	sec := &Security{}
	if err := resp.Decode(sec); err != nil {
		return nil, err
	}
	return sec, nil
}

// SetSecurity replaces the database's _security object.
func (db *Database) SetSecurity(ctx context.Context, sec *Security) error {
	if sec == nil {
		return fmt.Errorf("%w: nil security object", ErrInvalidOptions)
	}
	_, err := db.transport.Request(ctx, &Request{
		Method: http.MethodPut,
		Path:   []string{db.name, "_security"},
		Body:   sec,
	})
	if err != nil {
		return err
	}
	db.logger.Info("updated security", "admins", sec.Admins.Names, "members", sec.Members.Names)
	return nil
}

// Cleanup removes view index files no longer referenced by a design
// document.
func (db *Database) Cleanup(ctx context.Context) error {
	_, err := db.transport.Request(ctx, &Request{
		Method: http.MethodPost,
		Path:   []string{db.name, "_view_cleanup"},
		Body:   json.RawMessage("{}"),
	})
	return err
}
