package couch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// MergeFunc decides how a conflicted document is written. local is the
// document that was rejected; server is the current server copy, or nil if
// the document was deleted or purged. Returning nil leaves the conflict
// pending.
type MergeFunc func(local, server *Document) *Document

// SaveOptions control a write.
type SaveOptions struct {
	// Force overwrites conflicting server revisions with the local content.
	Force bool

	// Merge resolves conflicts through a caller-supplied function. Cannot be
	// combined with Force.
	Merge MergeFunc

	// Batch asks the server to defer the write to disk (batch=ok). The
	// response carries no revision, so the local _rev is left unchanged.
	// Only used by single-document saves.
	Batch bool

	// AllOrNothing makes a bulk save atomic (all_or_nothing=true). Only used
	// by bulk saves.
	AllOrNothing bool
}

func (o SaveOptions) validate() error {
	if o.Force && o.Merge != nil {
		return fmt.Errorf("%w: force and merge are mutually exclusive", ErrInvalidOptions)
	}
	return nil
}

// writeResult is one entry of a write response.
type writeResult struct {
	OK     bool   `json:"ok,omitempty"`
	ID     string `json:"id"`
	Rev    string `json:"rev,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func checkSerializable(docs ...*Document) error {
	for _, doc := range docs {
		if doc == nil {
			return fmt.Errorf("%w: nil document", ErrInvalidDocument)
		}
		if _, err := json.Marshal(doc); err != nil {
			return fmt.Errorf("%w: %v", ErrNotSerializable, err)
		}
	}
	return nil
}

// Save writes one document. A document without _id is given one from the
// identifier cache first. On success doc carries the new _id and _rev.
//
// A revision conflict that is still pending after any Force or Merge
// recovery is returned as a *ConflictError together with the Resolution.
// Other failures return a nil Resolution.
func (db *Database) Save(ctx context.Context, doc *Document, opts SaveOptions) (*Resolution, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := checkSerializable(doc); err != nil {
		return nil, err
	}
	if !doc.HasID() {
		ids, err := db.ids.Acquire(ctx, 1)
		if err != nil {
			return nil, err
		}
		doc.SetID(ids[0])
	}

	req := &Request{
		Method: http.MethodPut,
		Path:   docPath(db.name, doc.ID()),
		Body:   doc,
	}
	if opts.Batch {
		req.Query = url.Values{"batch": {"ok"}}
	}

	res := newResolution(db)
	resp, err := db.transport.Request(ctx, req)
	if err != nil {
		var e *Error
		if !IsConflict(err) || !errors.As(err, &e) {
			return nil, err
		}
		code := e.Code
		if code == "" {
			code = "conflict"
		}
		res.reflect([]writeResult{{ID: doc.ID(), Error: code, Reason: e.Reason}}, []*Document{doc})
		db.logger.Debug("save conflicted", "id", doc.ID(), "rev", doc.Rev())
	} else {
		var result writeResult
		if err := resp.Decode(&result); err != nil {
			return nil, err
		}
		if result.ID == "" {
			result.ID = doc.ID()
		}
		res.reflect([]writeResult{result}, []*Document{doc})
	}

	if err := res.recover(ctx, opts); err != nil {
		return res, err
	}
	if c, ok := res.Conflict(doc.ID()); ok {
		return res, &ConflictError{ID: c.ID, Resolution: res}
	}
	return res, nil
}

// SaveAsync runs Save on its own goroutine.
func (db *Database) SaveAsync(ctx context.Context, doc *Document, opts SaveOptions) *Future[*Resolution] {
	return Go(ctx, func(ctx context.Context) (*Resolution, error) {
		return db.Save(ctx, doc, opts)
	})
}

// SaveAll writes several documents in one bulk request. Orphan documents
// receive ids from a single cache acquisition. Conflicts are reported in the
// returned Resolution, never as an error.
func (db *Database) SaveAll(ctx context.Context, docs []*Document, opts SaveOptions) (*Resolution, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := checkSerializable(docs...); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(docs))
	seenDocs := make(map[*Document]bool, len(docs))
	var orphans []*Document
	for _, doc := range docs {
		if seenDocs[doc] {
			return nil, fmt.Errorf("%w: document listed twice", ErrDuplicateID)
		}
		seenDocs[doc] = true
		if !doc.HasID() {
			orphans = append(orphans, doc)
			continue
		}
		if seen[doc.ID()] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateID, doc.ID())
		}
		seen[doc.ID()] = true
	}

	res := newResolution(db)
	if len(docs) == 0 {
		return res, nil
	}

	if len(orphans) > 0 {
		ids, err := db.ids.Acquire(ctx, len(orphans))
		if err != nil {
			return nil, err
		}
		for i, doc := range orphans {
			doc.SetID(ids[i])
		}
	}

	results, err := db.bulkDocs(ctx, docs, opts.AllOrNothing)
	if err != nil {
		return nil, err
	}
	res.reflect(results, docs)

	if err := res.recover(ctx, opts); err != nil {
		return res, err
	}
	return res, nil
}

// SaveAllAsync runs SaveAll on its own goroutine.
func (db *Database) SaveAllAsync(ctx context.Context, docs []*Document, opts SaveOptions) *Future[*Resolution] {
	return Go(ctx, func(ctx context.Context) (*Resolution, error) {
		return db.SaveAll(ctx, docs, opts)
	})
}

// bulkDocs posts docs to _bulk_docs and returns the positional results.
func (db *Database) bulkDocs(ctx context.Context, docs []*Document, allOrNothing bool) ([]writeResult, error) {
	body := struct {
		Docs         []*Document `json:"docs"`
		AllOrNothing bool        `json:"all_or_nothing,omitempty"`
	}{docs, allOrNothing}

	resp, err := db.transport.Request(ctx, &Request{
		Method: http.MethodPost,
		Path:   []string{db.name, "_bulk_docs"},
		Body:   body,
	})
	if err != nil {
		return nil, err
	}
	var results []writeResult
	if err := resp.Decode(&results); err != nil {
		return nil, err
	}
	if len(results) != len(docs) {
		return nil, fmt.Errorf("%w: submitted %d documents, got %d results", ErrProtocol, len(docs), len(results))
	}
	return results, nil
}
