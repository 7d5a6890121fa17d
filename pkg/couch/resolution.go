package couch

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Conflict is a document whose last write attempt was rejected.
type Conflict struct {
	ID     string
	Doc    *Document // the document that was last submitted
	Error  string    // error code from the server, e.g. "conflict"
	Reason string

	// Server is the server's copy as of the last recovery attempt. After
	// Overwrite it holds only _id and _rev. It is nil before any recovery
	// and when the document no longer exists on the server.
	Server *Document
}

// Resolution reports the outcome of a write. Every submitted document is
// either resolved or pending, never both. Entries only move from pending
// to resolved.
//
// A Resolution is not safe for concurrent use.
type Resolution struct {
	db *Database

	pending      map[string]*Conflict
	pendingOrder []string

	resolved      map[string]*Document
	resolvedOrder []string
}

func newResolution(db *Database) *Resolution {
	return &Resolution{
		db:       db,
		pending:  make(map[string]*Conflict),
		resolved: make(map[string]*Document),
	}
}

// reflect applies positional write results to docs.
func (r *Resolution) reflect(results []writeResult, docs []*Document) {
	for i, result := range results {
		doc := docs[i]
		id := result.ID
		if id == "" {
			id = doc.ID()
		}

		if result.Error == "" {
			doc.SetID(id)
			if result.Rev != "" {
				doc.SetRev(result.Rev)
			}
			if _, ok := r.pending[id]; ok {
				delete(r.pending, id)
				r.pendingOrder = removeID(r.pendingOrder, id)
			}
			if _, ok := r.resolved[id]; !ok {
				r.resolvedOrder = append(r.resolvedOrder, id)
			}
			r.resolved[id] = doc
			continue
		}

		if _, ok := r.resolved[id]; ok {
			delete(r.resolved, id)
			r.resolvedOrder = removeID(r.resolvedOrder, id)
		}
		c, ok := r.pending[id]
		if !ok {
			c = &Conflict{ID: id}
			r.pending[id] = c
			r.pendingOrder = append(r.pendingOrder, id)
		}
		c.Doc = doc
		c.Error = result.Error
		c.Reason = result.Reason
	}
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// recover applies the automatic recovery policy of opts, if any.
func (r *Resolution) recover(ctx context.Context, opts SaveOptions) error {
	if !r.HasConflicts() {
		return nil
	}
	switch {
	case opts.Force:
		_, err := r.Overwrite(ctx)
		return err
	case opts.Merge != nil:
		_, err := r.Resolve(ctx, opts.Merge)
		return err
	}
	return nil
}

// Pending returns the unresolved conflicts in the order they first failed.
func (r *Resolution) Pending() []*Conflict {
	out := make([]*Conflict, len(r.pendingOrder))
	for i, id := range r.pendingOrder {
		out[i] = r.pending[id]
	}
	return out
}

// PendingIDs returns the ids of the unresolved conflicts.
func (r *Resolution) PendingIDs() []string {
	out := make([]string, len(r.pendingOrder))
	copy(out, r.pendingOrder)
	return out
}

// Conflict returns the pending entry for id.
func (r *Resolution) Conflict(id string) (*Conflict, bool) {
	c, ok := r.pending[id]
	return c, ok
}

// Resolved returns the successfully written documents in the order they were
// written.
func (r *Resolution) Resolved() []*Document {
	out := make([]*Document, len(r.resolvedOrder))
	for i, id := range r.resolvedOrder {
		out[i] = r.resolved[id]
	}
	return out
}

// ResolvedIDs returns the ids of the successfully written documents.
func (r *Resolution) ResolvedIDs() []string {
	out := make([]string, len(r.resolvedOrder))
	copy(out, r.resolvedOrder)
	return out
}

// Doc returns the resolved document with the given id.
func (r *Resolution) Doc(id string) (*Document, bool) {
	d, ok := r.resolved[id]
	return d, ok
}

// Len returns the number of documents accounted for.
func (r *Resolution) Len() int {
	return len(r.pending) + len(r.resolved)
}

// HasConflicts reports whether any document is still pending.
func (r *Resolution) HasConflicts() bool {
	return len(r.pending) > 0
}

// Overwrite resubmits every pending document in one bulk write against the
// server's current revision, keeping the local content. The pending
// documents only take the new revision once their write succeeds; on error
// they are left as they were. Another writer may win the race between the
// fetch and the write, in which case the document stays pending. Overwrite
// with nothing pending is a no-op.
func (r *Resolution) Overwrite(ctx context.Context) (*Resolution, error) {
	if !r.HasConflicts() {
		return r, nil
	}

	ids := r.PendingIDs()
	revs, err := r.db.currentRevs(ctx, ids)
	if err != nil {
		return r, fmt.Errorf("fetching revisions of %d conflicts: %w", len(ids), err)
	}

	sent := make([]*Document, len(ids))
	targets := make([]*Document, len(ids))
	for i, id := range ids {
		c := r.pending[id]
		doc := c.Doc.Clone()
		if revs[i] == "" {
			doc.ClearRev()
			c.Server = nil
		} else {
			doc.SetRev(revs[i])
			c.Server = DocumentFrom(map[string]interface{}{FieldID: id, FieldRev: revs[i]})
		}
		sent[i] = doc
		targets[i] = c.Doc
	}

	return r, r.submit(ctx, sent, targets)
}

// Resolve fetches the server copy of every pending document and calls merge
// with the local and server versions. Non-nil results are written in one
// bulk request using the server's revision; a nil result leaves the entry
// pending. Resolve can be called again if the write produced new conflicts.
func (r *Resolution) Resolve(ctx context.Context, merge MergeFunc) (*Resolution, error) {
	if merge == nil {
		return r, fmt.Errorf("%w: nil merge function", ErrInvalidOptions)
	}
	if !r.HasConflicts() {
		return r, nil
	}

	ids := r.PendingIDs()
	server, err := r.db.GetMany(ctx, ids)
	if err != nil {
		return r, fmt.Errorf("fetching %d conflicts: %w", len(ids), err)
	}

	var sent, winners []*Document
	for i, id := range ids {
		c := r.pending[id]
		c.Server = server[i]
		winner := merge(c.Doc, c.Server)
		if winner == nil {
			continue
		}
		doc := winner.Clone()
		doc.SetID(id)
		if c.Server != nil {
			doc.SetRev(c.Server.Rev())
		} else {
			doc.ClearRev()
		}
		sent = append(sent, doc)
		winners = append(winners, winner)
	}
	if len(winners) == 0 {
		return r, nil
	}
	if err := checkSerializable(sent...); err != nil {
		return r, err
	}

	return r, r.submit(ctx, sent, winners)
}

// submit writes sent and records each result against the document at the
// same position in targets.
func (r *Resolution) submit(ctx context.Context, sent, targets []*Document) error {
	results, err := r.db.bulkDocs(ctx, sent, false)
	if err != nil {
		return err
	}
	r.reflect(results, targets)
	r.db.logger.Debug("resubmitted conflicts",
		"submitted", len(sent),
		"pending", len(r.pending),
	)
	return nil
}

// OverwriteAsync runs Overwrite on its own goroutine.
func (r *Resolution) OverwriteAsync(ctx context.Context) *Future[*Resolution] {
	return Go(ctx, r.Overwrite)
}

// ResolveAsync runs Resolve on its own goroutine.
func (r *Resolution) ResolveAsync(ctx context.Context, merge MergeFunc) *Future[*Resolution] {
	return Go(ctx, func(ctx context.Context) (*Resolution, error) {
		return r.Resolve(ctx, merge)
	})
}

// Err returns one error per pending document, or nil if nothing is pending.
// Conflicts match ErrConflict.
func (r *Resolution) Err() error {
	var result *multierror.Error
	for _, c := range r.Pending() {
		if c.Error == "conflict" {
			result = multierror.Append(result, &ConflictError{ID: c.ID, Resolution: r})
			continue
		}
		msg := c.Error
		if c.Reason != "" {
			msg += ": " + c.Reason
		}
		result = multierror.Append(result, fmt.Errorf("document %q: %s", c.ID, msg))
	}
	return result.ErrorOrNil()
}

func (r *Resolution) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "resolved=%d pending=%d", len(r.resolved), len(r.pending))
	if len(r.pendingOrder) > 0 {
		b.WriteString(" [")
		for i, c := range r.Pending() {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s:%s", c.ID, c.Error)
		}
		b.WriteString("]")
	}
	return b.String()
}
