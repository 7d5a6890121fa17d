package couch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
)

const defaultContentType = "application/octet-stream"

// PutAttachment creates or replaces the named attachment of doc. A document
// without _rev is created. On success doc receives the new _rev and a stub
// for the attachment. An empty contentType is guessed from the name.
func (db *Database) PutAttachment(ctx context.Context, doc *Document, name, contentType string, data io.Reader) error {
	if doc == nil || !doc.HasID() {
		return fmt.Errorf("%w: attachment requires a document _id", ErrInvalidDocument)
	}
	if name == "" {
		return fmt.Errorf("%w: empty attachment name", ErrInvalidOptions)
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(name))
	}
	if contentType == "" {
		contentType = defaultContentType
	}

	var query url.Values
	if rev := doc.Rev(); rev != "" {
		query = url.Values{"rev": {rev}}
	}
	resp, err := db.transport.Request(ctx, &Request{
		Method: http.MethodPut,
		Path:   append(docPath(db.name, doc.ID()), name),
		Query:  query,
		Body:   data,
		Header: http.Header{"Content-Type": {contentType}},
	})
	if err != nil {
		return err
	}
	var result writeResult
	if err := resp.Decode(&result); err != nil {
		return err
	}

	doc.SetRev(result.Rev)
	if err := doc.SetAttachment(name, &Attachment{ContentType: contentType, Stub: true}); err != nil {
		return err
	}
	db.logger.Debug("put attachment", "id", doc.ID(), "name", name, "rev", result.Rev)
	return nil
}

// GetAttachment returns the raw content of an attachment and its content
// type.
func (db *Database) GetAttachment(ctx context.Context, id, name string) ([]byte, string, error) {
	if id == "" || name == "" {
		return nil, "", fmt.Errorf("%w: attachment requires an id and a name", ErrInvalidOptions)
	}
	resp, err := db.transport.Request(ctx, &Request{
		Method: http.MethodGet,
		Path:   append(docPath(db.name, id), name),
		Header: http.Header{"Accept": {"*/*"}},
	})
	if err != nil {
		return nil, "", err
	}
	contentType := defaultContentType
	if resp.Header != nil && resp.Header.Get("Content-Type") != "" {
		contentType = resp.Header.Get("Content-Type")
	}
	return resp.Body, contentType, nil
}

// DeleteAttachment removes the named attachment from doc, which must carry
// _id and _rev. On success doc receives the new _rev and loses the stub.
func (db *Database) DeleteAttachment(ctx context.Context, doc *Document, name string) error {
	if doc == nil || !doc.HasID() || doc.Rev() == "" {
		return fmt.Errorf("%w: attachment delete requires _id and _rev", ErrInvalidDocument)
	}
	resp, err := db.transport.Request(ctx, &Request{
		Method: http.MethodDelete,
		Path:   append(docPath(db.name, doc.ID()), name),
		Query:  url.Values{"rev": {doc.Rev()}},
	})
	if err != nil {
		return err
	}
	var result writeResult
	if err := resp.Decode(&result); err != nil {
		return err
	}

	doc.SetRev(result.Rev)
	atts, err := doc.Attachments()
	if err != nil {
		return err
	}
	delete(atts, name)
	if len(atts) == 0 {
		doc.Delete(FieldAttachments)
	} else {
		doc.Set(FieldAttachments, atts)
	}
	return nil
}
