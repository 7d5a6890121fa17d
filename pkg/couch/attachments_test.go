package couch

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/corduroy/pkg/couch/couchtest"
)

func TestAttachmentLifecycle(t *testing.T) {
	srv, db := newTestDB(t)
	ctx := context.Background()

	d := doc("_id", "report", "title", "q3")
	_, err := db.Save(ctx, d, SaveOptions{})
	require.NoError(t, err)
	rev := d.Rev()

	require.NoError(t, db.PutAttachment(ctx, d, "notes.txt", "", strings.NewReader("hello")))
	assert.NotEqual(t, rev, d.Rev())
	assert.Equal(t, srv.Rev("test", "report"), d.Rev())

	atts, err := d.Attachments()
	require.NoError(t, err)
	require.Contains(t, atts, "notes.txt")
	assert.True(t, atts["notes.txt"].Stub)
	assert.Equal(t, "text/plain; charset=utf-8", atts["notes.txt"].ContentType)

	data, ct, err := db.GetAttachment(ctx, "report", "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "text/plain; charset=utf-8", ct)

	// A stub written back with the document keeps the attachment.
	d.Set("title", "q4")
	_, err = db.Save(ctx, d, SaveOptions{})
	require.NoError(t, err)
	data, _, err = db.GetAttachment(ctx, "report", "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	got, err := db.Get(ctx, "report")
	require.NoError(t, err)
	atts, err = got.Attachments()
	require.NoError(t, err)
	require.Contains(t, atts, "notes.txt")
	assert.Equal(t, int64(5), atts["notes.txt"].Length)

	require.NoError(t, db.DeleteAttachment(ctx, d, "notes.txt"))
	assert.Equal(t, srv.Rev("test", "report"), d.Rev())
	_, ok := d.Get(FieldAttachments)
	assert.False(t, ok, "the last stub removes the field")

	_, _, err = db.GetAttachment(ctx, "report", "notes.txt")
	assert.True(t, IsNotFound(err))
	assert.Equal(t, "q4", srv.Doc("test", "report")["title"])
}

func TestPutAttachmentCreatesDocument(t *testing.T) {
	srv, db := newTestDB(t)
	ctx := context.Background()

	d := doc("_id", "blob")
	require.NoError(t, db.PutAttachment(ctx, d, "raw", "", strings.NewReader("\x00\x01")))
	assert.Equal(t, srv.Rev("test", "blob"), d.Rev())

	data, ct, err := db.GetAttachment(ctx, "blob", "raw")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1}, data)
	assert.Equal(t, "application/octet-stream", ct)
}

func TestAttachmentErrors(t *testing.T) {
	srv, db := newTestDB(t)
	ctx := context.Background()
	srv.Put("test", map[string]interface{}{"_id": "a"})
	srv.ResetCounts()

	tests := []struct {
		name  string
		run   func() error
		check func(t *testing.T, err error)
	}{
		{
			name:  "put without id",
			run:   func() error { return db.PutAttachment(ctx, doc(), "x", "", strings.NewReader("")) },
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrInvalidDocument) },
		},
		{
			name:  "put without name",
			run:   func() error { return db.PutAttachment(ctx, doc("_id", "a"), "", "", strings.NewReader("")) },
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrInvalidOptions) },
		},
		{
			name: "get without name",
			run: func() error {
				_, _, err := db.GetAttachment(ctx, "a", "")
				return err
			},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrInvalidOptions) },
		},
		{
			name:  "delete without rev",
			run:   func() error { return db.DeleteAttachment(ctx, doc("_id", "a"), "x") },
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrInvalidDocument) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, tt.run())
		})
	}
	assert.Zero(t, srv.Count(couchtest.EndpointPutAttachment), "no request is sent for invalid input")
	assert.Zero(t, srv.Count(couchtest.EndpointGetAttachment))
	assert.Zero(t, srv.Count(couchtest.EndpointDeleteAttachment))

	stale := doc("_id", "a", "_rev", "1-stale")
	err := db.PutAttachment(ctx, stale, "x", "text/plain", strings.NewReader("x"))
	assert.True(t, IsConflict(err))
	assert.Equal(t, "1-stale", stale.Rev())
}
