package couch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentKeyOrder(t *testing.T) {
	d := NewDocument()
	d.Set("b", 1)
	d.SetID("doc")
	d.Set("a", "x")
	d.SetRev("1-abc")

	assert.Equal(t, []string{"b", "_id", "a", "_rev"}, d.Keys())

	out, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `{"b":1,"_id":"doc","a":"x","_rev":"1-abc"}`, string(out))

	d.ClearRev()
	d.Set("b", 2)
	out, err = json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2,"_id":"doc","a":"x"}`, string(out))
}

func TestDocumentFrom(t *testing.T) {
	d := DocumentFrom(map[string]interface{}{
		"zeta":  true,
		"_rev":  "2-b",
		"alpha": 1,
		"_id":   "x",
	})
	assert.Equal(t, []string{"_id", "_rev", "alpha", "zeta"}, d.Keys())
	assert.Equal(t, "x", d.ID())
	assert.Equal(t, "2-b", d.Rev())
}

func TestParseDocument(t *testing.T) {
	t.Run("object", func(t *testing.T) {
		d, err := ParseDocument([]byte(`{"_id":"a","n":12345678901234567890,"nested":{"k":[1,2]}}`))
		require.NoError(t, err)
		assert.Equal(t, "a", d.ID())
		n, _ := d.Get("n")
		assert.Equal(t, json.Number("12345678901234567890"), n)

		out, err := json.Marshal(d)
		require.NoError(t, err)
		assert.JSONEq(t, `{"_id":"a","n":12345678901234567890,"nested":{"k":[1,2]}}`, string(out))
	})

	t.Run("not an object", func(t *testing.T) {
		_, err := ParseDocument([]byte(`[1,2]`))
		require.Error(t, err)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ParseDocument([]byte(`{"a":`))
		require.Error(t, err)
	})
}

func TestDocumentDeleted(t *testing.T) {
	d := NewDocument()
	assert.False(t, d.Deleted())
	d.SetDeleted(true)
	assert.True(t, d.Deleted())
	d.SetDeleted(false)
	assert.False(t, d.Deleted())
	assert.Zero(t, d.Len())
}

func TestDocumentClone(t *testing.T) {
	d := NewDocument()
	d.SetID("a")
	d.Set("v", 1)

	c := d.Clone()
	c.Set("v", 2)
	c.Set("w", 3)

	v, _ := d.Get("v")
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, d.Len())
	assert.Equal(t, 3, c.Len())
}

func TestDocumentAttachments(t *testing.T) {
	d, err := ParseDocument([]byte(`{"_id":"a","_attachments":{"f.txt":{"content_type":"text/plain","data":"aGk=","revpos":2}}}`))
	require.NoError(t, err)

	atts, err := d.Attachments()
	require.NoError(t, err)
	require.Contains(t, atts, "f.txt")
	assert.Equal(t, "text/plain", atts["f.txt"].ContentType)
	assert.Equal(t, "aGk=", atts["f.txt"].Data)
	assert.Equal(t, 2, atts["f.txt"].RevPos)

	require.NoError(t, d.SetAttachment("g.bin", &Attachment{ContentType: "application/octet-stream", Stub: true}))
	atts, err = d.Attachments()
	require.NoError(t, err)
	assert.Len(t, atts, 2)
	assert.True(t, atts["g.bin"].Stub)
}

func TestDocumentDecode(t *testing.T) {
	d, err := ParseDocument([]byte(`{"_id":"a","_rev":"1-x","title":"hello","count":3}`))
	require.NoError(t, err)

	var out struct {
		ID    string `json:"_id"`
		Rev   string `json:"_rev"`
		Title string `json:"title"`
		Count int    `json:"count"`
	}
	require.NoError(t, d.Decode(&out))
	assert.Equal(t, "a", out.ID)
	assert.Equal(t, "1-x", out.Rev)
	assert.Equal(t, "hello", out.Title)
	assert.Equal(t, 3, out.Count)
}

func TestDocumentNotSerializable(t *testing.T) {
	d := NewDocument()
	d.Set("fn", func() {})
	_, err := json.Marshal(d)
	require.Error(t, err)
	assert.Contains(t, d.String(), "<document")
}
