package couch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"
)

// Reserved document fields.
const (
	FieldID          = "_id"
	FieldRev         = "_rev"
	FieldAttachments = "_attachments"
	FieldDeleted     = "_deleted"
)

// Document is a JSON object with typed access to the reserved fields. Keys
// keep their insertion order when the document is encoded.
//
// A Document is not safe for concurrent mutation.
type Document struct {
	keys   []string
	values map[string]interface{}
}

// Attachment describes one entry of a document's _attachments map. Data
// holds base64 text exactly as it travels on the wire.
type Attachment struct {
	ContentType string `json:"content_type,omitempty"`
	Data        string `json:"data,omitempty"`
	Digest      string `json:"digest,omitempty"`
	Length      int64  `json:"length,omitempty"`
	RevPos      int    `json:"revpos,omitempty"`
	Stub        bool   `json:"stub,omitempty"`
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{values: make(map[string]interface{})}
}

// DocumentFrom builds a document from a map. Reserved fields come first,
// the remaining keys are sorted since map order is undefined.
func DocumentFrom(m map[string]interface{}) *Document {
	d := NewDocument()
	for _, k := range []string{FieldID, FieldRev, FieldDeleted, FieldAttachments} {
		if v, ok := m[k]; ok {
			d.Set(k, v)
		}
	}
	rest := make([]string, 0, len(m))
	for k := range m {
		if _, ok := d.values[k]; !ok {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		d.Set(k, m[k])
	}
	return d
}

// ParseDocument decodes a JSON object.
func ParseDocument(data []byte) (*Document, error) {
	d := NewDocument()
	if err := d.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Document) init() {
	if d.values == nil {
		d.values = make(map[string]interface{})
	}
}

// Get returns the value stored under key.
func (d *Document) Get(key string) (interface{}, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Set stores value under key. New keys are appended to the key order.
func (d *Document) Set(key string, value interface{}) {
	d.init()
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
}

// Delete removes key.
func (d *Document) Delete(key string) {
	if _, ok := d.values[key]; !ok {
		return
	}
	delete(d.values, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in order.
func (d *Document) Keys() []string {
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Len returns the number of keys.
func (d *Document) Len() int {
	return len(d.keys)
}

// Map returns a shallow copy of the document as a plain map.
func (d *Document) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(d.values))
	for k, v := range d.values {
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy; nested maps and slices are shared.
func (d *Document) Clone() *Document {
	c := &Document{
		keys:   make([]string, len(d.keys)),
		values: make(map[string]interface{}, len(d.values)),
	}
	copy(c.keys, d.keys)
	for k, v := range d.values {
		c.values[k] = v
	}
	return c
}

func (d *Document) stringField(key string) string {
	s, _ := d.values[key].(string)
	return s
}

// ID returns _id, or "" for an orphan document.
func (d *Document) ID() string { return d.stringField(FieldID) }

// HasID reports whether the document carries a non-empty _id.
func (d *Document) HasID() bool { return d.ID() != "" }

// SetID assigns _id.
func (d *Document) SetID(id string) { d.Set(FieldID, id) }

// Rev returns _rev, or "" when the document has never been written.
func (d *Document) Rev() string { return d.stringField(FieldRev) }

// SetRev assigns _rev.
func (d *Document) SetRev(rev string) { d.Set(FieldRev, rev) }

// ClearRev removes _rev.
func (d *Document) ClearRev() { d.Delete(FieldRev) }

// Deleted reports whether the document is a tombstone.
func (d *Document) Deleted() bool {
	b, _ := d.values[FieldDeleted].(bool)
	return b
}

// SetDeleted sets or clears the tombstone marker.
func (d *Document) SetDeleted(deleted bool) {
	if !deleted {
		d.Delete(FieldDeleted)
		return
	}
	d.Set(FieldDeleted, true)
}

// Attachments decodes the _attachments field.
func (d *Document) Attachments() (map[string]*Attachment, error) {
	raw, ok := d.values[FieldAttachments]
	if !ok || raw == nil {
		return nil, nil
	}
	if atts, ok := raw.(map[string]*Attachment); ok {
		return atts, nil
	}
	out := make(map[string]*Attachment)
	if err := decodeInto(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", FieldAttachments, err)
	}
	return out, nil
}

// SetAttachment adds or replaces one attachment descriptor.
func (d *Document) SetAttachment(name string, att *Attachment) error {
	atts, err := d.Attachments()
	if err != nil {
		return err
	}
	if atts == nil {
		atts = make(map[string]*Attachment)
	}
	atts[name] = att
	d.Set(FieldAttachments, atts)
	return nil
}

// Decode copies the document fields into out, which must be a pointer to a
// struct or map. Struct fields are matched by their json tag.
func (d *Document) Decode(out interface{}) error {
	return decodeInto(d.Map(), out)
}

func decodeInto(in, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// MarshalJSON encodes the document with keys in insertion order.
func (d *Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range d.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(d.values[k])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON replaces the document's contents with a decoded JSON object.
// Numbers are kept as json.Number.
func (d *Document) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("document must be a JSON object")
	}

	d.keys = nil
	d.values = make(map[string]interface{})
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", tok)
		}
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		d.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

func (d *Document) String() string {
	b, err := d.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<document %s: %v>", d.ID(), err)
	}
	return string(b)
}
