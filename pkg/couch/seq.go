package couch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Seq is a position in a database's change sequence. CouchDB 1.x reports
// plain integers; 2.x and later report opaque strings of the form
// "N-<opaque>". Both are kept verbatim and ordered by their numeric prefix.
type Seq string

// SeqZero is the start of the change sequence.
const SeqZero Seq = "0"

// SeqNow asks the server to start from the current end of the sequence.
const SeqNow Seq = "now"

// Number returns the numeric prefix of the sequence, or 0 if it has none.
func (s Seq) Number() int64 {
	str := string(s)
	if i := strings.IndexByte(str, '-'); i >= 0 {
		str = str[:i]
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// IsZero reports whether s is unset or the start of the sequence.
func (s Seq) IsZero() bool {
	return s == "" || s == SeqZero
}

// Less reports whether s sorts before o.
func (s Seq) Less(o Seq) bool {
	return s.Number() < o.Number()
}

func (s Seq) String() string {
	return string(s)
}

// MarshalJSON writes purely numeric sequences as JSON numbers and everything
// else as a string.
func (s Seq) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(s), 10, 64); err == nil {
		return []byte(s), nil
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON accepts a JSON number, a JSON string, or null.
func (s *Seq) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*s = ""
	case data[0] == '"':
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = Seq(str)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid sequence %s: %w", data, err)
		}
		*s = Seq(n.String())
	}
	return nil
}
