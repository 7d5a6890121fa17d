package couch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Transport executes requests against the store. Implementations classify
// failures into *Error values; a nil error means a 2xx/3xx response.
type Transport interface {
	// Request performs a request and returns the buffered response.
	Request(ctx context.Context, req *Request) (*Response, error)

	// OpenStream performs a request whose body is consumed incrementally.
	// Closing the returned reader terminates the connection.
	OpenStream(ctx context.Context, req *Request) (io.ReadCloser, error)
}

// Request describes one call to the store.
type Request struct {
	Method string
	Path   []string // unescaped path segments
	Query  url.Values
	Body   interface{} // JSON-encoded unless []byte or io.Reader; readers are read once up front
	Header http.Header

	// Retryable marks a non-GET request as safe to repeat, e.g. a bulk read
	// sent as POST.
	Retryable bool
}

// Response is a buffered store response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v interface{}) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("%w: empty response body", ErrProtocol)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}

// EscapedPath joins the path segments, escaping each one.
func (r *Request) EscapedPath() string {
	parts := make([]string, len(r.Path))
	for i, p := range r.Path {
		parts[i] = url.PathEscape(p)
	}
	return "/" + strings.Join(parts, "/")
}

func (r *Request) op() string {
	return r.Method + " " + r.EscapedPath()
}

func (r *Request) idempotent() bool {
	return r.Retryable || r.Method == http.MethodGet || r.Method == http.MethodHead
}

// RequestAsync runs req on its own goroutine and delivers the outcome to cb.
func RequestAsync(ctx context.Context, t Transport, req *Request, cb func(*Response, error)) {
	go func() {
		cb(t.Request(ctx, req))
	}()
}

// docPath returns the path segments for a document id. Ids in the _design
// and _local namespaces keep their separator.
func docPath(db, id string) []string {
	if strings.HasPrefix(id, "_design/") || strings.HasPrefix(id, "_local/") {
		parts := strings.SplitN(id, "/", 2)
		return []string{db, parts[0], parts[1]}
	}
	return []string{db, id}
}
