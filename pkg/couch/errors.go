package couch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a failed request.
type Kind int

const (
	KindUnknown Kind = iota
	KindHTTP
	KindNotFound
	KindConflict
	KindPreconditionFailed
	KindUnauthorized
	KindServerError
	KindTimeout
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http error"
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindPreconditionFailed:
		return "precondition failed"
	case KindUnauthorized:
		return "unauthorized"
	case KindServerError:
		return "server error"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport error"
	default:
		return "unknown error"
	}
}

// Sentinel errors, one per Kind. Use errors.Is to test an *Error against them.
var (
	ErrHTTP               = errors.New("http error")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("document update conflict")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrServerError        = errors.New("server error")
	ErrTimeout            = errors.New("request timed out")
	ErrTransport          = errors.New("transport failure")
)

// Caller errors. These are returned before any request is sent.
var (
	ErrInvalidOptions  = errors.New("invalid options")
	ErrInvalidDocument = errors.New("invalid document")
	ErrNotSerializable = errors.New("document is not serializable")
	ErrDuplicateID     = errors.New("duplicate document id in batch")
	ErrInvalidName     = errors.New("invalid database name")
	ErrProtocol        = errors.New("unexpected server response")
)

var kindSentinels = map[Kind]error{
	KindHTTP:               ErrHTTP,
	KindNotFound:           ErrNotFound,
	KindConflict:           ErrConflict,
	KindPreconditionFailed: ErrPreconditionFailed,
	KindUnauthorized:       ErrUnauthorized,
	KindServerError:        ErrServerError,
	KindTimeout:            ErrTimeout,
	KindTransport:          ErrTransport,
}

// Error is returned for every request that failed at the HTTP or network
// level.
type Error struct {
	Op     string // e.g. "GET /db/doc"
	Kind   Kind
	Status int    // HTTP status, 0 for network failures
	Code   string // the "error" field of a CouchDB error body
	Reason string // the "reason" field of a CouchDB error body
	Body   []byte // raw error payload
	Err    error  // underlying error, if any
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	} else if e.Code != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Code)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's Kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// KindForStatus maps an HTTP status code onto the error taxonomy. Codes below
// 400 return KindUnknown.
func KindForStatus(status int) Kind {
	switch {
	case status < 400:
		return KindUnknown
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusPreconditionFailed:
		return KindPreconditionFailed
	case status >= 500:
		return KindServerError
	default:
		return KindHTTP
	}
}

// KindOf returns the Kind of err, or KindUnknown when err did not come from
// a request.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var cerr *ConflictError
	if errors.As(err, &cerr) {
		return KindConflict
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsConflict reports whether err is a revision conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// transportError classifies a failure that happened before a response was
// received.
func transportError(op string, err error) *Error {
	kind := KindTransport
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// ConflictError is returned by single-document writes that were rejected
// because of a revision mismatch. The same information is available from
// Resolution.
type ConflictError struct {
	ID         string
	Resolution *Resolution
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("document %q: %s", e.ID, ErrConflict)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
