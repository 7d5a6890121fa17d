package couch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusOK, KindUnknown},
		{http.StatusNotModified, KindUnknown},
		{http.StatusBadRequest, KindHTTP},
		{http.StatusUnauthorized, KindUnauthorized},
		{http.StatusForbidden, KindHTTP},
		{http.StatusNotFound, KindNotFound},
		{http.StatusConflict, KindConflict},
		{http.StatusPreconditionFailed, KindPreconditionFailed},
		{http.StatusExpectationFailed, KindHTTP},
		{http.StatusInternalServerError, KindServerError},
		{http.StatusServiceUnavailable, KindServerError},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, KindForStatus(tt.status))
		})
	}
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &Error{Op: "PUT /db/a", Kind: KindConflict, Status: 409, Code: "conflict", Reason: "Document update conflict."})

	assert.True(t, IsConflict(err))
	assert.False(t, IsNotFound(err))
	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrServerError))
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, "PUT /db/a: conflict (status 409): Document update conflict.", errors.Unwrap(err).Error())
}

func TestConflictError(t *testing.T) {
	err := &ConflictError{ID: "a"}
	assert.True(t, IsConflict(err))
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Contains(t, err.Error(), `"a"`)
}

func TestKindOfUnknown(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(ErrInvalidOptions))
}

func TestTransportError(t *testing.T) {
	e := transportError("GET /", context.DeadlineExceeded)
	assert.Equal(t, KindTimeout, e.Kind)
	assert.True(t, errors.Is(e, ErrTimeout))
	assert.True(t, errors.Is(e, context.DeadlineExceeded))

	e = transportError("GET /", errors.New("connection refused"))
	assert.Equal(t, KindTransport, e.Kind)
	assert.True(t, errors.Is(e, ErrTransport))
}
