package couch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, url string, mutate func(*Config)) *HTTPTransport {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = url
	cfg.RetryDelay = time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	tr, err := NewHTTPTransport(cfg)
	require.NoError(t, err)
	return tr
}

func TestHTTPTransportRetries(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		retryable bool
		status    int
		wantCalls int32
		wantKind  Kind
	}{
		{"get retried on 5xx", http.MethodGet, false, http.StatusServiceUnavailable, 4, KindServerError},
		{"post not retried", http.MethodPost, false, http.StatusServiceUnavailable, 1, KindServerError},
		{"retryable post retried", http.MethodPost, true, http.StatusInternalServerError, 4, KindServerError},
		{"get not retried on 404", http.MethodGet, false, http.StatusNotFound, 1, KindNotFound},
		{"put not retried on conflict", http.MethodPut, false, http.StatusConflict, 1, KindConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"oops","reason":"try later"}`))
			}))
			defer srv.Close()

			tr := newTestTransport(t, srv.URL, nil)
			_, err := tr.Request(context.Background(), &Request{
				Method:    tt.method,
				Path:      []string{"db"},
				Retryable: tt.retryable,
			})
			require.Error(t, err)
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
			assert.Equal(t, tt.wantKind, KindOf(err))

			var e *Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tt.status, e.Status)
			assert.Equal(t, "oops", e.Code)
			assert.Equal(t, "try later", e.Reason)
		})
	}
}

func TestHTTPTransportRecoversAfterRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL, nil)
	resp, err := tr.Request(context.Background(), &Request{Method: http.MethodGet, Path: []string{"db"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPTransportNoRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL, func(c *Config) { c.MaxRetries = 0 })
	_, err := tr.Request(context.Background(), &Request{Method: http.MethodGet})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPTransportTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr := newTestTransport(t, url, func(c *Config) { c.MaxRetries = 1 })
	_, err := tr.Request(context.Background(), &Request{Method: http.MethodGet})
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))
}

func TestHTTPTransportDeadlineDuringBackoff(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL, func(c *Config) { c.RetryDelay = 500 * time.Millisecond })
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := tr.Request(ctx, &Request{Method: http.MethodGet, Path: []string{"db"}})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "GET /db", e.Op)
}

func TestHTTPTransportCanceledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL, func(c *Config) { c.RetryDelay = 500 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := tr.Request(ctx, &Request{Method: http.MethodGet, Path: []string{"db"}})
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestHTTPTransportRetriesReaderBody(t *testing.T) {
	const payload = `{"keys":["a","b","c"]}`
	var calls int32
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(data))
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL, nil)
	resp, err := tr.Request(context.Background(), &Request{
		Method:    http.MethodPost,
		Path:      []string{"db", "_all_docs"},
		Body:      strings.NewReader(payload),
		Retryable: true,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []string{payload, payload, payload}, bodies)
}

func TestHTTPTransportContentTypeOverride(t *testing.T) {
	var got http.Header
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL, nil)
	_, err := tr.Request(context.Background(), &Request{
		Method: http.MethodPut,
		Path:   []string{"db", "doc", "note.txt"},
		Body:   []byte("hello"),
		Header: http.Header{"Content-Type": {"text/plain"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"text/plain"}, got.Values("Content-Type"))
	assert.Equal(t, "hello", string(gotBody))
}

func TestHTTPTransportHeaders(t *testing.T) {
	var got http.Header
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotPath = r.URL.EscapedPath()
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	fullCommit := false
	tr := newTestTransport(t, srv.URL, func(c *Config) { c.FullCommit = &fullCommit })
	_, err := tr.Request(context.Background(), &Request{
		Method: http.MethodPut,
		Path:   docPath("my/db", "a b"),
		Query:  map[string][]string{"batch": {"ok"}},
		Body:   map[string]string{"k": "v"},
		Header: http.Header{"X-Extra": {"1"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "/my%2Fdb/a%20b", gotPath)
	assert.Equal(t, "batch=ok", gotQuery)
	assert.Equal(t, "application/json", got.Get("Accept"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, userAgent, got.Get("User-Agent"))
	assert.Equal(t, "false", got.Get("X-Couch-Full-Commit"))
	assert.Equal(t, "1", got.Get("X-Extra"))
}

func TestHTTPTransportAuth(t *testing.T) {
	tests := []struct {
		name   string
		url    func(string) string
		mutate func(*Config)
		check  func(t *testing.T, r *http.Request)
	}{
		{
			name:   "basic",
			mutate: func(c *Config) { c.Username, c.Password = "admin", "secret" },
			check: func(t *testing.T, r *http.Request) {
				user, pass, ok := r.BasicAuth()
				require.True(t, ok)
				assert.Equal(t, "admin", user)
				assert.Equal(t, "secret", pass)
			},
		},
		{
			name: "credentials in url",
			url:  func(u string) string { return "http://bob:pw@" + u[len("http://"):] },
			check: func(t *testing.T, r *http.Request) {
				user, pass, ok := r.BasicAuth()
				require.True(t, ok)
				assert.Equal(t, "bob", user)
				assert.Equal(t, "pw", pass)
			},
		},
		{
			name:   "bearer token",
			mutate: func(c *Config) { c.AuthToken = "tok" },
			check: func(t *testing.T, r *http.Request) {
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			},
		},
		{
			name: "jwt",
			mutate: func(c *Config) {
				c.AuthToken = "ignored"
				c.JWT = &JWTConfig{Secret: "s3cret", Subject: "alice", Roles: []string{"_admin"}, KeyID: "k1"}
			},
			check: func(t *testing.T, r *http.Request) {
				raw := r.Header.Get("Authorization")
				require.Contains(t, raw, "Bearer ")
				token, err := jwt.Parse(raw[len("Bearer "):], func(tok *jwt.Token) (interface{}, error) {
					assert.Equal(t, "k1", tok.Header["kid"])
					return []byte("s3cret"), nil
				}, jwt.WithValidMethods([]string{"HS256"}))
				require.NoError(t, err)
				claims := token.Claims.(jwt.MapClaims)
				assert.Equal(t, "alice", claims["sub"])
				assert.Equal(t, []interface{}{"_admin"}, claims["_couchdb.roles"])
			},
		},
		{
			name: "anonymous",
			check: func(t *testing.T, r *http.Request) {
				assert.Empty(t, r.Header.Get("Authorization"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *http.Request
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.Clone(context.Background())
				w.Write([]byte(`{}`))
			}))
			defer srv.Close()

			url := srv.URL
			if tt.url != nil {
				url = tt.url(url)
			}
			tr := newTestTransport(t, url, tt.mutate)
			_, err := tr.Request(context.Background(), &Request{Method: http.MethodGet})
			require.NoError(t, err)
			tt.check(t, got)
		})
	}
}

func TestHTTPTransportOpenStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing/_changes" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"not_found","reason":"Database does not exist."}`))
			return
		}
		w.Write([]byte("line\n"))
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL, nil)

	body, err := tr.OpenStream(context.Background(), &Request{Method: http.MethodGet, Path: []string{"db", "_changes"}})
	require.NoError(t, err)
	body.Close()

	_, err = tr.OpenStream(context.Background(), &Request{Method: http.MethodGet, Path: []string{"missing", "_changes"}})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestHTTPTransportNotSerializable(t *testing.T) {
	tr := newTestTransport(t, "http://127.0.0.1:1", nil)
	_, err := tr.Request(context.Background(), &Request{Method: http.MethodPost, Body: map[string]interface{}{"c": make(chan int)}})
	require.ErrorIs(t, err, ErrNotSerializable)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"bad scheme", func(c *Config) { c.BaseURL = "ftp://host" }, true},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, true},
		{"user without password", func(c *Config) { c.Username = "u" }, true},
		{"jwt without secret", func(c *Config) { c.JWT = &JWTConfig{Subject: "s"} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
