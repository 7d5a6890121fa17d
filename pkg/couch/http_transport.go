package couch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-hclog"
)

const userAgent = "corduroy/0.9"

// jwtLifetime bounds how long a signed token is accepted by the server.
const jwtLifetime = 5 * time.Minute

// HTTPTransport is the default Transport, talking to a CouchDB-compatible
// server over net/http.
type HTTPTransport struct {
	config  *Config
	baseURL *url.URL
	client  *http.Client
	stream  *http.Client
	logger  hclog.Logger
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a transport for cfg. Zero-valued fields take
// their defaults from DefaultConfig.
func NewHTTPTransport(cfg *Config) (*HTTPTransport, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid couchdb config: %w", err)
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base_url: %w", err)
	}
	if base.User != nil && cfg.Username == "" {
		cfg.Username = base.User.Username()
		cfg.Password, _ = base.User.Password()
	}
	base.User = nil

	return &HTTPTransport{
		config:  cfg,
		baseURL: base,
		client:  cfg.NewHTTPClient(cfg.Timeout),
		stream:  cfg.NewHTTPClient(0),
		logger:  cfg.Logger.Named("http"),
	}, nil
}

// Request performs req, retrying idempotent requests on network errors and
// 5xx responses with exponential backoff. A reader body is buffered before
// the first attempt so every retry resends it in full.
func (t *HTTPTransport) Request(ctx context.Context, req *Request) (*Response, error) {
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", req.op(), ErrNotSerializable, err)
	}

	var resp *Response
	attempt := 0
	operation := func() error {
		attempt++
		r, err := t.roundTrip(ctx, t.client, req, body)
		if err != nil {
			if !req.idempotent() || !retryable(err) {
				return backoff.Permanent(err)
			}
			t.logger.Warn("request failed, retrying",
				"op", req.op(),
				"attempt", attempt,
				"error", err,
			)
			return err
		}
		resp = r
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.config.RetryDelay
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(t.config.MaxRetries)), ctx)

	if err := backoff.Retry(operation, b); err != nil {
		// The context can end while waiting between attempts, in which case
		// backoff reports the bare context error.
		var cerr *Error
		if !errors.As(err, &cerr) && ctx.Err() != nil {
			return nil, transportError(req.op(), err)
		}
		return nil, err
	}
	return resp, nil
}

// OpenStream performs req on the untimed client and hands back the live
// response body. The connection stays open until the body is closed or ctx
// ends.
func (t *HTTPTransport) OpenStream(ctx context.Context, req *Request) (io.ReadCloser, error) {
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", req.op(), ErrNotSerializable, err)
	}

	httpReq, err := t.newHTTPRequest(ctx, req, body)
	if err != nil {
		return nil, err
	}
	resp, err := t.stream.Do(httpReq)
	if err != nil {
		return nil, transportError(req.op(), err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, statusError(req.op(), resp.StatusCode, data)
	}

	t.logger.Debug("stream opened", "op", req.op(), "status", resp.StatusCode)
	return resp.Body, nil
}

func (t *HTTPTransport) roundTrip(ctx context.Context, client *http.Client, req *Request, body []byte) (*Response, error) {
	httpReq, err := t.newHTTPRequest(ctx, req, body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportError(req.op(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(req.op(), err)
	}

	t.logger.Debug("request",
		"op", req.op(),
		"status", resp.StatusCode,
		"elapsed", time.Since(start),
	)

	if resp.StatusCode >= 400 {
		return nil, statusError(req.op(), resp.StatusCode, data)
	}
	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   data,
	}, nil
}

func (t *HTTPTransport) newHTTPRequest(ctx context.Context, req *Request, body []byte) (*http.Request, error) {
	u := *t.baseURL
	u.Path = t.baseURL.Path + req.EscapedPath()
	u.RawPath = t.baseURL.EscapedPath() + req.EscapedPath()
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if t.config.FullCommit != nil && !*t.config.FullCommit {
		httpReq.Header.Set("X-Couch-Full-Commit", "false")
	}
	for k, vs := range req.Header {
		httpReq.Header.Del(k)
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if err := t.authorize(httpReq); err != nil {
		return nil, err
	}
	return httpReq, nil
}

func (t *HTTPTransport) authorize(r *http.Request) error {
	switch {
	case t.config.JWT != nil:
		token, err := signJWT(t.config.JWT, time.Now())
		if err != nil {
			return fmt.Errorf("failed to sign jwt: %w", err)
		}
		r.Header.Set("Authorization", "Bearer "+token)
	case t.config.AuthToken != "":
		r.Header.Set("Authorization", "Bearer "+t.config.AuthToken)
	case t.config.Username != "":
		r.SetBasicAuth(t.config.Username, t.config.Password)
	}
	return nil
}

// signJWT issues a token in the shape CouchDB's jwt_authentication handler
// expects: "sub" is the user name and "_couchdb.roles" lists the roles.
func signJWT(cfg *JWTConfig, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": cfg.Subject,
		"iat": now.Unix(),
		"exp": now.Add(jwtLifetime).Unix(),
	}
	if len(cfg.Roles) > 0 {
		claims["_couchdb.roles"] = cfg.Roles
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if cfg.KeyID != "" {
		token.Header["kid"] = cfg.KeyID
	}
	return token.SignedString([]byte(cfg.Secret))
}

func encodeBody(body interface{}) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case io.Reader:
		return io.ReadAll(b)
	default:
		return json.Marshal(b)
	}
}

// statusError builds an *Error from an HTTP error response, decoding the
// CouchDB {"error": ..., "reason": ...} body when present.
func statusError(op string, status int, body []byte) *Error {
	e := &Error{
		Op:     op,
		Kind:   KindForStatus(status),
		Status: status,
		Body:   body,
	}
	var payload struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		e.Code = payload.Error
		e.Reason = payload.Reason
	} else if len(body) > 0 {
		e.Reason = strings.TrimSpace(string(body))
	}
	return e
}

func retryable(err error) bool {
	switch KindOf(err) {
	case KindServerError, KindTransport, KindTimeout:
		return true
	default:
		return false
	}
}
