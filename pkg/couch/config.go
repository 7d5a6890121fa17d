package couch

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/go-hclog"
	httptrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/net/http"
)

// DefaultUUIDBatchSize is the minimum number of identifiers fetched per
// refill of a database's identifier cache.
const DefaultUUIDBatchSize = 50

// Config contains configuration for a Client.
type Config struct {
	// BaseURL is the server root, e.g. "http://127.0.0.1:5984".
	BaseURL string `json:"baseUrl"`

	// Username and Password enable basic authentication.
	Username string `json:"username,omitempty"`
	Password string `json:"-"`

	// AuthToken is sent as a bearer token.
	AuthToken string `json:"-"`

	// JWT signs a short-lived HS256 bearer token per request for servers
	// running jwt_authentication. Takes precedence over AuthToken.
	JWT *JWTConfig `json:"jwt,omitempty"`

	// TLSVerify controls TLS certificate verification. Default: true.
	TLSVerify *bool `json:"tlsVerify,omitempty"`

	// Timeout for non-streaming requests. Default: 60 seconds.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxRetries for idempotent requests that failed with a network error
	// or a 5xx status. Default: 3.
	MaxRetries int `json:"maxRetries,omitempty"`

	// RetryDelay is the initial backoff between retries. Default: 500ms.
	RetryDelay time.Duration `json:"retryDelay,omitempty"`

	// UUIDBatchSize is the minimum identifier refill size.
	UUIDBatchSize int `json:"uuidBatchSize,omitempty"`

	// FullCommit=false sends "X-Couch-Full-Commit: false" on every request.
	FullCommit *bool `json:"fullCommit,omitempty"`

	// Tracing wraps the HTTP client with Datadog APM instrumentation.
	Tracing bool `json:"tracing,omitempty"`

	Logger hclog.Logger `json:"-"`
}

// JWTConfig holds the signing parameters for JWT authentication.
type JWTConfig struct {
	Secret  string   `json:"-"`
	Subject string   `json:"subject"`
	Roles   []string `json:"roles,omitempty"`
	KeyID   string   `json:"kid,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	tlsVerify := true
	fullCommit := true
	return &Config{
		BaseURL:       "http://127.0.0.1:5984",
		TLSVerify:     &tlsVerify,
		Timeout:       60 * time.Second,
		MaxRetries:    3,
		RetryDelay:    500 * time.Millisecond,
		UUIDBatchSize: DefaultUUIDBatchSize,
		FullCommit:    &fullCommit,
	}
}

// applyDefaults fills zero values from DefaultConfig.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.BaseURL == "" {
		c.BaseURL = defaults.BaseURL
	}
	if c.TLSVerify == nil {
		c.TLSVerify = defaults.TLSVerify
	}
	if c.FullCommit == nil {
		c.FullCommit = defaults.FullCommit
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.Timeout
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaults.RetryDelay
	}
	if c.UUIDBatchSize == 0 {
		c.UUIDBatchSize = defaults.UUIDBatchSize
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required, validation.By(httpURL)),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&c.MaxRetries, validation.Min(0)),
		validation.Field(&c.RetryDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.UUIDBatchSize, validation.Min(0)),
		validation.Field(&c.Password, validation.When(c.Username != "", validation.Required)),
	)
	if err != nil {
		return err
	}
	if c.JWT != nil {
		return validation.ValidateStruct(c.JWT,
			validation.Field(&c.JWT.Secret, validation.Required),
			validation.Field(&c.JWT.Subject, validation.Required),
		)
	}
	return nil
}

func httpURL(value interface{}) error {
	s, _ := value.(string)
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https scheme, got: %q", u.Scheme)
	}
	return nil
}

// NewHTTPClient creates a configured HTTP client. A zero timeout produces a
// client suitable for long-lived streams.
func (c *Config) NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	if c.TLSVerify != nil && !*c.TLSVerify {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	client := &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
	if c.Tracing {
		client = httptrace.WrapClient(client, httptrace.RTWithServiceName("couchdb"))
	}
	return client
}
