package couch

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/oklog/ulid/v2"
)

// IDSource produces batches of fresh document identifiers.
type IDSource interface {
	// NewIDs returns exactly n identifiers that have never been returned
	// before.
	NewIDs(ctx context.Context, n int) ([]string, error)
}

// ServerIDSource asks the server for identifiers through GET /_uuids.
type ServerIDSource struct {
	Transport Transport
}

// NewIDs implements IDSource.
func (s *ServerIDSource) NewIDs(ctx context.Context, n int) ([]string, error) {
	resp, err := s.Transport.Request(ctx, &Request{
		Method: http.MethodGet,
		Path:   []string{"_uuids"},
		Query:  map[string][]string{"count": {strconv.Itoa(n)}},
	})
	if err != nil {
		return nil, err
	}
	var body struct {
		UUIDs []string `json:"uuids"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	if len(body.UUIDs) < n {
		return nil, fmt.Errorf("%w: requested %d uuids, got %d", ErrProtocol, n, len(body.UUIDs))
	}
	return body.UUIDs[:n], nil
}

// ID formats produced by LocalIDSource.
const (
	IDFormatUUID = "uuid"
	IDFormatULID = "ulid"
)

// LocalIDSource generates identifiers in-process. ULIDs sort by creation
// time, which keeps inserts clustered in the server's id index.
type LocalIDSource struct {
	Format string
}

// NewIDs implements IDSource.
func (s *LocalIDSource) NewIDs(_ context.Context, n int) ([]string, error) {
	ids := make([]string, n)
	switch s.Format {
	case "", IDFormatUUID:
		for i := range ids {
			ids[i] = strings.ReplaceAll(uuid.NewString(), "-", "")
		}
	case IDFormatULID:
		for i := range ids {
			ids[i] = strings.ToLower(ulid.Make().String())
		}
	default:
		return nil, fmt.Errorf("%w: unknown id format %q", ErrInvalidOptions, s.Format)
	}
	return ids, nil
}

// IDCache buffers identifiers fetched from an IDSource so that most saves of
// orphan documents need no extra round trip.
type IDCache struct {
	source  IDSource
	minimum int
	logger  hclog.Logger

	mu  sync.Mutex
	ids []string
}

// NewIDCache creates a cache that refills from source in batches of at least
// minimum identifiers.
func NewIDCache(source IDSource, minimum int, logger hclog.Logger) *IDCache {
	if minimum <= 0 {
		minimum = DefaultUUIDBatchSize
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &IDCache{
		source:  source,
		minimum: minimum,
		logger:  logger,
	}
}

// Has reports whether at least n identifiers are buffered.
func (c *IDCache) Has(n int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids) >= n
}

// Len returns the number of buffered identifiers.
func (c *IDCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

// Acquire removes n identifiers from the front of the buffer, refilling it
// first with max(n, minimum) fresh ids if it holds fewer than n. If the
// refill fails no identifiers are consumed.
func (c *IDCache) Acquire(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.ids) < n {
		count := n
		if c.minimum > count {
			count = c.minimum
		}
		fresh, err := c.source.NewIDs(ctx, count)
		if err != nil {
			return nil, fmt.Errorf("acquiring %d ids: %w", n, err)
		}
		c.logger.Debug("refilled id cache", "requested", count, "buffered", len(c.ids)+len(fresh))
		c.ids = append(c.ids, fresh...)
	}

	out := make([]string, n)
	copy(out, c.ids[:n])
	c.ids = c.ids[n:]
	return out, nil
}
