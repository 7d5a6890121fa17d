package couch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	mu    sync.Mutex
	calls []int
	next  int
	err   error
}

func (s *countingSource) NewIDs(_ context.Context, n int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, n)
	if s.err != nil {
		return nil, s.err
	}
	ids := make([]string, n)
	for i := range ids {
		s.next++
		ids[i] = fmt.Sprintf("id-%04d", s.next)
	}
	return ids, nil
}

func TestIDCacheAcquire(t *testing.T) {
	src := &countingSource{}
	cache := NewIDCache(src, 5, nil)
	ctx := context.Background()

	assert.False(t, cache.Has(1))

	ids, err := cache.Acquire(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"id-0001", "id-0002"}, ids)
	assert.Equal(t, []int{5}, src.calls)
	assert.Equal(t, 3, cache.Len())
	assert.True(t, cache.Has(3))

	ids, err = cache.Acquire(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"id-0003", "id-0004", "id-0005"}, ids)
	assert.Equal(t, []int{5}, src.calls, "served from the buffer")
	assert.Zero(t, cache.Len())

	ids, err = cache.Acquire(ctx, 8)
	require.NoError(t, err)
	assert.Len(t, ids, 8)
	assert.Equal(t, []int{5, 8}, src.calls, "refill is at least n")
	assert.Zero(t, cache.Len())

	ids, err = cache.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestIDCacheRefillKeepsBuffered(t *testing.T) {
	src := &countingSource{}
	cache := NewIDCache(src, 4, nil)
	ctx := context.Background()

	_, err := cache.Acquire(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	ids, err := cache.Acquire(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"id-0004", "id-0005"}, ids, "buffered ids are consumed first")
	assert.Equal(t, 3, cache.Len())
}

func TestIDCacheRefillFailure(t *testing.T) {
	src := &countingSource{}
	cache := NewIDCache(src, 3, nil)
	ctx := context.Background()

	_, err := cache.Acquire(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, cache.Len())

	src.err = errors.New("boom")
	_, err = cache.Acquire(ctx, 5)
	require.Error(t, err)
	assert.Equal(t, 2, cache.Len(), "a failed refill consumes nothing")
}

func TestIDCacheConcurrentUnique(t *testing.T) {
	src := &countingSource{}
	cache := NewIDCache(src, 7, nil)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]bool)
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ids, err := cache.Acquire(ctx, n%4+1)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, id := range ids {
				assert.False(t, seen[id], "duplicate id %s", id)
				seen[id] = true
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}

func TestServerIDSource(t *testing.T) {
	srv, client := newTestClient(t)
	src := &ServerIDSource{Transport: client.Transport()}

	ids, err := src.NewIDs(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, ids, 3)
	assert.Equal(t, 1, srv.Count("uuids"))
}

func TestLocalIDSource(t *testing.T) {
	tests := []struct {
		format  string
		pattern *regexp.Regexp
	}{
		{"", regexp.MustCompile(`^[0-9a-f]{32}$`)},
		{IDFormatUUID, regexp.MustCompile(`^[0-9a-f]{32}$`)},
		{IDFormatULID, regexp.MustCompile(`^[0-9a-hjkmnp-tv-z]{26}$`)},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			src := &LocalIDSource{Format: tt.format}
			ids, err := src.NewIDs(context.Background(), 4)
			require.NoError(t, err)
			require.Len(t, ids, 4)
			seen := map[string]bool{}
			for _, id := range ids {
				assert.Regexp(t, tt.pattern, id)
				seen[id] = true
			}
			assert.Len(t, seen, 4)
		})
	}

	_, err := (&LocalIDSource{Format: "snowflake"}).NewIDs(context.Background(), 1)
	require.ErrorIs(t, err, ErrInvalidOptions)
}
