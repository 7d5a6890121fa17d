package couch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrepp/corduroy/pkg/couch/couchtest"
)

func newTestClient(t *testing.T, opts ...Option) (*couchtest.Server, *Client) {
	t.Helper()
	srv := couchtest.NewServer()
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL()
	cfg.RetryDelay = time.Millisecond
	cfg.UUIDBatchSize = 10
	client, err := New(cfg, opts...)
	require.NoError(t, err)
	return srv, client
}

func newTestDB(t *testing.T, opts ...Option) (*couchtest.Server, *Database) {
	t.Helper()
	srv, client := newTestClient(t, opts...)
	srv.CreateDB("test")
	db, err := client.DB("test")
	require.NoError(t, err)
	return srv, db
}

func doc(kv ...interface{}) *Document {
	d := NewDocument()
	for i := 0; i+1 < len(kv); i += 2 {
		d.Set(kv[i].(string), kv[i+1])
	}
	return d
}
