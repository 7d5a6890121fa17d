package checkpoint

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/corduroy/pkg/couch"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := Open(Config{
		Driver:       DriverSQLite,
		DSN:          "file:" + name + "?mode=memory&cache=shared",
		MaxOpenConns: 1,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreSaveLoad(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	seq, err := store.Load(ctx, "feed")
	require.NoError(t, err)
	assert.Empty(t, seq, "unknown feeds have no checkpoint")

	require.NoError(t, store.Save(ctx, "feed", "12"))
	seq, err = store.Load(ctx, "feed")
	require.NoError(t, err)
	assert.Equal(t, couch.Seq("12"), seq)

	require.NoError(t, store.Save(ctx, "feed", "15-g1AAAA"))
	seq, err = store.Load(ctx, "feed")
	require.NoError(t, err)
	assert.Equal(t, couch.Seq("15-g1AAAA"), seq)
}

func TestStoreIgnoresOlderSeq(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "feed", "20"))
	require.NoError(t, store.Save(ctx, "feed", "7"))

	seq, err := store.Load(ctx, "feed")
	require.NoError(t, err)
	assert.Equal(t, couch.Seq("20"), seq)

	require.NoError(t, store.Save(ctx, "feed", "20"), "an equal sequence is accepted")
}

func TestStoreListDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "b", "2"))
	require.NoError(t, store.Save(ctx, "a", "1-x"))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
	assert.Equal(t, int64(1), list[0].SeqNumber)
	assert.Equal(t, "b", list[1].Name)
	assert.False(t, list[1].UpdatedAt.IsZero())

	require.NoError(t, store.Delete(ctx, "a"))
	seq, err := store.Load(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, seq)
}

func TestStoreTrack(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var delivered []couch.Seq
	fn := store.Track(ctx, "tracked", func(since couch.Seq, changes []couch.Change) {
		delivered = append(delivered, since)
	}, func(err error) {
		t.Errorf("unexpected error: %v", err)
	})

	fn("3", []couch.Change{{Seq: "3", ID: "a"}})
	fn("5", []couch.Change{{Seq: "5", ID: "b"}})

	assert.Equal(t, []couch.Seq{"3", "5"}, delivered)
	seq, err := store.Load(ctx, "tracked")
	require.NoError(t, err)
	assert.Equal(t, couch.Seq("5"), seq)
}

func TestStoreTrackAfterCancel(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	fn := store.Track(ctx, "tracked", nil, nil)
	fn("3", nil)
	cancel()
	fn("9", nil)

	seq, err := store.Load(context.Background(), "tracked")
	require.NoError(t, err)
	assert.Equal(t, couch.Seq("3"), seq, "nothing is saved once the context is done")
}

func TestStoreTrackReportsErrors(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Close())

	var got error
	fn := store.Track(context.Background(), "tracked", nil, func(err error) { got = err })
	fn("1", nil)
	require.Error(t, got)
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported checkpoint driver")
}

// TestOpenConnectionPool tests that pool settings reach the underlying
// sql.DB and that defaults apply when they are left unset.
func TestOpenConnectionPool(t *testing.T) {
	tests := []struct {
		name     string
		maxOpen  int
		wantOpen int
	}{
		{"defaults", 0, 5},
		{"custom", 7, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := Open(Config{
				Driver:       DriverSQLite,
				DSN:          "file:pool_" + tt.name + "?mode=memory&cache=shared",
				MaxOpenConns: tt.maxOpen,
			}, nil)
			require.NoError(t, err)
			defer store.Close()

			sqlDB, err := store.db.DB()
			require.NoError(t, err)
			assert.Equal(t, tt.wantOpen, sqlDB.Stats().MaxOpenConnections)
		})
	}
}
