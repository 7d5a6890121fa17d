package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/jrepp/corduroy/pkg/couch"
)

// fakeProducer records produced records and fails keys listed in failKeys.
type fakeProducer struct {
	mu       sync.Mutex
	records  []*kgo.Record
	failKeys map[string]bool
	closed   bool
}

func (p *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	p.mu.Lock()
	defer p.mu.Unlock()
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		var err error
		if p.failKeys[string(r.Key)] {
			err = errors.New("broker unavailable")
		} else {
			p.records = append(p.records, r)
		}
		results = append(results, kgo.ProduceResult{Record: r, Err: err})
	}
	return results
}

func (p *fakeProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func header(r *kgo.Record, key string) string {
	for _, h := range r.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"missing topic", Config{Brokers: []string{"localhost:9092"}}, "topic is required"},
		{"missing brokers", Config{Topic: "changes"}, "at least one broker is required"},
		{"producer", Config{Topic: "changes", Producer: &fakeProducer{}}, ""},
		{"brokers", Config{Topic: "changes", Brokers: []string{"localhost:9092"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := New(tt.cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			r.Close()
		})
	}
}

func TestPublish(t *testing.T) {
	producer := &fakeProducer{}
	r, err := New(Config{
		Topic:    "couch.changes",
		Database: "orders",
		Producer: producer,
		Logger:   hclog.NewNullLogger(),
	})
	require.NoError(t, err)

	doc := couch.NewDocument()
	doc.SetID("a")
	doc.Set("total", 3)

	changes := []couch.Change{
		{Seq: "4", ID: "a", Changes: []couch.ChangeRev{{Rev: "2-x"}}, Doc: doc},
		{Seq: "5", ID: "b", Changes: []couch.ChangeRev{{Rev: "3-y"}}, Deleted: true},
	}
	require.NoError(t, r.Publish(context.Background(), "5", changes))

	require.Len(t, producer.records, 2)
	first := producer.records[0]
	assert.Equal(t, "couch.changes", first.Topic)
	assert.Equal(t, "a", string(first.Key))
	assert.Equal(t, "4", header(first, HeaderSeq))
	assert.Equal(t, "orders", header(first, HeaderDatabase))
	assert.Empty(t, header(first, HeaderDeleted))

	var decoded couch.Change
	require.NoError(t, json.Unmarshal(first.Value, &decoded))
	assert.Equal(t, couch.Seq("4"), decoded.Seq)
	require.NotNil(t, decoded.Doc)
	assert.Equal(t, "a", decoded.Doc.ID())

	second := producer.records[1]
	assert.Equal(t, "b", string(second.Key))
	assert.Equal(t, "true", header(second, HeaderDeleted))

	require.NoError(t, r.Publish(context.Background(), "5", nil))
	assert.Len(t, producer.records, 2)

	r.Close()
	assert.True(t, producer.closed)
}

func TestPublishErrors(t *testing.T) {
	producer := &fakeProducer{failKeys: map[string]bool{"b": true, "c": true}}
	r, err := New(Config{Topic: "t", Producer: producer})
	require.NoError(t, err)

	err = r.Publish(context.Background(), "3", []couch.Change{
		{Seq: "1", ID: "a"},
		{Seq: "2", ID: "b"},
		{Seq: "3", ID: "c"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"b"`)
	assert.Contains(t, err.Error(), `"c"`)
	assert.Len(t, producer.records, 1)
}

func TestCallback(t *testing.T) {
	producer := &fakeProducer{failKeys: map[string]bool{"bad": true}}
	r, err := New(Config{Topic: "t", Producer: producer})
	require.NoError(t, err)

	var errs []error
	fn := r.Callback(context.Background(), func(err error) { errs = append(errs, err) })

	fn("1", []couch.Change{{Seq: "1", ID: "good"}})
	assert.Empty(t, errs)
	fn("2", []couch.Change{{Seq: "2", ID: "bad"}})
	require.Len(t, errs, 1)
}
