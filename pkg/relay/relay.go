// Package relay publishes change-feed batches to a Kafka-compatible topic.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/jrepp/corduroy/pkg/couch"
)

// Record headers.
const (
	HeaderSeq      = "seq"
	HeaderDatabase = "database"
	HeaderDeleted  = "deleted"
)

// Producer is the subset of *kgo.Client used by Relay.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Config holds configuration for a Relay.
type Config struct {
	Brokers  []string
	Topic    string
	Database string // added as a header to every record

	// Producer replaces the kgo client built from Brokers.
	Producer Producer

	Logger hclog.Logger
}

// Relay forwards changes to Kafka, one record per change keyed by document
// id, so all changes of a document land on the same partition in order.
type Relay struct {
	producer Producer
	topic    string
	database string
	logger   hclog.Logger
}

// New creates a relay.
func New(cfg Config) (*Relay, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.Producer == nil && len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	producer := cfg.Producer
	if producer == nil {
		client, err := kgo.NewClient(
			kgo.SeedBrokers(cfg.Brokers...),
			kgo.DefaultProduceTopic(cfg.Topic),

			kgo.RequiredAcks(kgo.AllISRAcks()),
			kgo.ProducerBatchCompression(kgo.GzipCompression()),

			kgo.RetryBackoffFn(func(tries int) time.Duration {
				backoff := time.Duration(tries) * 100 * time.Millisecond
				if backoff > 30*time.Second {
					backoff = 30 * time.Second
				}
				return backoff
			}),
			kgo.RequestRetries(10),

			kgo.ProducerLinger(10*time.Millisecond),
			kgo.ProducerBatchMaxBytes(1<<20),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka client: %w", err)
		}
		producer = client
	}

	return &Relay{
		producer: producer,
		topic:    cfg.Topic,
		database: cfg.Database,
		logger:   cfg.Logger.Named("relay"),
	}, nil
}

// Publish sends one record per change and waits for all acknowledgements.
func (r *Relay) Publish(ctx context.Context, since couch.Seq, changes []couch.Change) error {
	if len(changes) == 0 {
		return nil
	}

	records := make([]*kgo.Record, 0, len(changes))
	for i := range changes {
		c := &changes[i]
		value, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal change %q: %w", c.ID, err)
		}
		headers := []kgo.RecordHeader{
			{Key: HeaderSeq, Value: []byte(c.Seq)},
		}
		if r.database != "" {
			headers = append(headers, kgo.RecordHeader{Key: HeaderDatabase, Value: []byte(r.database)})
		}
		if c.Deleted {
			headers = append(headers, kgo.RecordHeader{Key: HeaderDeleted, Value: []byte("true")})
		}
		records = append(records, &kgo.Record{
			Topic:   r.topic,
			Key:     []byte(c.ID),
			Value:   value,
			Headers: headers,
		})
	}

	var result *multierror.Error
	for _, res := range r.producer.ProduceSync(ctx, records...) {
		if res.Err != nil {
			result = multierror.Append(result, fmt.Errorf("record %q: %w", res.Record.Key, res.Err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("failed to publish to kafka: %w", err)
	}

	r.logger.Debug("published changes",
		"count", len(records),
		"since", since,
		"topic", r.topic,
	)
	return nil
}

// Callback adapts Publish to a couch.ChangesFunc. Publish failures are
// passed to onError, which may be nil.
func (r *Relay) Callback(ctx context.Context, onError func(error)) couch.ChangesFunc {
	return func(since couch.Seq, changes []couch.Change) {
		if err := r.Publish(ctx, since, changes); err != nil {
			r.logger.Error("failed to relay changes", "since", since, "error", err)
			if onError != nil {
				onError(err)
			}
		}
	}
}

// Close flushes and closes the producer.
func (r *Relay) Close() {
	r.producer.Close()
}
