// Package publisher fans successfully flushed audit batches out to Kafka so
// downstream consumers (SIEM, long-retention archival) see the same stream
// the relational store holds. Delivery is best-effort: the store write is
// the durability guarantee, and a broker outage must never stall a flush.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"careledger/internal/audit"
)

// Kafka publishes audit records to a single topic, keyed by record ID so
// replays of the same record land in the same partition.
type Kafka struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewKafka connects to the given seed brokers.
func NewKafka(seeds []string, topic string, logger *slog.Logger) (*Kafka, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(seeds...),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Kafka{client: client, topic: topic, logger: logger}, nil
}

// Publish implements audit.Sink. Produce is asynchronous; errors surface in
// the callback and are logged, never returned to the flush path.
func (k *Kafka) Publish(ctx context.Context, records []audit.EventRecord) {
	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			k.logger.ErrorContext(ctx, "failed to marshal audit record for kafka",
				"record_id", rec.ID.String(),
				"error", err,
			)
			continue
		}

		k.client.Produce(ctx, &kgo.Record{
			Topic: k.topic,
			Key:   []byte(rec.ID.String()),
			Value: payload,
		}, func(r *kgo.Record, err error) {
			if err != nil {
				k.logger.Error("failed to publish audit record to kafka",
					"topic", r.Topic,
					"key", string(r.Key),
					"error", err,
				)
			}
		})
	}
}

// Close flushes outstanding produce requests and releases the client.
func (k *Kafka) Close(ctx context.Context) {
	if err := k.client.Flush(ctx); err != nil {
		k.logger.Warn("kafka flush on close failed", "error", err)
	}
	k.client.Close()
}
