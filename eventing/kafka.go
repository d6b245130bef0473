package eventing

import (
	"context"
	"encoding/json"
	"fmt"
	log "log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sharedcode/tcoord"
)

// KafkaSink publishes GlobalTransactionEvent as JSON records to a Kafka topic
// (SPEC_FULL.md §2 "durable event sink"). Used when TC_EVENT_KAFKA_BROKERS is set;
// otherwise the coordinator falls back to the in-process Feed only.
type KafkaSink struct {
	client *kgo.Client
	topic  string
}

// NewKafkaSink dials brokers and returns a KafkaSink producing to topic.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("eventing: kafka sink requires at least one broker and a topic")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("eventing: kafka client: %w", err)
	}
	return &KafkaSink{client: client, topic: topic}, nil
}

var _ tcoord.EventSink = (*KafkaSink)(nil)

// Publish produces ev as a JSON record keyed by xid. Delivery is fire-and-forget: a
// produce failure is logged by the underlying client's callback, not surfaced here,
// since the coordinator must not block or fail a transaction on a slow broker.
func (k *KafkaSink) Publish(ctx context.Context, ev tcoord.GlobalTransactionEvent) {
	ba, err := json.Marshal(ev)
	if err != nil {
		return
	}
	k.client.Produce(ctx, &kgo.Record{Topic: k.topic, Key: []byte(ev.XID), Value: ba}, func(r *kgo.Record, err error) {
		if err != nil {
			log.Warn("eventing: kafka produce failed", "xid", ev.XID, "error", err)
		}
	})
}

// Close flushes and closes the underlying Kafka client.
func (k *KafkaSink) Close() error {
	err := k.client.Flush(context.Background())
	k.client.Close()
	return err
}
