// Package publish emits validation decisions to downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/sells-group/facility-locator/internal/model"
)

// Publisher delivers decision events.
type Publisher interface {
	Publish(ctx context.Context, ev model.DecisionEvent) error
	Close() error
}

// Nop discards every event. Used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, model.DecisionEvent) error { return nil }
func (Nop) Close() error                                        { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Kafka produces decision events to a Kafka topic, keyed by query id so
// every decision about one location lands on the same partition.
type Kafka struct {
	writer messageWriter
}

// NewKafka creates a Kafka producer for the given brokers and topic.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, eris.New("publish: no kafka brokers configured")
	}
	if topic == "" {
		return nil, eris.New("publish: kafka topic is required")
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Kafka{writer: w}, nil
}

func (k *Kafka) Publish(ctx context.Context, ev model.DecisionEvent) error {
	msg, err := toMessage(ev)
	if err != nil {
		return err
	}
	return eris.Wrapf(k.writer.WriteMessages(ctx, msg), "publish: write decision for %s", ev.QueryID)
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

func toMessage(ev model.DecisionEvent) (kafkago.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, eris.Wrap(err, "publish: marshal decision")
	}
	return kafkago.Message{
		Key:   []byte(ev.QueryID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "status", Value: []byte(ev.Status)},
			{Key: "decided_at", Value: []byte(ev.At.UTC().Format(time.RFC3339))},
		},
	}, nil
}
