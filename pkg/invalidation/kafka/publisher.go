package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/ternlabs/osm-proxy/internal/invalidation"
)

// Publisher sends invalidation events to the topic every proxy consumes.
// Messages are keyed by target so events for one target stay ordered on a
// single partition.
type Publisher struct {
	topic string
	prod  sarama.SyncProducer
	now   func() time.Time
}

func NewPublisher(cfg InvalidationConfig) (*Publisher, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka publisher: brokers and topic are required")
	}
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true

	prod, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: create sync producer: %w", err)
	}
	return newPublisher(cfg.Topic, prod), nil
}

func newPublisher(topic string, prod sarama.SyncProducer) *Publisher {
	return &Publisher{topic: topic, prod: prod, now: time.Now}
}

// Publish fills in version, op and timestamp when unset, validates ev and
// blocks until the broker acknowledges it.
func (p *Publisher) Publish(ev invalidation.Event) (partition int32, offset int64, err error) {
	if ev.Version == 0 {
		ev.Version = 1
	}
	if ev.Op == "" {
		ev.Op = invalidation.OpInvalidate
	}
	if ev.TS.IsZero() {
		ev.TS = p.now().UTC()
	}
	if err := ev.Validate(); err != nil {
		return 0, 0, err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return 0, 0, fmt.Errorf("kafka publisher: marshal: %w", err)
	}
	partition, offset, err = p.prod.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.Target()),
		Value: sarama.ByteEncoder(b),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("kafka publisher: send to %s: %w", p.topic, err)
	}
	return partition, offset, nil
}

func (p *Publisher) Close() error {
	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("kafka publisher: close producer: %w", err)
	}
	return nil
}
