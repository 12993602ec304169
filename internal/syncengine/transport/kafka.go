package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	capturemodels "github.com/eduabjr/cartorio-sub002/internal/capture/models"
	"github.com/eduabjr/cartorio-sub002/pkg/platform/resilient"
)

const (
	// DefaultTopic carries accept-record messages to the registry.
	DefaultTopic = "cartorio.records"
	// HeaderUserAgent identifies the producing client to the registry consumer.
	HeaderUserAgent = "user-agent"
)

// Producer is the subset of *kgo.Client used by KafkaSender.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaSender publishes records keyed by id, so redeliveries land on the same
// partition and the registry consumer deduplicates them.
type KafkaSender struct {
	producer Producer
	topic    string
}

func NewKafkaSender(producer Producer, topic string) (*KafkaSender, error) {
	if producer == nil {
		return nil, errors.New("kafka producer is required")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaSender{producer: producer, topic: topic}, nil
}

func (s *KafkaSender) Accept(ctx context.Context, record capturemodels.CapturedRecord) error {
	body, err := encodeRecord(record)
	if err != nil {
		return err
	}
	results := s.producer.ProduceSync(ctx, &kgo.Record{
		Topic: s.topic,
		Key:   []byte(record.ID),
		Value: body,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(record.Kind)},
			{Key: HeaderUserAgent, Value: []byte(DefaultUserAgent)},
		},
	})
	if err := results.FirstErr(); err != nil {
		err = fmt.Errorf("produce record %s: %w", record.ID, err)
		if errors.Is(err, kerr.MessageTooLarge) || errors.Is(err, kerr.InvalidRecord) {
			return resilient.Permanent(err)
		}
		return resilient.Transient(err)
	}
	return nil
}
