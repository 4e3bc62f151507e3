package outbox

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

var _ Publisher = (*KafkaPublisher)(nil)

// KafkaPublisher produces outbox records to Kafka. The Kafka topic is the
// record topic with a configurable prefix.
type KafkaPublisher struct {
	client      *kgo.Client
	topicPrefix string
}

// NewKafkaPublisher connects a producer to the given seed brokers.
func NewKafkaPublisher(brokers []string, topicPrefix string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("kart-checkout"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create kafka client")
	}
	return &KafkaPublisher{client: client, topicPrefix: topicPrefix}, nil
}

// Publish produces all records and waits for their acknowledgement.
func (p *KafkaPublisher) Publish(ctx context.Context, records []Record) error {
	krs := make([]*kgo.Record, len(records))
	for i, rec := range records {
		krs[i] = &kgo.Record{
			Topic: p.topicPrefix + rec.Topic,
			Key:   []byte(rec.Key),
			Value: rec.Payload,
			Headers: []kgo.RecordHeader{
				{Key: "event_id", Value: []byte(rec.EventID)},
			},
		}
	}
	if err := p.client.ProduceSync(ctx, krs...).FirstErr(); err != nil {
		return errors.Wrap(err, "produce")
	}
	return nil
}

// Ping checks connectivity to the cluster.
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes and closes the producer.
func (p *KafkaPublisher) Close() {
	p.client.Close()
}

var _ Publisher = LogPublisher{}

// LogPublisher writes records to the context logger. It stands in for a broker
// in local setups so the outbox does not grow without bound.
type LogPublisher struct{}

// Publish logs every record.
func (LogPublisher) Publish(ctx context.Context, records []Record) error {
	lg := zctx.From(ctx)
	for _, rec := range records {
		lg.Info("Outbox event",
			zap.String("event_id", rec.EventID),
			zap.String("topic", rec.Topic),
			zap.String("key", rec.Key),
			zap.ByteString("payload", rec.Payload),
		)
	}
	return nil
}
