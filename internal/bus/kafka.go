package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/systmms/tenantkeys/internal/logging"
)

// KafkaConfig holds broker settings shared by publisher and consumer.
type KafkaConfig struct {
	Brokers         []string
	ClientID        string
	ConsumerGroup   string
	DeliveryTimeout time.Duration
}

// producerClient is the subset of *kgo.Client the publisher uses.
type producerClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Ping(ctx context.Context) error
	Close()
}

// KafkaPublisher produces synchronously so a failed publish is known to
// the caller, which falls back to its durable log.
type KafkaPublisher struct {
	client producerClient
	logger *logging.Logger

	mu     sync.RWMutex
	closed bool
}

// NewKafkaPublisher connects a producer to the brokers.
func NewKafkaPublisher(cfg KafkaConfig, logger *logging.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5 * time.Millisecond),
		kgo.AllowAutoTopicCreation(),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.DeliveryTimeout > 0 {
		opts = append(opts, kgo.RecordDeliveryTimeout(cfg.DeliveryTimeout))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newKafkaPublisher(client, logger), nil
}

func newKafkaPublisher(client producerClient, logger *logging.Logger) *KafkaPublisher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &KafkaPublisher{client: client, logger: logger}
}

// Publish sends msg and waits for the broker acknowledgement.
func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	record := &kgo.Record{
		Topic:     msg.Topic,
		Key:       msg.Key,
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
	}
	for k, v := range msg.Headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", msg.Topic, err)
	}
	return nil
}

// Healthy reports whether the brokers answer a ping.
func (p *KafkaPublisher) Healthy(ctx context.Context) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	return p.client.Ping(ctx) == nil
}

// Close flushes nothing; every Publish is already acknowledged.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.client.Close()
	return nil
}

// consumerClient is the subset of *kgo.Client the consumer uses.
type consumerClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	Close()
}

// KafkaConsumer reads a consumer group with manual commits, giving
// at-least-once delivery to the handler.
type KafkaConsumer struct {
	client consumerClient
	logger *logging.Logger

	mu     sync.Mutex
	closed bool
}

// NewKafkaConsumer joins cfg.ConsumerGroup on topics.
func NewKafkaConsumer(cfg KafkaConfig, logger *logging.Logger, topics ...string) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka consumer group not configured")
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("no topics to consume")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return newKafkaConsumer(client, logger), nil
}

func newKafkaConsumer(client consumerClient, logger *logging.Logger) *KafkaConsumer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &KafkaConsumer{client: client, logger: logger}
}

// Run polls until ctx is done or the client is closed. Records the handler
// accepts are committed after each poll; rejected records are not.
func (c *KafkaConsumer) Run(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if ctx.Err() == nil {
				c.logger.Error("Kafka fetch error on %s[%d]: %v", topic, partition, err)
			}
		})

		var done []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			msg := Message{
				Topic:     r.Topic,
				Key:       r.Key,
				Value:     r.Value,
				Timestamp: r.Timestamp,
			}
			if len(r.Headers) > 0 {
				msg.Headers = make(map[string]string, len(r.Headers))
				for _, h := range r.Headers {
					msg.Headers[h.Key] = string(h.Value)
				}
			}

			if err := handler(ctx, msg); err != nil {
				c.logger.Warn("Handler rejected %s[%d]@%d: %v", r.Topic, r.Partition, r.Offset, err)
				return
			}
			done = append(done, r)
		})

		if len(done) > 0 {
			if err := c.client.CommitRecords(ctx, done...); err != nil && ctx.Err() == nil {
				c.logger.Error("Failed to commit %d records: %v", len(done), err)
			}
		}
	}
}

// Close leaves the group and closes the client.
func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.client.Close()
	return nil
}
