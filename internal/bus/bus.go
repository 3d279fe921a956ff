// Package bus publishes and consumes usage events and access records.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/systmms/tenantkeys/internal/config"
	"github.com/systmms/tenantkeys/internal/logging"
)

// ErrClosed is returned by operations on a closed publisher or consumer.
var ErrClosed = errors.New("bus is closed")

// Message is one record on a topic.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Publisher sends messages to a topic and waits for the acknowledgement.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Handler processes a consumed message. A returned error leaves the
// message uncommitted so it is redelivered.
type Handler func(ctx context.Context, msg Message) error

// Consumer delivers messages to a handler until ctx is done.
type Consumer interface {
	Run(ctx context.Context, handler Handler) error
	Close() error
}

// NewPublisher builds the publisher described by cfg.
func NewPublisher(cfg config.BusConfig, logger *logging.Logger) (Publisher, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryBus(), nil
	case "kafka":
		return NewKafkaPublisher(KafkaConfig{Brokers: cfg.Brokers, ClientID: cfg.ClientID}, logger)
	default:
		return nil, fmt.Errorf("unknown bus type: %s (supported: kafka, memory)", cfg.Type)
	}
}

// NewConsumer builds a consumer of topics described by cfg. The memory
// bus has no cross-process consumer.
func NewConsumer(cfg config.BusConfig, logger *logging.Logger, topics ...string) (Consumer, error) {
	switch cfg.Type {
	case "kafka":
		return NewKafkaConsumer(KafkaConfig{
			Brokers:       cfg.Brokers,
			ClientID:      cfg.ClientID,
			ConsumerGroup: cfg.ConsumerGroup,
		}, logger, topics...)
	default:
		return nil, fmt.Errorf("bus type %q does not support consumers; use kafka", cfg.Type)
	}
}
