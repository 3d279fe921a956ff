package usage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/shopspring/decimal"

	"github.com/systmms/tenantkeys/internal/bus"
	"github.com/systmms/tenantkeys/internal/logging"
	"github.com/systmms/tenantkeys/pkg/adapter"
	"github.com/systmms/tenantkeys/pkg/keymgr"
)

// Publish outcomes reported to the Observer.
const (
	OutcomePublished = "published"
	OutcomeFallback  = "fallback"
	OutcomeLost      = "lost"
)

// Publisher sends a message to the bus.
type Publisher interface {
	Publish(ctx context.Context, msg bus.Message) error
}

// Observer receives tracked usage for metrics.
type Observer interface {
	UsageTracked(service, outcome string, tokens int64, cost decimal.Decimal)
}

// Meter prices and publishes usage events.
type Meter struct {
	registry  *adapter.Registry
	publisher Publisher
	topic     string
	fallback  *FallbackLog
	clock     clock.Clock
	logger    *logging.Logger
	observer  Observer
	newID     func() string
}

// MeterOption configures a Meter.
type MeterOption func(*Meter)

func WithClock(c clock.Clock) MeterOption {
	return func(m *Meter) {
		m.clock = c
	}
}

func WithLogger(l *logging.Logger) MeterOption {
	return func(m *Meter) {
		m.logger = l
	}
}

func WithObserver(o Observer) MeterOption {
	return func(m *Meter) {
		m.observer = o
	}
}

// WithIDGenerator replaces uuid trace ids, for tests.
func WithIDGenerator(fn func() string) MeterOption {
	return func(m *Meter) {
		m.newID = fn
	}
}

// NewMeter creates a meter publishing to topic with fallback as the
// durable log.
func NewMeter(registry *adapter.Registry, publisher Publisher, topic string, fallback *FallbackLog, opts ...MeterOption) *Meter {
	m := &Meter{
		registry:  registry,
		publisher: publisher,
		topic:     topic,
		fallback:  fallback,
		clock:     clock.WallClock,
		logger:    logging.Discard(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TrackUsage finalizes ev and publishes it. The returned event carries the
// computed cost, trace id and timestamp. A publish failure is absorbed by
// the fallback log; only a fallback write failure is returned.
func (m *Meter) TrackUsage(ctx context.Context, ev Event) (Event, error) {
	a, err := m.registry.Lookup(ev.Service)
	if err != nil {
		return ev, err
	}

	ev.CostUSD = a.CostForUsage(ev.TokensUsed, ev.Operation)
	if ev.TraceID == "" {
		ev.TraceID = m.newID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.clock.Now().UTC()
	}

	logger := m.logger.With("service", ev.Service).With("tenant", ev.TenantID).With("trace", ev.TraceID)

	if err := m.Publish(ctx, ev); err != nil {
		logger.Warn("%v; writing to fallback log", err)

		if ferr := m.fallback.Append(ev); ferr != nil {
			m.observe(ev, OutcomeLost)
			logger.Error("Usage event lost: %v", ferr)
			return ev, fmt.Errorf("usage event %s not recorded: %w", ev.TraceID, ferr)
		}
		m.observe(ev, OutcomeFallback)
		return ev, nil
	}

	m.observe(ev, OutcomePublished)
	logger.Debug("Tracked %d tokens, cost %s USD", ev.TokensUsed, ev.CostUSD.String())
	return ev, nil
}

// Publish sends an already finalized event to the usage topic.
func (m *Meter) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: %v", keymgr.ErrPublishFailure, err)
	}
	err = m.publisher.Publish(ctx, bus.Message{
		Topic:     m.topic,
		Key:       []byte(ev.TenantID),
		Value:     payload,
		Headers:   map[string]string{"content-type": "application/json", "trace-id": ev.TraceID},
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", keymgr.ErrPublishFailure, err)
	}
	return nil
}

// Replay re-publishes the fallback log.
func (m *Meter) Replay(ctx context.Context) (ReplayResult, error) {
	res, err := m.fallback.Replay(ctx, m.Publish)
	if err == nil && res.Replayed > 0 {
		m.logger.Info("Replayed %d usage events, %d remaining", res.Replayed, res.Remaining)
	}
	return res, err
}

func (m *Meter) observe(ev Event, outcome string) {
	if m.observer != nil {
		m.observer.UsageTracked(ev.Service, outcome, ev.TokensUsed, ev.CostUSD)
	}
}
