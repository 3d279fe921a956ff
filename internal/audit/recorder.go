// Package audit ships credential access records to the bus.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/systmms/tenantkeys/internal/bus"
	"github.com/systmms/tenantkeys/internal/logging"
	"github.com/systmms/tenantkeys/pkg/keymgr"
)

// DefaultQueueSize is the number of records buffered before new ones are dropped.
const DefaultQueueSize = 256

const drainTimeout = 5 * time.Second

// DropCounter is notified for every record that could not be delivered.
type DropCounter interface {
	AccessRecordDropped(reason string)
}

// Recorder publishes access records from a bounded queue so that a slow
// or unavailable bus never blocks credential resolution. Publish failures
// are logged with the record and dropped.
type Recorder struct {
	publisher bus.Publisher
	topic     string
	logger    *logging.Logger
	drops     DropCounter

	queue   chan keymgr.AccessRecord
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	done    chan struct{}

	dropped atomic.Int64
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan keymgr.AccessRecord, n)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Recorder) {
		r.logger = l
	}
}

// WithDropCounter reports dropped records, e.g. to metrics.
func WithDropCounter(d DropCounter) Option {
	return func(r *Recorder) {
		r.drops = d
	}
}

// NewRecorder creates a recorder publishing to topic.
func NewRecorder(publisher bus.Publisher, topic string, opts ...Option) *Recorder {
	r := &Recorder{
		publisher: publisher,
		topic:     topic,
		logger:    logging.Discard(),
		queue:     make(chan keymgr.AccessRecord, DefaultQueueSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs the delivery worker until Stop or ctx is done.
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	done := make(chan struct{})
	r.done = done
	r.mu.Unlock()

	r.wg.Add(1)
	go r.worker(ctx, done)
}

// Stop delivers what is queued and waits for the worker.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	done := r.done
	r.mu.Unlock()

	close(done)
	r.wg.Wait()
}

// RecordAccess queues rec. It never blocks; a full queue drops the record.
func (r *Recorder) RecordAccess(_ context.Context, rec keymgr.AccessRecord) {
	r.mu.RLock()
	running := r.running
	r.mu.RUnlock()
	if !running {
		r.drop("stopped", rec, nil)
		return
	}

	select {
	case r.queue <- rec:
	default:
		r.drop("queue-full", rec, nil)
	}
}

// Dropped returns the number of records that were not delivered.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) worker(ctx context.Context, done <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case <-done:
			r.drain()
			return
		case rec := <-r.queue:
			r.publish(ctx, rec)
		}
	}
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case rec := <-r.queue:
			r.publish(ctx, rec)
		default:
			return
		}
	}
}

func (r *Recorder) publish(ctx context.Context, rec keymgr.AccessRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		r.drop("marshal", rec, err)
		return
	}

	err = r.publisher.Publish(ctx, bus.Message{
		Topic:     r.topic,
		Key:       []byte(rec.TenantID),
		Value:     payload,
		Headers:   map[string]string{"content-type": "application/json"},
		Timestamp: rec.Timestamp,
	})
	if err != nil {
		r.drop("publish", rec, err)
	}
}

func (r *Recorder) drop(reason string, rec keymgr.AccessRecord, err error) {
	r.dropped.Add(1)
	if r.drops != nil {
		r.drops.AccessRecordDropped(reason)
	}

	logger := r.logger.
		With("service", rec.Service).
		With("tenant", rec.TenantID).
		With("outcome", rec.Outcome)
	if err != nil {
		logger.Warn("Access record not delivered (%s): %v", reason, err)
		return
	}
	logger.Warn("Access record not delivered (%s)", reason)
}
