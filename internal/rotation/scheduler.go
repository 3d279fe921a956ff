package rotation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	dserrors "github.com/systmms/tenantkeys/internal/errors"
	"github.com/systmms/tenantkeys/internal/logging"
	"github.com/systmms/tenantkeys/pkg/keymgr"
	"github.com/systmms/tenantkeys/pkg/tenant"
)

// RequestedBy is recorded as the actor on scheduled rotations.
const RequestedBy = "rotation-scheduler"

// DefaultTimeout bounds one scheduled rotation.
const DefaultTimeout = 5 * time.Minute

// Rotator rotates a dedicated credential.
type Rotator interface {
	RotateCredential(ctx context.Context, service string, t tenant.Context, requestedBy string) (keymgr.RotationResult, error)
}

// Pair identifies one scheduled credential.
type Pair struct {
	Service string
	Tenant  tenant.Context
}

func (p Pair) key() string {
	return p.Service + "/" + p.Tenant.TenantID
}

type entry struct {
	pair     Pair
	interval time.Duration
	timer    clock.Timer
	gen      uint64
}

// Scheduler rotates credentials on a fixed interval per pair. Each pair
// has at most one armed timer; a failed or aborted rotation is retried at
// the next interval.
type Scheduler struct {
	rotator Rotator
	clock   clock.Clock
	logger  *logging.Logger
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
	stopped bool
	running sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithTimeout bounds each rotation attempt.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.timeout = d
	}
}

// NewScheduler creates a scheduler. No timers are armed until Schedule.
func NewScheduler(rotator Rotator, opts ...Option) *Scheduler {
	s := &Scheduler{
		rotator: rotator,
		clock:   clock.WallClock,
		logger:  logging.Discard(),
		timeout: DefaultTimeout,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule arms a rotation of pair every interval, replacing any existing
// schedule for the same pair.
func (s *Scheduler) Schedule(pair Pair, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("rotation interval for %s must be positive", pair.key())
	}
	if pair.Service == "" || pair.Tenant.TenantID == "" {
		return fmt.Errorf("rotation schedule needs a service and a tenant")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("scheduler is stopped")
	}

	key := pair.key()
	if old, ok := s.entries[key]; ok {
		old.timer.Stop()
	}

	s.gen++
	e := &entry{pair: pair, interval: interval, gen: s.gen}
	s.arm(key, e)
	s.entries[key] = e

	s.logger.With("service", pair.Service).With("tenant", pair.Tenant.TenantID).
		Debug("Rotation scheduled every %s", interval)
	return nil
}

// Unschedule cancels the timer for pair. A rotation already running
// completes.
func (s *Scheduler) Unschedule(pair Pair) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[pair.key()]; ok {
		e.timer.Stop()
		delete(s.entries, pair.key())
	}
}

// Scheduled lists the armed pairs as "service/tenant", sorted.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stop cancels every timer and waits for in-flight rotations to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for key, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, key)
	}
	s.mu.Unlock()

	s.running.Wait()
}

// arm must be called with s.mu held.
func (s *Scheduler) arm(key string, e *entry) {
	gen := e.gen
	e.timer = s.clock.AfterFunc(e.interval, func() { s.fire(key, gen) })
}

func (s *Scheduler) fire(key string, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	s.rotate(e.pair)

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[key]; ok && cur.gen == gen && !s.stopped {
		s.arm(key, cur)
	}
}

func (s *Scheduler) rotate(pair Pair) {
	log := s.logger.With("service", pair.Service).With("tenant", pair.Tenant.TenantID)

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	res, err := s.rotator.RotateCredential(ctx, pair.Service, pair.Tenant, RequestedBy)
	switch {
	case err == nil:
		log.Info("Rotated %s from v%d to v%d", logging.Secret(res.SecretName), res.OldVersion, res.NewVersion)
	case errors.Is(err, keymgr.ErrRotationAborted):
		log.Warn("Rotation aborted, current key kept: %v", err)
	case dserrors.IsRetryable(err):
		log.Warn("Rotation hit a transient error, retrying next interval: %v", err)
	default:
		log.Error("Rotation failed: %v", err)
	}
}
