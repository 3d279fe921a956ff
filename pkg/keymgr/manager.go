package keymgr

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/singleflight"

	"github.com/systmms/tenantkeys/internal/logging"
	"github.com/systmms/tenantkeys/pkg/adapter"
	"github.com/systmms/tenantkeys/pkg/secretstore"
	"github.com/systmms/tenantkeys/pkg/strategy"
	"github.com/systmms/tenantkeys/pkg/tenant"
)

// Access outcomes recorded for audit.
const (
	OutcomeResolved         = "resolved"
	OutcomeEnvFallback      = "env-fallback"
	OutcomeMissing          = "missing"
	OutcomeError            = "error"
	OutcomeProvisioned      = "provisioned"
	OutcomeProvisionFailed  = "provision-failed"
	OutcomeRotated          = "rotated"
	OutcomeRotationAborted  = "rotation-aborted"
	OutcomeCustomerSupplied = "customer-supplied"
)

// Catalog statuses.
const (
	StatusActive   = "active"
	StatusRotated  = "rotated"
	StatusCustomer = "customer-supplied"
)

const managedBy = "tenantkeys"

// AccessRecord is one audit line for a credential resolution or change.
// It never carries the credential value.
type AccessRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	Service    string    `json:"service"`
	TenantID   string    `json:"tenant_id"`
	UserID     string    `json:"user_id,omitempty"`
	Tier       string    `json:"tier"`
	Strategy   string    `json:"strategy"`
	SecretName string    `json:"secret_name"`
	Version    int64     `json:"version,omitempty"`
	Outcome    string    `json:"outcome"`
}

// AccessRecorder receives access records. Implementations must not block
// the caller on a slow sink.
type AccessRecorder interface {
	RecordAccess(ctx context.Context, rec AccessRecord)
}

// CatalogEntry is the external registry view of one (tenant, service) credential.
type CatalogEntry struct {
	TenantID    string    `json:"tenant_id"`
	Service     string    `json:"service"`
	SecretName  string    `json:"secret_name"`
	Strategy    string    `json:"strategy"`
	Status      string    `json:"status"`
	Version     int64     `json:"version"`
	UpdatedBy   string    `json:"updated_by,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	Rotations   int       `json:"rotations"`
	LastRotated time.Time `json:"last_rotated,omitempty"`
}

// Catalog stores catalog entries. Upsert merges into an existing entry.
type Catalog interface {
	Upsert(ctx context.Context, entry CatalogEntry) error
}

// Observer receives operation timings for metrics.
type Observer interface {
	ObserveOperation(op, service, outcome string, d time.Duration)
}

// AdminSource returns the admin credential document for a provider.
type AdminSource interface {
	AdminCredentials(ctx context.Context, desc adapter.Descriptor) (adapter.AdminCredentials, error)
}

// StoreAdminSource reads admin credentials from "<prefix>-admin" in a store.
type StoreAdminSource struct {
	Store *secretstore.Store
}

func (s StoreAdminSource) AdminCredentials(ctx context.Context, desc adapter.Descriptor) (adapter.AdminCredentials, error) {
	rec, err := s.Store.Get(ctx, strategy.AdminSecretName(desc.SecretPrefix))
	if err != nil {
		return nil, err
	}
	return adapter.AdminCredentials(rec.Value), nil
}

// Manager is the key lifecycle manager.
type Manager struct {
	registry *adapter.Registry
	store    *secretstore.Store
	admin    AdminSource
	catalog  Catalog
	audit    AccessRecorder
	observer Observer
	logger   *logging.Logger
	clock    clock.Clock

	sharedEnvFallback bool
	getenv            func(string) string

	provisions singleflight.Group
	rotations  singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithAdminSource overrides where admin credentials are read from.
func WithAdminSource(s AdminSource) Option {
	return func(m *Manager) {
		m.admin = s
	}
}

// WithCatalog sets the credential catalog.
func WithCatalog(c Catalog) Option {
	return func(m *Manager) {
		m.catalog = c
	}
}

// WithAccessRecorder sets the audit sink.
func WithAccessRecorder(r AccessRecorder) Option {
	return func(m *Manager) {
		m.audit = r
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithClock sets the clock used for record timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithSharedEnvFallback lets shared credentials fall back to an environment
// variable named after the secret prefix when the store has none.
func WithSharedEnvFallback(enabled bool) Option {
	return func(m *Manager) {
		m.sharedEnvFallback = enabled
	}
}

// WithGetenv replaces os.Getenv for the shared fallback.
func WithGetenv(fn func(string) string) Option {
	return func(m *Manager) {
		m.getenv = fn
	}
}

// New creates a Manager over registry and store.
func New(registry *adapter.Registry, store *secretstore.Store, opts ...Option) *Manager {
	m := &Manager{
		registry: registry,
		store:    store,
		admin:    StoreAdminSource{Store: store},
		catalog:  nopCatalog{},
		audit:    nopRecorder{},
		observer: nopObserver{},
		logger:   logging.Discard(),
		clock:    clock.WallClock,
		getenv:   os.Getenv,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resolution is the sourcing decision for one (service, tenant) pair.
type Resolution struct {
	Adapter    adapter.ServiceAdapter
	Descriptor adapter.Descriptor
	Strategy   strategy.Strategy
	SecretName string
}

// Resolve looks up the adapter and decides the strategy and secret name.
// It performs no I/O.
func (m *Manager) Resolve(service string, t tenant.Context) (Resolution, error) {
	if err := tenant.ValidateID(t.TenantID); err != nil {
		return Resolution{}, err
	}
	a, err := m.registry.Lookup(service)
	if err != nil {
		return Resolution{}, err
	}
	desc, err := m.registry.Descriptor(service)
	if err != nil {
		return Resolution{}, err
	}
	caps, err := m.registry.Capabilities(service)
	if err != nil {
		return Resolution{}, err
	}

	s := strategy.Resolve(service, t.Tier, caps)
	return Resolution{
		Adapter:    a,
		Descriptor: desc,
		Strategy:   s,
		SecretName: strategy.SecretName(s, desc.SecretPrefix, t.TenantID),
	}, nil
}

// EnvVarName is the shared fallback variable for a secret prefix,
// e.g. "openai-key" becomes "OPENAI_KEY".
func EnvVarName(prefix string) string {
	return strings.ToUpper(strings.ReplaceAll(prefix, "-", "_"))
}

func (m *Manager) record(ctx context.Context, res Resolution, t tenant.Context, userID, outcome string, version int64) {
	m.audit.RecordAccess(ctx, AccessRecord{
		Timestamp:  m.clock.Now().UTC(),
		Service:    res.Descriptor.ID,
		TenantID:   t.TenantID,
		UserID:     userID,
		Tier:       string(t.Tier),
		Strategy:   res.Strategy.String(),
		SecretName: res.SecretName,
		Version:    version,
		Outcome:    outcome,
	})
}

func (m *Manager) observe(op, service, outcome string, start time.Time) {
	m.observer.ObserveOperation(op, service, outcome, m.clock.Now().Sub(start))
}

func (m *Manager) upsertCatalog(ctx context.Context, entry CatalogEntry) {
	entry.UpdatedAt = m.clock.Now().UTC()
	if err := m.catalog.Upsert(ctx, entry); err != nil {
		m.logger.With("service", entry.Service).With("tenant", entry.TenantID).
			Warn("Failed to update credential catalog: %v", err)
	}
}

func metadataFor(t tenant.Context, s strategy.Strategy) secretstore.Metadata {
	labels := map[string]string{
		"strategy":                 s.String(),
		secretstore.LabelManagedBy: managedBy,
	}
	if t.Region != "" {
		labels["region"] = t.Region
	}
	return secretstore.Metadata{
		TenantID: t.TenantID,
		Tier:     string(t.Tier),
		Labels:   labels,
	}
}

func pairKey(service, tenantID string) string {
	return service + "/" + tenantID
}

type nopCatalog struct{}

func (nopCatalog) Upsert(context.Context, CatalogEntry) error { return nil }

type nopRecorder struct{}

func (nopRecorder) RecordAccess(context.Context, AccessRecord) {}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, string, string, time.Duration) {}
