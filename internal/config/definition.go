package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	dserrors "github.com/systmms/tenantkeys/internal/errors"
	"github.com/systmms/tenantkeys/pkg/tenant"
)

// Definition represents the tenantkeys.yaml structure
type Definition struct {
	Version           int                       `yaml:"version"`
	Backend           BackendConfig             `yaml:"backend"`
	Cache             CacheConfig               `yaml:"cache,omitempty"`
	Tenants           map[string]TenantConfig   `yaml:"tenants"`
	SharedEnvFallback bool                      `yaml:"shared_env_fallback,omitempty"`
	Bus               BusConfig                 `yaml:"bus,omitempty"`
	Usage             UsageConfig               `yaml:"usage,omitempty"`
	Billing           BillingConfig             `yaml:"billing,omitempty"`
	Invoicing         InvoicingConfig           `yaml:"invoicing,omitempty"`
	Catalog           CatalogConfig             `yaml:"catalog,omitempty"`
	Rotation          RotationConfig            `yaml:"rotation,omitempty"`
	Metrics           MetricsConfig             `yaml:"metrics,omitempty"`
	Providers         map[string]ProviderConfig `yaml:"providers,omitempty"`
}

// BackendConfig selects and configures the secret backend. Keys other than
// type, namespace and timeout are passed through to the backend factory.
type BackendConfig struct {
	Type      string                 `yaml:"type"`
	Namespace string                 `yaml:"namespace,omitempty"`
	Timeout   time.Duration          `yaml:"timeout,omitempty"`
	Config    map[string]interface{} `yaml:",inline"`
}

// String returns a backend config value, or "" when unset or not a string.
func (b BackendConfig) String(key string) string {
	s, _ := b.Config[key].(string)
	return s
}

// Bool returns a backend config value, or def when unset.
func (b BackendConfig) Bool(key string, def bool) bool {
	if v, ok := b.Config[key].(bool); ok {
		return v
	}
	return def
}

// ProviderConfig overrides how tenantkeys reaches one provider's API
type ProviderConfig struct {
	BaseURL string `yaml:"base_url,omitempty"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl,omitempty"`
}

// TenantConfig describes one tenant
type TenantConfig struct {
	Domain     string   `yaml:"domain,omitempty"`
	Tier       string   `yaml:"tier"`
	Region     string   `yaml:"region,omitempty"`
	Compliance []string `yaml:"compliance,omitempty"`
}

// BusConfig configures where usage events and access records are published
type BusConfig struct {
	// Type is "kafka" or "memory".
	Type          string   `yaml:"type,omitempty"`
	Brokers       []string `yaml:"brokers,omitempty"`
	ClientID      string   `yaml:"client_id,omitempty"`
	UsageTopic    string   `yaml:"usage_topic,omitempty"`
	AccessTopic   string   `yaml:"access_topic,omitempty"`
	ConsumerGroup string   `yaml:"consumer_group,omitempty"`
}

type UsageConfig struct {
	// FallbackLog is the JSONL file events are appended to when the bus is down.
	FallbackLog string         `yaml:"fallback_log,omitempty"`
	Log         UsageLogConfig `yaml:"log,omitempty"`
}

// UsageLogConfig points at the SQL usage event log. DSN may be a
// store:// reference.
type UsageLogConfig struct {
	Driver string `yaml:"driver,omitempty"`
	DSN    string `yaml:"dsn,omitempty"`
	Table  string `yaml:"table,omitempty"`
}

type BillingConfig struct {
	MaterialityThreshold string            `yaml:"materiality_threshold,omitempty"`
	AccountCode          string            `yaml:"account_code,omitempty"`
	ComponentCodes       map[string]string `yaml:"component_codes,omitempty"`
}

// Threshold returns the parsed materiality threshold
func (b BillingConfig) Threshold() decimal.Decimal {
	d, err := decimal.NewFromString(b.MaterialityThreshold)
	if err != nil {
		return decimal.RequireFromString(DefaultMaterialityThreshold)
	}
	return d
}

// InvoicingConfig selects the invoicing collaborator
type InvoicingConfig struct {
	// Type is "webhook" or "log".
	Type string `yaml:"type,omitempty"`
	URL  string `yaml:"url,omitempty"`
	// Token is sent as a bearer token. May be a store:// reference.
	Token      string        `yaml:"token,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	MaxRetries int           `yaml:"max_retries,omitempty"`
}

type CatalogConfig struct {
	Path string `yaml:"path,omitempty"`
}

// RotationConfig enables scheduled rotation of dedicated credentials
type RotationConfig struct {
	Enabled   bool               `yaml:"enabled,omitempty"`
	Interval  time.Duration      `yaml:"interval,omitempty"`
	Schedules []RotationSchedule `yaml:"schedules,omitempty"`
}

// RotationSchedule overrides the default interval for one pair
type RotationSchedule struct {
	Service  string        `yaml:"service"`
	Tenant   string        `yaml:"tenant"`
	Interval time.Duration `yaml:"interval,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Listen  string `yaml:"listen,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// Defaults
const (
	DefaultCacheTTL             = 5 * time.Minute
	DefaultBackendTimeout       = 30 * time.Second
	DefaultUsageTopic           = "usage-events"
	DefaultAccessTopic          = "key-access-log"
	DefaultConsumerGroup        = "tenantkeys-usage-log"
	DefaultClientID             = "tenantkeys"
	DefaultFallbackLog          = "usage-fallback.jsonl"
	DefaultUsageTable           = "usage_events"
	DefaultMaterialityThreshold = "0.01"
	DefaultAccountCode          = "4000"
	DefaultInvoiceTimeout       = 10 * time.Second
	DefaultInvoiceRetries       = 3
	DefaultCatalogPath          = "catalog.json"
	DefaultRotationInterval     = 30 * 24 * time.Hour
	DefaultMetricsListen        = ":9102"
	DefaultMetricsPath          = "/metrics"
)

func (d *Definition) applyDefaults() {
	if d.Backend.Type == "" {
		d.Backend.Type = "memory"
	}
	if d.Backend.Namespace == "" {
		d.Backend.Namespace = d.Backend.Type
	}
	if d.Backend.Timeout <= 0 {
		d.Backend.Timeout = DefaultBackendTimeout
	}
	if d.Cache.TTL == 0 {
		d.Cache.TTL = DefaultCacheTTL
	}

	if d.Bus.Type == "" {
		d.Bus.Type = "memory"
	}
	if d.Bus.ClientID == "" {
		d.Bus.ClientID = DefaultClientID
	}
	if d.Bus.UsageTopic == "" {
		d.Bus.UsageTopic = DefaultUsageTopic
	}
	if d.Bus.AccessTopic == "" {
		d.Bus.AccessTopic = DefaultAccessTopic
	}
	if d.Bus.ConsumerGroup == "" {
		d.Bus.ConsumerGroup = DefaultConsumerGroup
	}

	if d.Usage.FallbackLog == "" {
		d.Usage.FallbackLog = DefaultFallbackLog
	}
	if d.Usage.Log.Table == "" {
		d.Usage.Log.Table = DefaultUsageTable
	}

	if d.Billing.MaterialityThreshold == "" {
		d.Billing.MaterialityThreshold = DefaultMaterialityThreshold
	}
	if d.Billing.AccountCode == "" {
		d.Billing.AccountCode = DefaultAccountCode
	}

	if d.Invoicing.Type == "" {
		d.Invoicing.Type = "log"
	}
	if d.Invoicing.Timeout <= 0 {
		d.Invoicing.Timeout = DefaultInvoiceTimeout
	}
	if d.Invoicing.MaxRetries <= 0 {
		d.Invoicing.MaxRetries = DefaultInvoiceRetries
	}

	if d.Catalog.Path == "" {
		d.Catalog.Path = DefaultCatalogPath
	}

	if d.Rotation.Interval <= 0 {
		d.Rotation.Interval = DefaultRotationInterval
	}

	if d.Metrics.Listen == "" {
		d.Metrics.Listen = DefaultMetricsListen
	}
	if d.Metrics.Path == "" {
		d.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks cross-field constraints
func (d *Definition) Validate() error {
	for id, tc := range d.Tenants {
		if err := tenant.ValidateID(id); err != nil {
			return dserrors.ConfigError{
				Field:      fmt.Sprintf("tenants.%s", id),
				Value:      id,
				Message:    err.Error(),
				Suggestion: "Tenant ids may not be 'admin' or end in '-customer'; rename the tenant",
			}
		}
		if !tenant.ParseTier(tc.Tier).Known() {
			return dserrors.ConfigError{
				Field:      fmt.Sprintf("tenants.%s.tier", id),
				Value:      tc.Tier,
				Message:    "unknown tier",
				Suggestion: "Use one of: " + joinTiers(),
			}
		}
		for _, f := range tc.Compliance {
			if !tenant.ComplianceFlag(strings.ToUpper(f)).Known() {
				return dserrors.ConfigError{
					Field:      fmt.Sprintf("tenants.%s.compliance", id),
					Value:      f,
					Message:    "unknown compliance flag",
					Suggestion: "Use SOC2, GDPR or HIPAA",
				}
			}
		}
	}

	switch d.Bus.Type {
	case "memory":
	case "kafka":
		if len(d.Bus.Brokers) == 0 {
			return dserrors.ConfigError{
				Field:      "bus.brokers",
				Message:    "kafka bus requires at least one broker",
				Suggestion: "Add 'brokers: [localhost:9092]' under 'bus:'",
			}
		}
	default:
		return dserrors.ConfigError{
			Field:      "bus.type",
			Value:      d.Bus.Type,
			Message:    "unsupported bus type",
			Suggestion: "Use 'kafka' or 'memory'",
		}
	}

	switch d.Usage.Log.Driver {
	case "", "postgres", "mysql":
	default:
		return dserrors.ConfigError{
			Field:      "usage.log.driver",
			Value:      d.Usage.Log.Driver,
			Message:    "unsupported SQL driver",
			Suggestion: "Use 'postgres' or 'mysql'",
		}
	}
	if d.Usage.Log.Driver != "" && d.Usage.Log.DSN == "" {
		return dserrors.ConfigError{
			Field:      "usage.log.dsn",
			Message:    "a DSN is required when usage.log.driver is set",
			Suggestion: "Set 'dsn:' to a connection string or a store:// reference",
		}
	}

	threshold, err := decimal.NewFromString(d.Billing.MaterialityThreshold)
	if err != nil || threshold.IsNegative() {
		return dserrors.ConfigError{
			Field:      "billing.materiality_threshold",
			Value:      d.Billing.MaterialityThreshold,
			Message:    "must be a non-negative decimal",
			Suggestion: "Quote the value, e.g. materiality_threshold: \"0.01\"",
		}
	}

	switch d.Invoicing.Type {
	case "log":
	case "webhook":
		if d.Invoicing.URL == "" {
			return dserrors.ConfigError{
				Field:      "invoicing.url",
				Message:    "webhook invoicing requires a url",
				Suggestion: "Set 'url:' under 'invoicing:'",
			}
		}
	default:
		return dserrors.ConfigError{
			Field:      "invoicing.type",
			Value:      d.Invoicing.Type,
			Message:    "unsupported invoicing type",
			Suggestion: "Use 'webhook' or 'log'",
		}
	}

	for id, p := range d.Providers {
		if p.BaseURL == "" {
			continue
		}
		u, err := url.Parse(p.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return dserrors.ConfigError{
				Field:      fmt.Sprintf("providers.%s.base_url", id),
				Value:      p.BaseURL,
				Message:    "base_url must be an absolute URL",
				Suggestion: "Use a full URL such as https://egress.internal/openai",
			}
		}
	}

	for i, s := range d.Rotation.Schedules {
		if s.Service == "" || s.Tenant == "" {
			return dserrors.ConfigError{
				Field:      fmt.Sprintf("rotation.schedules[%d]", i),
				Message:    "service and tenant are required",
				Suggestion: "Each schedule needs 'service:' and 'tenant:'",
			}
		}
		if _, ok := d.Tenants[s.Tenant]; !ok {
			return dserrors.ConfigError{
				Field:      fmt.Sprintf("rotation.schedules[%d].tenant", i),
				Value:      s.Tenant,
				Message:    "tenant not found in configuration",
				Suggestion: "Add the tenant to the 'tenants:' section first",
			}
		}
		if s.Interval < 0 {
			return dserrors.ConfigError{
				Field:   fmt.Sprintf("rotation.schedules[%d].interval", i),
				Value:   s.Interval,
				Message: "interval must be positive",
			}
		}
	}

	return nil
}

// ScheduleInterval returns the interval for s, falling back to the default
func (r RotationConfig) ScheduleInterval(s RotationSchedule) time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return r.Interval
}

func joinTiers() string {
	tiers := tenant.KnownTiers()
	out := make([]string, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, string(t))
	}
	return strings.Join(out, ", ")
}

// BaseURLs returns the configured API roots keyed by service id
func (d *Definition) BaseURLs() map[string]string {
	out := make(map[string]string, len(d.Providers))
	for id, p := range d.Providers {
		if p.BaseURL != "" {
			out[id] = p.BaseURL
		}
	}
	return out
}
