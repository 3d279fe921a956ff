package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/systmms/tenantkeys/internal/errors"
	"github.com/systmms/tenantkeys/pkg/tenant"
)

const fullConfig = `
version: 1
backend:
  type: gcp.secretmanager
  project_id: acme-prod
  timeout: 15s
cache:
  ttl: 2m
tenants:
  acme:
    domain: acme.example
    tier: managed-enterprise
    region: us-east1
    compliance: [soc2, GDPR]
  corner-shop:
    tier: managed-basic
shared_env_fallback: true
bus:
  type: kafka
  brokers: ["kafka-1:9092", "kafka-2:9092"]
usage:
  fallback_log: /var/lib/tenantkeys/usage.jsonl
  log:
    driver: postgres
    dsn: store://gcp.secretmanager/usage-log-dsn
billing:
  materiality_threshold: "0.05"
  component_codes:
    openai: 15-OPENAI-EU
invoicing:
  type: webhook
  url: https://billing.internal/invoices
  token: store://gcp.secretmanager/invoice-token
rotation:
  enabled: true
  interval: 720h
  schedules:
    - service: hume
      tenant: acme
      interval: 168h
    - service: openai
      tenant: acme
metrics:
  enabled: true
providers:
  openai:
    base_url: https://egress.internal/openai
  hume: {}
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenantkeys.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FullDefinition(t *testing.T) {
	t.Parallel()

	cfg := &Config{Path: writeConfig(t, fullConfig)}
	require.NoError(t, cfg.Load())
	def := cfg.Definition

	assert.Equal(t, "gcp.secretmanager", def.Backend.Type)
	assert.Equal(t, "gcp.secretmanager", def.Backend.Namespace)
	assert.Equal(t, "acme-prod", def.Backend.String("project_id"))
	assert.Equal(t, 15*time.Second, def.Backend.Timeout)
	assert.Equal(t, 2*time.Minute, def.Cache.TTL)
	assert.True(t, def.SharedEnvFallback)

	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, def.Bus.Brokers)
	assert.Equal(t, DefaultUsageTopic, def.Bus.UsageTopic)
	assert.Equal(t, DefaultAccessTopic, def.Bus.AccessTopic)

	assert.True(t, decimal.RequireFromString("0.05").Equal(def.Billing.Threshold()))
	assert.Equal(t, DefaultAccountCode, def.Billing.AccountCode)
	assert.Equal(t, "15-OPENAI-EU", def.Billing.ComponentCodes["openai"])

	assert.Equal(t, DefaultInvoiceRetries, def.Invoicing.MaxRetries)
	require.Len(t, def.Rotation.Schedules, 2)
	assert.Equal(t, 168*time.Hour, def.Rotation.ScheduleInterval(def.Rotation.Schedules[0]))
	assert.Equal(t, 720*time.Hour, def.Rotation.ScheduleInterval(def.Rotation.Schedules[1]))

	assert.Equal(t, DefaultMetricsListen, def.Metrics.Listen)
	assert.Equal(t, map[string]string{"openai": "https://egress.internal/openai"}, def.BaseURLs())
	assert.Equal(t, []string{"acme", "corner-shop"}, def.TenantIDs())
}

func TestLoad_MinimalDefaults(t *testing.T) {
	t.Parallel()

	def, err := Parse([]byte("version: 1\n"))
	require.NoError(t, err)

	assert.Equal(t, "memory", def.Backend.Type)
	assert.Equal(t, DefaultCacheTTL, def.Cache.TTL)
	assert.Equal(t, "memory", def.Bus.Type)
	assert.Equal(t, "log", def.Invoicing.Type)
	assert.Equal(t, DefaultCatalogPath, def.Catalog.Path)
	assert.True(t, decimal.RequireFromString("0.01").Equal(def.Billing.Threshold()))
}

func TestConfig_Tenant(t *testing.T) {
	t.Parallel()

	cfg := &Config{Path: writeConfig(t, fullConfig)}
	require.NoError(t, cfg.Load())

	tc, err := cfg.Tenant("acme")
	require.NoError(t, err)
	assert.Equal(t, tenant.TierManagedEnterprise, tc.Tier)
	assert.Equal(t, []tenant.ComplianceFlag{tenant.ComplianceGDPR, tenant.ComplianceSOC2}, tc.ComplianceFlags)

	_, err = cfg.Tenant("globex")
	var cfgErr dserrors.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Suggestion, "acme, corner-shop")
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{name: "wrong version", body: "version: 0\n", wantField: "version"},
		{name: "unknown tier", body: "version: 1\ntenants:\n  a:\n    tier: gold\n", wantField: "tenants.a.tier"},
		{name: "reserved tenant id", body: "version: 1\ntenants:\n  admin:\n    tier: managed-premium\n", wantField: "tenants.admin"},
		{name: "customer suffix tenant id", body: "version: 1\ntenants:\n  acme-customer:\n    tier: managed-premium\n", wantField: "tenants.acme-customer"},
		{name: "unknown compliance", body: "version: 1\ntenants:\n  a:\n    tier: managed-basic\n    compliance: [PCI]\n", wantField: "tenants.a.compliance"},
		{name: "kafka without brokers", body: "version: 1\nbus:\n  type: kafka\n", wantField: "bus.brokers"},
		{name: "unknown bus", body: "version: 1\nbus:\n  type: pubsub\n", wantField: "bus.type"},
		{name: "bad driver", body: "version: 1\nusage:\n  log:\n    driver: sqlite\n    dsn: x\n", wantField: "usage.log.driver"},
		{name: "driver without dsn", body: "version: 1\nusage:\n  log:\n    driver: mysql\n", wantField: "usage.log.dsn"},
		{name: "bad threshold", body: "version: 1\nbilling:\n  materiality_threshold: lots\n", wantField: "billing.materiality_threshold"},
		{name: "webhook without url", body: "version: 1\ninvoicing:\n  type: webhook\n", wantField: "invoicing.url"},
		{name: "relative provider url", body: "version: 1\nproviders:\n  openai:\n    base_url: /openai\n", wantField: "providers.openai.base_url"},
		{name: "schedule for unknown tenant", body: "version: 1\nrotation:\n  schedules:\n    - service: hume\n      tenant: nobody\n", wantField: "rotation.schedules[0].tenant"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.body))
			var cfgErr dserrors.ConfigError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}
}

func TestLoad_MissingFileAndBadYAML(t *testing.T) {
	t.Parallel()

	cfg := &Config{Path: filepath.Join(t.TempDir(), "nope.yaml")}
	err := cfg.Load()
	var cfgErr dserrors.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "path", cfgErr.Field)

	cfg = &Config{Path: writeConfig(t, "version: [1\n")}
	err = cfg.Load()
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Message, "invalid YAML")
}

func TestConfig_NotLoaded(t *testing.T) {
	t.Parallel()

	_, err := (&Config{}).Tenant("acme")
	var userErr dserrors.UserError
	assert.True(t, errors.As(err, &userErr))
}
