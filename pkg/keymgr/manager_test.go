package keymgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/tenantkeys/internal/secretstores"
	"github.com/systmms/tenantkeys/pkg/adapter"
	"github.com/systmms/tenantkeys/pkg/secretstore"
	"github.com/systmms/tenantkeys/pkg/strategy"
	"github.com/systmms/tenantkeys/pkg/tenant"
)

type stubAdapter struct {
	desc    adapter.Descriptor
	invalid sync.Map // credential -> struct{}
}

func (s *stubAdapter) Descriptor() adapter.Descriptor { return s.desc }

func (s *stubAdapter) CheckFormat(credential string) error {
	if len(credential) < 8 {
		return fmt.Errorf("%w: too short", adapter.ErrInvalidCredentialFormat)
	}
	return nil
}

func (s *stubAdapter) ValidateKey(_ context.Context, credential string) bool {
	_, bad := s.invalid.Load(credential)
	return !bad
}

func (s *stubAdapter) CostForUsage(int64, string) decimal.Decimal { return decimal.Zero }

func (s *stubAdapter) reject(credential string) { s.invalid.Store(credential, struct{}{}) }

// provisioningAdapter mints "<prefix>-minted-N".
type provisioningAdapter struct {
	*stubAdapter
	minted atomic.Int32
	delay  time.Duration
}

func (p *provisioningAdapter) ProvisionKey(_ context.Context, admin adapter.AdminCredentials, meta adapter.ProvisionMetadata) (string, error) {
	if admin.Field("adminApiKey") == "" {
		return "", errors.New("missing adminApiKey")
	}
	time.Sleep(p.delay)
	n := p.minted.Add(1)
	return fmt.Sprintf("%s-minted-%d-%s", p.desc.SecretPrefix, n, meta.TenantID), nil
}

type rotatingAdapter struct {
	*stubAdapter
	rotated atomic.Int32
}

func (r *rotatingAdapter) RotateKey(_ context.Context, current string, _ adapter.AdminCredentials) (string, error) {
	n := r.rotated.Add(1)
	return fmt.Sprintf("%s-rotated-%d", current, n), nil
}

type recorder struct {
	mu      sync.Mutex
	records []AccessRecord
}

func (r *recorder) RecordAccess(_ context.Context, rec AccessRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recorder) outcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Outcome)
	}
	return out
}

type memCatalog struct {
	mu      sync.Mutex
	entries map[string]CatalogEntry
	err     error
}

func (c *memCatalog) Upsert(_ context.Context, e CatalogEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.entries == nil {
		c.entries = map[string]CatalogEntry{}
	}
	c.entries[e.TenantID+"/"+e.Service] = e
	return nil
}

type fixture struct {
	mgr      *Manager
	store    *secretstore.Store
	voice    *provisioningAdapter
	llm      *stubAdapter
	speech   *rotatingAdapter
	recorder *recorder
	catalog  *memCatalog
	env      map[string]string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	voice := &provisioningAdapter{stubAdapter: &stubAdapter{desc: adapter.Descriptor{
		ID: "voice", ServiceName: "Voice", SecretPrefix: "voice-key",
		SupportsProvisioning: true, DefaultScopes: []string{"tts"},
	}}}
	llm := &stubAdapter{desc: adapter.Descriptor{ID: "llm", ServiceName: "LLM", SecretPrefix: "llm-key"}}
	speech := &rotatingAdapter{stubAdapter: &stubAdapter{desc: adapter.Descriptor{
		ID: "speech", ServiceName: "Speech", SecretPrefix: "speech-key",
	}}}

	reg, err := adapter.NewRegistry(voice, llm, speech)
	require.NoError(t, err)

	clk := testclock.NewClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	store := secretstore.New(secretstores.NewMemoryBackend("", clk), secretstore.WithClock(clk))
	t.Cleanup(store.Close)

	f := &fixture{
		store:    store,
		voice:    voice,
		llm:      llm,
		speech:   speech,
		recorder: &recorder{},
		catalog:  &memCatalog{},
		env:      map[string]string{},
	}

	base := []Option{
		WithClock(clk),
		WithAccessRecorder(f.recorder),
		WithCatalog(f.catalog),
		WithGetenv(func(k string) string { return f.env[k] }),
	}
	f.mgr = New(reg, store, append(base, opts...)...)
	return f
}

func (f *fixture) put(t *testing.T, name, value string) int64 {
	t.Helper()
	n, err := f.store.Put(context.Background(), name, value, secretstore.Metadata{})
	require.NoError(t, err)
	return n
}

func mustTenant(t *testing.T, id string, tier tenant.Tier) tenant.Context {
	t.Helper()
	tc, err := tenant.New(id, id+".example.com", tier, "eu-west-1")
	require.NoError(t, err)
	return tc
}

func TestGetCredentialSharedForBasicTier(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.put(t, "voice-key", "shared-voice-credential")

	got, err := f.mgr.GetCredential(context.Background(), "voice", mustTenant(t, "t1", tenant.TierManagedBasic), "u1")
	require.NoError(t, err)
	assert.Equal(t, "shared-voice-credential", got)
	assert.Equal(t, int32(0), f.voice.minted.Load())
	assert.Equal(t, []string{OutcomeResolved}, f.recorder.outcomes())

	rec := f.recorder.records[0]
	assert.Equal(t, "t1", rec.TenantID)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "shared", rec.Strategy)
	assert.Equal(t, "voice-key", rec.SecretName)
}

func TestGetCredentialAutoProvisionsOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.put(t, "voice-key-admin", `{"adminApiKey":"admin-secret"}`)
	t2 := mustTenant(t, "t2", tenant.TierManagedEnterprise)

	first, err := f.mgr.GetCredential(context.Background(), "voice", t2, "u1")
	require.NoError(t, err)
	assert.Equal(t, "voice-key-minted-1-t2", first)

	second, err := f.mgr.GetCredential(context.Background(), "voice", t2, "u2")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.voice.minted.Load())

	rec, err := f.store.Get(context.Background(), "voice-key-t2")
	require.NoError(t, err)
	assert.Equal(t, "t2", rec.Metadata.TenantID)

	entry := f.catalog.entries["t2/voice"]
	assert.Equal(t, StatusActive, entry.Status)
	assert.Equal(t, int64(1), entry.Version)
	assert.Contains(t, f.recorder.outcomes(), OutcomeProvisioned)
}

func TestGetCredentialConcurrentFirstRequestsProvisionOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.voice.delay = 20 * time.Millisecond
	f.put(t, "voice-key-admin", `{"adminApiKey":"admin-secret"}`)
	t2 := mustTenant(t, "t2", tenant.TierManagedEnterprise)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.mgr.GetCredential(context.Background(), "voice", t2, "u")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
	assert.Equal(t, int32(1), f.voice.minted.Load())
}

func TestGetCredentialMissing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		svc    string
		tier   tenant.Tier
		secret string
	}{
		{name: "dedicated static never auto provisions", svc: "voice", tier: tenant.TierManagedPremium, secret: "voice-key-t3"},
		{name: "enterprise without provisioning is static", svc: "llm", tier: tenant.TierManagedEnterprise, secret: "llm-key-t3"},
		{name: "customer provided", svc: "llm", tier: tenant.TierCustomerManaged, secret: "llm-key-t3-customer"},
		{name: "shared", svc: "llm", tier: tenant.TierManagedBasic, secret: "llm-key"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.put(t, "voice-key-admin", `{"adminApiKey":"admin-secret"}`)

			_, err := f.mgr.GetCredential(context.Background(), tt.svc, mustTenant(t, "t3", tt.tier), "u")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSecretNotFound)
			assert.Contains(t, err.Error(), tt.secret)
			assert.Equal(t, int32(0), f.voice.minted.Load())
			assert.Equal(t, []string{OutcomeMissing}, f.recorder.outcomes())

			var ke *Error
			require.True(t, errors.As(err, &ke))
			assert.Equal(t, "t3", ke.Tenant)
			assert.Equal(t, tt.svc, ke.Service)
		})
	}
}

func TestGetCredentialUnknownService(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.mgr.GetCredential(context.Background(), "nope", mustTenant(t, "t1", tenant.TierManagedBasic), "u")
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestGetCredentialSharedEnvFallback(t *testing.T) {
	t.Parallel()

	f := newFixture(t, WithSharedEnvFallback(true))
	f.env["LLM_KEY"] = "from-environment"

	got, err := f.mgr.GetCredential(context.Background(), "llm", mustTenant(t, "t1", tenant.TierManagedBasic), "u")
	require.NoError(t, err)
	assert.Equal(t, "from-environment", got)
	assert.Equal(t, []string{OutcomeEnvFallback}, f.recorder.outcomes())

	disabled := newFixture(t)
	disabled.env["LLM_KEY"] = "from-environment"
	_, err = disabled.mgr.GetCredential(context.Background(), "llm", mustTenant(t, "t1", tenant.TierManagedBasic), "u")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestEnvVarName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "OPENAI_API_KEY", EnvVarName("openai-api-key"))
	assert.Equal(t, "HUME", EnvVarName("hume"))
}

func TestProvisionCredential(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.put(t, "voice-key-admin", `{"adminApiKey":"admin-secret"}`)
	t2 := mustTenant(t, "t2", tenant.TierManagedEnterprise)

	first, err := f.mgr.ProvisionCredential(context.Background(), "voice", t2, "ops")
	require.NoError(t, err)
	second, err := f.mgr.ProvisionCredential(context.Background(), "voice", t2, "ops")
	require.NoError(t, err)

	assert.Equal(t, "voice-key-t2", second.SecretName)
	assert.Greater(t, second.Version, first.Version)

	got, err := f.mgr.GetCredential(context.Background(), "voice", t2, "u")
	require.NoError(t, err)
	assert.Equal(t, "voice-key-minted-2-t2", got)
}

func TestProvisionCredentialErrors(t *testing.T) {
	t.Parallel()

	t.Run("adapter without provisioning", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, err := f.mgr.ProvisionCredential(context.Background(), "llm", mustTenant(t, "t2", tenant.TierManagedEnterprise), "ops")
		assert.ErrorIs(t, err, ErrProvisioningUnsupported)
	})

	t.Run("shared strategy", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, err := f.mgr.ProvisionCredential(context.Background(), "voice", mustTenant(t, "t1", tenant.TierManagedBasic), "ops")
		assert.ErrorIs(t, err, ErrProvisioningUnsupported)
	})

	t.Run("admin credentials missing", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, err := f.mgr.ProvisionCredential(context.Background(), "voice", mustTenant(t, "t2", tenant.TierManagedEnterprise), "ops")
		assert.ErrorIs(t, err, ErrSecretNotFound)
		assert.Contains(t, err.Error(), "voice-key-admin")
		assert.Equal(t, []string{OutcomeProvisionFailed}, f.recorder.outcomes())
	})

	t.Run("admin credentials not json", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.put(t, "voice-key-admin", "not-json")
		_, err := f.mgr.ProvisionCredential(context.Background(), "voice", mustTenant(t, "t2", tenant.TierManagedEnterprise), "ops")
		assert.ErrorIs(t, err, ErrInvalidCredentialFormat)
	})
}

func TestProvisionCatalogFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.catalog.err = errors.New("disk full")
	f.put(t, "voice-key-admin", `{"adminApiKey":"admin-secret"}`)

	res, err := f.mgr.ProvisionCredential(context.Background(), "voice", mustTenant(t, "t2", tenant.TierManagedEnterprise), "ops")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Version)
}

func TestRotateCredentialWithRotator(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.put(t, "speech-key-admin", `{"adminApiKey":"admin-secret"}`)
	old := f.put(t, "speech-key-t4", "speech-original-value")
	t4 := mustTenant(t, "t4", tenant.TierManagedPremium)

	res, err := f.mgr.RotateCredential(context.Background(), "speech", t4, "scheduler")
	require.NoError(t, err)
	assert.Equal(t, old, res.OldVersion)
	assert.Greater(t, res.NewVersion, res.OldVersion)

	got, err := f.mgr.GetCredential(context.Background(), "speech", t4, "u")
	require.NoError(t, err)
	assert.Equal(t, "speech-original-value-rotated-1", got)

	prior, err := f.mgr.CredentialVersion(context.Background(), "speech", t4, res.OldVersion)
	require.NoError(t, err)
	assert.Equal(t, "speech-original-value", prior)

	entry := f.catalog.entries["t4/speech"]
	assert.Equal(t, StatusRotated, entry.Status)
	assert.False(t, entry.LastRotated.IsZero())
}

func TestRotateCredentialFallsBackToProvisioning(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.put(t, "voice-key-admin", `{"adminApiKey":"admin-secret"}`)
	t2 := mustTenant(t, "t2", tenant.TierManagedEnterprise)

	_, err := f.mgr.GetCredential(context.Background(), "voice", t2, "u")
	require.NoError(t, err)

	res, err := f.mgr.RotateCredential(context.Background(), "voice", t2, "ops")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.OldVersion)
	assert.Equal(t, int64(2), res.NewVersion)
	assert.Equal(t, int32(2), f.voice.minted.Load())
}

func TestRotateCredentialAbortsOnValidationFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.put(t, "speech-key-admin", `{"adminApiKey":"admin-secret"}`)
	f.put(t, "speech-key-t4", "speech-original-value")
	f.speech.reject("speech-original-value-rotated-1")
	t4 := mustTenant(t, "t4", tenant.TierManagedPremium)

	_, err := f.mgr.RotateCredential(context.Background(), "speech", t4, "scheduler")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRotationAborted)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, f.recorder.outcomes(), OutcomeRotationAborted)

	got, err := f.mgr.GetCredential(context.Background(), "speech", t4, "u")
	require.NoError(t, err)
	assert.Equal(t, "speech-original-value", got)

	f.store.Invalidate("speech-key-t4")
	rec, err := f.store.Get(context.Background(), "speech-key-t4")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
}

func TestRotateCredentialRejectsNonDedicated(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, tier := range []tenant.Tier{tenant.TierManagedBasic, tenant.TierCustomerManaged} {
		_, err := f.mgr.RotateCredential(context.Background(), "speech", mustTenant(t, "t5", tier), "ops")
		assert.ErrorIs(t, err, ErrProvisioningUnsupported, string(tier))
	}
}

func TestReservedTenantIDsCannotReachOtherSecrets(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.put(t, "llm-key-admin", `{"adminApiKey":"root-admin-secret"}`)
	f.put(t, "speech-key-admin", `{"adminApiKey":"root-admin-secret"}`)
	f.put(t, "llm-key-acme-customer", "acme-own-key")

	// Literal contexts bypass tenant.New; the manager must still refuse them.
	admin := tenant.Context{TenantID: "admin", Tier: tenant.TierManagedPremium}
	impostor := tenant.Context{TenantID: "acme-customer", Tier: tenant.TierManagedPremium}

	for _, tc := range []tenant.Context{admin, impostor} {
		got, err := f.mgr.GetCredential(context.Background(), "llm", tc, "u")
		assert.ErrorIs(t, err, tenant.ErrReservedID, tc.TenantID)
		assert.Empty(t, got)

		_, err = f.mgr.RotateCredential(context.Background(), "speech", tc, "ops")
		assert.ErrorIs(t, err, tenant.ErrReservedID, tc.TenantID)

		_, err = f.mgr.ListCredentials(context.Background(), tc)
		assert.ErrorIs(t, err, tenant.ErrReservedID, tc.TenantID)
	}

	rec, err := f.store.Get(context.Background(), "speech-key-admin")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, int32(0), f.speech.rotated.Load())
}

func TestRotateCredentialMissing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.mgr.RotateCredential(context.Background(), "speech", mustTenant(t, "t6", tenant.TierManagedPremium), "ops")
	assert.ErrorIs(t, err, ErrSecretNotFound)
	assert.NotErrorIs(t, err, ErrRotationAborted)
}

func TestStoreCustomerCredential(t *testing.T) {
	t.Parallel()
	customer := func(t *testing.T) tenant.Context { return mustTenant(t, "t7", tenant.TierCustomerManaged) }

	t.Run("stores validated credential", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		n, err := f.mgr.StoreCustomerCredential(context.Background(), "llm", customer(t), "customer-owned-key", "admin@t7")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := f.mgr.GetCredential(context.Background(), "llm", customer(t), "u")
		require.NoError(t, err)
		assert.Equal(t, "customer-owned-key", got)
		assert.Equal(t, StatusCustomer, f.catalog.entries["t7/llm"].Status)
	})

	t.Run("bad format", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, err := f.mgr.StoreCustomerCredential(context.Background(), "llm", customer(t), "short", "admin@t7")
		assert.ErrorIs(t, err, ErrInvalidCredentialFormat)
	})

	t.Run("provider rejects", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.llm.reject("customer-revoked-key")
		_, err := f.mgr.StoreCustomerCredential(context.Background(), "llm", customer(t), "customer-revoked-key", "admin@t7")
		assert.ErrorIs(t, err, ErrValidationFailed)

		exists, err := f.store.Exists(context.Background(), "llm-key-t7-customer")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("not customer managed", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, err := f.mgr.StoreCustomerCredential(context.Background(), "llm", mustTenant(t, "t7", tenant.TierManagedPremium), "customer-owned-key", "admin@t7")
		assert.ErrorIs(t, err, ErrStrategyMismatch)
	})
}

func TestValidateCredential(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.put(t, "llm-key", "shared-llm-credential")
	t1 := mustTenant(t, "t1", tenant.TierManagedBasic)

	report, err := f.mgr.ValidateCredential(context.Background(), "llm", t1)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, strategy.Shared, report.Strategy)

	f.llm.reject("shared-llm-credential")
	report, err = f.mgr.ValidateCredential(context.Background(), "llm", t1)
	require.NoError(t, err)
	assert.False(t, report.Valid)

	_, err = f.mgr.ValidateCredential(context.Background(), "voice", mustTenant(t, "t2", tenant.TierManagedEnterprise))
	assert.ErrorIs(t, err, ErrSecretNotFound)
	assert.Equal(t, int32(0), f.voice.minted.Load())
}

func TestListCredentials(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithSharedEnvFallback(true))
	f.put(t, "voice-key-t8", "dedicated-voice-credential")
	f.env["SPEECH_KEY"] = "unused"

	list, err := f.mgr.ListCredentials(context.Background(), mustTenant(t, "t8", tenant.TierManagedPremium))
	require.NoError(t, err)
	require.Len(t, list, 3)

	assert.Equal(t, "llm", list[0].Service)
	assert.Equal(t, strategy.DedicatedStatic, list[0].Strategy)
	assert.False(t, list[0].Configured)

	assert.Equal(t, "speech", list[1].Service)
	assert.False(t, list[1].Configured, "env fallback only applies to shared credentials")

	assert.Equal(t, "voice", list[2].Service)
	assert.True(t, list[2].Configured)
	assert.Equal(t, int64(1), list[2].Version)
	assert.Equal(t, "voice-key-t8", list[2].SecretName)
}

func TestCredentialVersionMissing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.put(t, "llm-key", "shared-llm-credential")

	_, err := f.mgr.CredentialVersion(context.Background(), "llm", mustTenant(t, "t1", tenant.TierManagedBasic), 5)
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()
	err := &Error{Op: "rotate", Service: "openai", Tenant: "acme", Err: ErrRotationAborted}
	assert.Equal(t, "rotate openai for tenant acme: rotation aborted", err.Error())
	assert.ErrorIs(t, err, ErrRotationAborted)
}
