package keymgr

import (
	"context"
	"fmt"

	"github.com/systmms/tenantkeys/pkg/secretstore"
	"github.com/systmms/tenantkeys/pkg/strategy"
	"github.com/systmms/tenantkeys/pkg/tenant"
)

// GetCredential returns the credential tenant t should use for service.
//
// Customer-provided and dedicated-static credentials must already exist.
// A missing dedicated-provisioned credential is provisioned on first use;
// concurrent first requests share one provisioning call.
func (m *Manager) GetCredential(ctx context.Context, service string, t tenant.Context, userID string) (string, error) {
	start := m.clock.Now()

	res, err := m.Resolve(service, t)
	if err != nil {
		m.observe("get", service, OutcomeError, start)
		return "", opError("get", service, t.TenantID, err)
	}

	rec, err := m.store.Get(ctx, res.SecretName)
	switch {
	case err == nil:
		m.record(ctx, res, t, userID, OutcomeResolved, rec.Version)
		m.observe("get", service, OutcomeResolved, start)
		return rec.Value, nil

	case !secretstore.IsNotFound(err):
		m.record(ctx, res, t, userID, OutcomeError, 0)
		m.observe("get", service, OutcomeError, start)
		return "", opError("get", service, t.TenantID, err)
	}

	switch res.Strategy {
	case strategy.DedicatedProvisioned:
		prov, err := m.ensureProvisioned(ctx, res, t, userID)
		if err != nil {
			m.record(ctx, res, t, userID, OutcomeProvisionFailed, 0)
			m.observe("get", service, OutcomeProvisionFailed, start)
			return "", opError("get", service, t.TenantID, err)
		}
		m.record(ctx, res, t, userID, OutcomeResolved, prov.version)
		m.observe("get", service, OutcomeResolved, start)
		return prov.value, nil

	case strategy.Shared:
		if m.sharedEnvFallback {
			if v := m.getenv(EnvVarName(res.Descriptor.SecretPrefix)); v != "" {
				m.logger.With("service", service).Debug("Using environment fallback for shared credential")
				m.record(ctx, res, t, userID, OutcomeEnvFallback, 0)
				m.observe("get", service, OutcomeEnvFallback, start)
				return v, nil
			}
		}
	}

	m.record(ctx, res, t, userID, OutcomeMissing, 0)
	m.observe("get", service, OutcomeMissing, start)
	return "", opError("get", service, t.TenantID, fmt.Errorf("%w: %s", ErrSecretNotFound, res.SecretName))
}

// ValidationReport is the outcome of ValidateCredential.
type ValidationReport struct {
	Service    string            `json:"service"`
	TenantID   string            `json:"tenant_id"`
	Strategy   strategy.Strategy `json:"strategy"`
	SecretName string            `json:"secret_name"`
	Version    int64             `json:"version"`
	Valid      bool              `json:"valid"`
}

// ValidateCredential checks the stored credential against the provider.
// It never provisions; a missing credential returns ErrSecretNotFound.
func (m *Manager) ValidateCredential(ctx context.Context, service string, t tenant.Context) (ValidationReport, error) {
	start := m.clock.Now()

	res, err := m.Resolve(service, t)
	if err != nil {
		return ValidationReport{}, opError("validate", service, t.TenantID, err)
	}

	report := ValidationReport{
		Service:    service,
		TenantID:   t.TenantID,
		Strategy:   res.Strategy,
		SecretName: res.SecretName,
	}

	value, version, err := m.current(ctx, res)
	if err != nil {
		m.observe("validate", service, OutcomeError, start)
		return report, opError("validate", service, t.TenantID, err)
	}
	report.Version = version
	report.Valid = res.Adapter.ValidateKey(ctx, value)

	outcome := "valid"
	if !report.Valid {
		outcome = "invalid"
	}
	m.observe("validate", service, outcome, start)
	return report, nil
}

// current reads the stored credential for res without provisioning.
func (m *Manager) current(ctx context.Context, res Resolution) (string, int64, error) {
	rec, err := m.store.Get(ctx, res.SecretName)
	if err == nil {
		return rec.Value, rec.Version, nil
	}
	if !secretstore.IsNotFound(err) {
		return "", 0, err
	}
	if res.Strategy == strategy.Shared && m.sharedEnvFallback {
		if v := m.getenv(EnvVarName(res.Descriptor.SecretPrefix)); v != "" {
			return v, 0, nil
		}
	}
	return "", 0, fmt.Errorf("%w: %s", ErrSecretNotFound, res.SecretName)
}

// CredentialStatus describes one service for a tenant in ListCredentials.
type CredentialStatus struct {
	Service     string            `json:"service"`
	ServiceName string            `json:"service_name"`
	Strategy    strategy.Strategy `json:"strategy"`
	SecretName  string            `json:"secret_name"`
	Configured  bool              `json:"configured"`
	Version     int64             `json:"version,omitempty"`
	// EnvFallback is set when a shared credential comes from the environment.
	EnvFallback bool `json:"env_fallback,omitempty"`
}

// ListCredentials reports, for every registered service, how tenant t's
// credential is sourced and whether one is configured.
func (m *Manager) ListCredentials(ctx context.Context, t tenant.Context) ([]CredentialStatus, error) {
	ids := m.registry.IDs()
	out := make([]CredentialStatus, 0, len(ids))

	for _, id := range ids {
		res, err := m.Resolve(id, t)
		if err != nil {
			return nil, opError("list", id, t.TenantID, err)
		}

		st := CredentialStatus{
			Service:     id,
			ServiceName: res.Descriptor.ServiceName,
			Strategy:    res.Strategy,
			SecretName:  res.SecretName,
		}

		rec, err := m.store.Get(ctx, res.SecretName)
		switch {
		case err == nil:
			st.Configured = true
			st.Version = rec.Version
		case secretstore.IsNotFound(err):
			if res.Strategy == strategy.Shared && m.sharedEnvFallback && m.getenv(EnvVarName(res.Descriptor.SecretPrefix)) != "" {
				st.Configured = true
				st.EnvFallback = true
			}
		default:
			return nil, opError("list", id, t.TenantID, err)
		}

		out = append(out, st)
	}

	return out, nil
}

// CredentialVersion returns version n of the tenant's credential, for audit.
func (m *Manager) CredentialVersion(ctx context.Context, service string, t tenant.Context, n int64) (string, error) {
	res, err := m.Resolve(service, t)
	if err != nil {
		return "", opError("get version", service, t.TenantID, err)
	}

	rec, err := m.store.GetVersion(ctx, res.SecretName, n)
	if err != nil {
		if secretstore.IsNotFound(err) {
			err = fmt.Errorf("%w: %s version %d", ErrSecretNotFound, res.SecretName, n)
		}
		return "", opError("get version", service, t.TenantID, err)
	}
	return rec.Value, nil
}
