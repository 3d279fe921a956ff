package keymgr

import (
	"context"
	"fmt"

	"github.com/systmms/tenantkeys/pkg/adapter"
	"github.com/systmms/tenantkeys/pkg/secretstore"
	"github.com/systmms/tenantkeys/pkg/strategy"
	"github.com/systmms/tenantkeys/pkg/tenant"
)

// ProvisionResult identifies a newly stored credential version.
type ProvisionResult struct {
	Service    string
	TenantID   string
	SecretName string
	Version    int64
}

type provisioned struct {
	value   string
	version int64
}

// ProvisionCredential mints a new dedicated credential through the
// provider's management API and stores it as the latest version.
// A second call simply supersedes the first.
func (m *Manager) ProvisionCredential(ctx context.Context, service string, t tenant.Context, requestedBy string) (ProvisionResult, error) {
	start := m.clock.Now()

	res, err := m.Resolve(service, t)
	if err != nil {
		return ProvisionResult{}, opError("provision", service, t.TenantID, err)
	}
	if !res.Strategy.Dedicated() {
		err := fmt.Errorf("%w: tenant %s uses the %s strategy", ErrProvisioningUnsupported, t.TenantID, res.Strategy)
		return ProvisionResult{}, opError("provision", service, t.TenantID, err)
	}
	if _, ok := m.registry.Provisioner(service); !ok {
		err := fmt.Errorf("%w: %s has no provisioning API", ErrProvisioningUnsupported, res.Descriptor.ServiceName)
		return ProvisionResult{}, opError("provision", service, t.TenantID, err)
	}

	// Explicit provisioning always targets the tenant-scoped name.
	res.SecretName = strategy.SecretName(strategy.DedicatedProvisioned, res.Descriptor.SecretPrefix, t.TenantID)

	p, err := m.provisionOnce(ctx, res, t, requestedBy, false)
	if err != nil {
		m.record(ctx, res, t, requestedBy, OutcomeProvisionFailed, 0)
		m.observe("provision", service, OutcomeProvisionFailed, start)
		return ProvisionResult{}, opError("provision", service, t.TenantID, err)
	}

	m.observe("provision", service, OutcomeProvisioned, start)
	return ProvisionResult{
		Service:    service,
		TenantID:   t.TenantID,
		SecretName: res.SecretName,
		Version:    p.version,
	}, nil
}

// ensureProvisioned returns the stored credential, provisioning it when
// absent. Callers racing on the same pair share one provisioning call.
func (m *Manager) ensureProvisioned(ctx context.Context, res Resolution, t tenant.Context, requestedBy string) (provisioned, error) {
	return m.provisionOnce(ctx, res, t, requestedBy, true)
}

func (m *Manager) provisionOnce(ctx context.Context, res Resolution, t tenant.Context, requestedBy string, reuse bool) (provisioned, error) {
	v, err, _ := m.provisions.Do(pairKey(res.Descriptor.ID, t.TenantID), func() (interface{}, error) {
		if reuse {
			rec, err := m.store.Get(ctx, res.SecretName)
			if err == nil {
				return provisioned{value: rec.Value, version: rec.Version}, nil
			}
			if !secretstore.IsNotFound(err) {
				return nil, err
			}
		}
		return m.provision(ctx, res, t, requestedBy)
	})
	if err != nil {
		return provisioned{}, err
	}
	return v.(provisioned), nil
}

func (m *Manager) provision(ctx context.Context, res Resolution, t tenant.Context, requestedBy string) (provisioned, error) {
	value, err := m.mintProvisioned(ctx, res, t, requestedBy)
	if err != nil {
		return provisioned{}, err
	}

	version, err := m.store.Put(ctx, res.SecretName, value, metadataFor(t, res.Strategy))
	if err != nil {
		return provisioned{}, fmt.Errorf("failed to store provisioned credential: %w", err)
	}

	m.upsertCatalog(ctx, CatalogEntry{
		TenantID:   t.TenantID,
		Service:    res.Descriptor.ID,
		SecretName: res.SecretName,
		Strategy:   res.Strategy.String(),
		Status:     StatusActive,
		Version:    version,
		UpdatedBy:  requestedBy,
	})
	m.record(ctx, res, t, requestedBy, OutcomeProvisioned, version)
	m.logger.With("service", res.Descriptor.ID).With("tenant", t.TenantID).
		Info("Provisioned %s credential version %d", res.Descriptor.ServiceName, version)

	return provisioned{value: value, version: version}, nil
}

// mintProvisioned calls the provider's management API without storing.
func (m *Manager) mintProvisioned(ctx context.Context, res Resolution, t tenant.Context, requestedBy string) (string, error) {
	prov, ok := m.registry.Provisioner(res.Descriptor.ID)
	if !ok {
		return "", fmt.Errorf("%w: %s has no provisioning API", ErrProvisioningUnsupported, res.Descriptor.ServiceName)
	}

	admin, err := m.adminCredentials(ctx, res)
	if err != nil {
		return "", err
	}

	return prov.ProvisionKey(ctx, admin, adapter.ProvisionMetadata{
		TenantID:    t.TenantID,
		CompanyName: t.TenantID,
		Domain:      t.Domain,
		RequestedBy: requestedBy,
		Scopes:      res.Descriptor.DefaultScopes,
	})
}

func (m *Manager) adminCredentials(ctx context.Context, res Resolution) (adapter.AdminCredentials, error) {
	admin, err := m.admin.AdminCredentials(ctx, res.Descriptor)
	if err != nil {
		if secretstore.IsNotFound(err) {
			return nil, fmt.Errorf("%w: admin credentials %s", ErrSecretNotFound, strategy.AdminSecretName(res.Descriptor.SecretPrefix))
		}
		return nil, err
	}
	if err := adapter.ValidateAdminCredentials(res.Adapter, admin); err != nil {
		return nil, err
	}
	return admin, nil
}
