package keymgr

import (
	"context"
	"fmt"

	"github.com/systmms/tenantkeys/pkg/strategy"
	"github.com/systmms/tenantkeys/pkg/tenant"
)

// StoreCustomerCredential stores a credential supplied by a
// customer-managed tenant after checking its format and validating it
// with the provider. It returns the new version number.
func (m *Manager) StoreCustomerCredential(ctx context.Context, service string, t tenant.Context, credential, suppliedBy string) (int64, error) {
	start := m.clock.Now()

	res, err := m.Resolve(service, t)
	if err != nil {
		return 0, opError("set-key", service, t.TenantID, err)
	}
	if res.Strategy != strategy.CustomerProvided {
		err := fmt.Errorf("%w: tenant %s uses the %s strategy", ErrStrategyMismatch, t.TenantID, res.Strategy)
		return 0, opError("set-key", service, t.TenantID, err)
	}

	if err := res.Adapter.CheckFormat(credential); err != nil {
		m.observe("set-key", service, "invalid-format", start)
		return 0, opError("set-key", service, t.TenantID, err)
	}
	if !res.Adapter.ValidateKey(ctx, credential) {
		m.observe("set-key", service, "invalid", start)
		return 0, opError("set-key", service, t.TenantID, fmt.Errorf("%w: %s rejected the credential", ErrValidationFailed, res.Descriptor.ServiceName))
	}

	version, err := m.store.Put(ctx, res.SecretName, credential, metadataFor(t, res.Strategy))
	if err != nil {
		m.observe("set-key", service, OutcomeError, start)
		return 0, opError("set-key", service, t.TenantID, err)
	}

	m.upsertCatalog(ctx, CatalogEntry{
		TenantID:   t.TenantID,
		Service:    service,
		SecretName: res.SecretName,
		Strategy:   res.Strategy.String(),
		Status:     StatusCustomer,
		Version:    version,
		UpdatedBy:  suppliedBy,
	})
	m.record(ctx, res, t, suppliedBy, OutcomeCustomerSupplied, version)
	m.observe("set-key", service, OutcomeCustomerSupplied, start)

	return version, nil
}
