// Package strategy decides how a tenant's credential for a service is sourced.
package strategy

import (
	"github.com/systmms/tenantkeys/pkg/adapter"
	"github.com/systmms/tenantkeys/pkg/tenant"
)

// Strategy is the sourcing mode for one (service, tenant) pair.
type Strategy string

const (
	// CustomerProvided credentials are supplied and owned by the tenant.
	CustomerProvided Strategy = "customer-provided"
	// DedicatedProvisioned credentials are minted per tenant through the provider's API.
	DedicatedProvisioned Strategy = "dedicated-provisioned"
	// DedicatedStatic credentials are tenant-scoped but loaded by an operator.
	DedicatedStatic Strategy = "dedicated-static"
	// Shared credentials are one process-wide secret per service.
	Shared Strategy = "shared"
)

// Dedicated reports whether the secret name is tenant-scoped and owned by us.
func (s Strategy) Dedicated() bool {
	return s == DedicatedProvisioned || s == DedicatedStatic
}

func (s Strategy) String() string {
	return string(s)
}

// Resolve maps a tier and the adapter's capabilities to a strategy.
// It performs no I/O and returns the same answer for the same inputs.
func Resolve(service string, tier tenant.Tier, caps adapter.Capabilities) Strategy {
	switch tier {
	case tenant.TierCustomerManaged:
		return CustomerProvided
	case tenant.TierManagedEnterprise:
		if caps.Provision {
			return DedicatedProvisioned
		}
		return DedicatedStatic
	case tenant.TierManagedPremium:
		return DedicatedStatic
	default:
		return Shared
	}
}

// SecretName derives the secret name a strategy reads from.
func SecretName(s Strategy, prefix, tenantID string) string {
	switch s {
	case CustomerProvided:
		return prefix + "-" + tenantID + "-customer"
	case DedicatedProvisioned, DedicatedStatic:
		return prefix + "-" + tenantID
	default:
		return prefix
	}
}

// AdminSecretName is where a provider's admin credentials live.
func AdminSecretName(prefix string) string {
	return prefix + "-admin"
}
