// Package adapter defines provider adapters: the pluggable, per-provider
// knowledge tenantkeys needs to validate, provision, rotate and price
// third-party API credentials.
//
// # Capabilities
//
// Every adapter implements ServiceAdapter. Provisioning and rotation are
// optional and are expressed structurally as separate interfaces:
//
//	type Provisioner interface { ProvisionKey(...) }
//	type Rotator interface { RotateKey(...) }
//
// The Registry inspects each adapter once at registration and records a
// Capabilities value. Callers branch on that value before invoking an
// optional capability instead of calling it and interpreting a failure:
//
//	caps, err := registry.Capabilities("hume")
//	if err != nil {
//	    return err
//	}
//	if caps.Provision {
//	    p, _ := registry.Provisioner("hume")
//	    key, err := p.ProvisionKey(ctx, admin, meta)
//	    ...
//	}
//
// # Registration
//
// NewRegistry fails when an adapter's descriptor disagrees with what the
// adapter actually implements (for example SupportsProvisioning without a
// ProvisionKey method). That is a startup fault, never a runtime one.
//
// # Validation
//
// ValidateKey never returns an error: any transport failure, timeout or
// non-2xx response means the credential is not usable and yields false.
//
// # Pricing
//
// CostForUsage is the authoritative price for a call. Usage events carry
// whatever the caller estimated; the meter always overwrites it with the
// adapter's figure.
package adapter
