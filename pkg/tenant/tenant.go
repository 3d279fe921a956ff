// Package tenant defines the caller-supplied tenant context that drives
// credential sourcing decisions.
package tenant

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Tier is the service tier a tenant is subscribed to.
type Tier string

const (
	TierCustomerManaged   Tier = "customer-managed"
	TierManagedBasic      Tier = "managed-basic"
	TierManagedPremium    Tier = "managed-premium"
	TierManagedEnterprise Tier = "managed-enterprise"
)

// KnownTiers lists every tier in ascending order of service level.
func KnownTiers() []Tier {
	return []Tier{TierCustomerManaged, TierManagedBasic, TierManagedPremium, TierManagedEnterprise}
}

// Known reports whether t is one of the defined tiers.
func (t Tier) Known() bool {
	for _, k := range KnownTiers() {
		if t == k {
			return true
		}
	}
	return false
}

// ParseTier normalizes s. Unknown values are returned verbatim; the
// strategy resolver treats them as managed-basic.
func ParseTier(s string) Tier {
	return Tier(strings.ToLower(strings.TrimSpace(s)))
}

// ComplianceFlag marks a regulatory regime the tenant must be handled under.
type ComplianceFlag string

const (
	ComplianceSOC2  ComplianceFlag = "SOC2"
	ComplianceGDPR  ComplianceFlag = "GDPR"
	ComplianceHIPAA ComplianceFlag = "HIPAA"
)

// Known reports whether f is one of the supported flags.
func (f ComplianceFlag) Known() bool {
	switch f {
	case ComplianceSOC2, ComplianceGDPR, ComplianceHIPAA:
		return true
	}
	return false
}

// Context identifies the tenant a request is made for. It is immutable per
// request; construct it with New.
type Context struct {
	TenantID        string
	Domain          string
	Tier            Tier
	Region          string
	ComplianceFlags []ComplianceFlag
}

// ErrReservedID is returned for tenant ids that would derive the name of a
// secret owned by someone else: "admin" maps onto the provider admin
// credential and "<id>-customer" onto tenant <id>'s customer key.
var ErrReservedID = errors.New("reserved tenant id")

// ValidateID checks that id can be used to derive tenant-scoped secret names.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("tenant id is required")
	}
	if strings.ContainsAny(id, "/ ") {
		return fmt.Errorf("tenant id %q must not contain '/' or spaces", id)
	}
	lower := strings.ToLower(id)
	if lower == "admin" || strings.HasSuffix(lower, "-customer") {
		return fmt.Errorf("%w: %q", ErrReservedID, id)
	}
	return nil
}

// New builds a Context with a de-duplicated, sorted compliance set.
func New(tenantID, domain string, tier Tier, region string, flags ...ComplianceFlag) (Context, error) {
	if err := ValidateID(tenantID); err != nil {
		return Context{}, err
	}

	seen := make(map[ComplianceFlag]bool, len(flags))
	set := make([]ComplianceFlag, 0, len(flags))
	for _, f := range flags {
		f = ComplianceFlag(strings.ToUpper(string(f)))
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		set = append(set, f)
	}
	sort.Slice(set, func(i, j int) bool { return set[i] < set[j] })

	return Context{
		TenantID:        tenantID,
		Domain:          domain,
		Tier:            tier,
		Region:          region,
		ComplianceFlags: set,
	}, nil
}

// Has reports whether the tenant carries flag.
func (c Context) Has(flag ComplianceFlag) bool {
	for _, f := range c.ComplianceFlags {
		if f == flag {
			return true
		}
	}
	return false
}
