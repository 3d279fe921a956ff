package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownService is returned for lookups of unregistered service ids.
	ErrUnknownService = errors.New("unknown service")

	// ErrInvalidCredentialFormat is returned when a credential or admin
	// credential document does not have the shape the provider expects.
	ErrInvalidCredentialFormat = errors.New("invalid credential format")
)

// Descriptor describes a supported provider. It never changes after the
// adapter has been registered.
type Descriptor struct {
	// ID is the registry key, e.g. "openai".
	ID string
	// ServiceName is the display name, e.g. "OpenAI".
	ServiceName string
	// SecretPrefix is the stem every secret name for this provider starts with.
	SecretPrefix string

	SupportsOAuth2       bool
	SupportsProvisioning bool
	DefaultScopes        []string
}

func (d Descriptor) clone() Descriptor {
	c := d
	if d.DefaultScopes != nil {
		c.DefaultScopes = append([]string(nil), d.DefaultScopes...)
	}
	return c
}

// ServiceAdapter is implemented by every provider adapter.
type ServiceAdapter interface {
	Descriptor() Descriptor

	// CheckFormat performs a local, offline shape check of a credential.
	CheckFormat(credential string) error

	// ValidateKey checks the credential against the provider. It never
	// returns an error; network failure means false.
	ValidateKey(ctx context.Context, credential string) bool

	// CostForUsage prices a call in USD.
	CostForUsage(tokens int64, operation string) decimal.Decimal
}

// ProvisionMetadata is passed to provisioning calls.
type ProvisionMetadata struct {
	TenantID    string
	CompanyName string
	Domain      string
	RequestedBy string
	Scopes      []string
}

// AdminCredentials is the opaque JSON document used to call a provider's
// management API.
type AdminCredentials json.RawMessage

// Field returns a top-level string field of the document.
func (a AdminCredentials) Field(name string) string {
	var doc map[string]interface{}
	if err := json.Unmarshal(a, &doc); err != nil {
		return ""
	}
	s, _ := doc[name].(string)
	return s
}

// Provisioner is implemented by adapters that can mint new credentials.
type Provisioner interface {
	ProvisionKey(ctx context.Context, admin AdminCredentials, meta ProvisionMetadata) (string, error)
}

// Rotator is implemented by adapters whose provider rotates a credential in place.
type Rotator interface {
	RotateKey(ctx context.Context, current string, admin AdminCredentials) (string, error)
}

// AdminSchemaProvider is implemented by adapters that declare a JSON schema
// for their admin credentials.
type AdminSchemaProvider interface {
	AdminSchema() string
}

// Capabilities is the structural capability set recorded at registration.
type Capabilities struct {
	Provision bool
	Rotate    bool
}

// capabilitiesOf inspects a in a single place so the registry and callers
// agree on what the adapter can do.
func capabilitiesOf(a ServiceAdapter) Capabilities {
	_, provision := a.(Provisioner)
	_, rotate := a.(Rotator)
	return Capabilities{Provision: provision, Rotate: rotate}
}

// checkGenericFormat rejects empty credentials, embedded whitespace and
// anything shorter than minLen. A non-empty prefix must also match.
func checkGenericFormat(service, credential, prefix string, minLen int) error {
	switch {
	case credential == "":
		return fmt.Errorf("%w: %s credential is empty", ErrInvalidCredentialFormat, service)
	case strings.ContainsAny(credential, " \t\r\n"):
		return fmt.Errorf("%w: %s credential contains whitespace", ErrInvalidCredentialFormat, service)
	case len(credential) < minLen:
		return fmt.Errorf("%w: %s credential is shorter than %d characters", ErrInvalidCredentialFormat, service, minLen)
	case prefix != "" && !strings.HasPrefix(credential, prefix):
		return fmt.Errorf("%w: %s credential must start with %q", ErrInvalidCredentialFormat, service, prefix)
	}
	return nil
}
