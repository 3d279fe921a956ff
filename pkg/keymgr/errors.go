package keymgr

import (
	"errors"
	"fmt"

	"github.com/systmms/tenantkeys/pkg/adapter"
)

var (
	ErrUnknownService          = adapter.ErrUnknownService
	ErrInvalidCredentialFormat = adapter.ErrInvalidCredentialFormat

	// ErrProvisioningUnsupported is returned when the adapter or the
	// tenant's strategy cannot mint credentials.
	ErrProvisioningUnsupported = errors.New("provisioning unsupported")

	// ErrSecretNotFound is returned when no credential is stored for the pair.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrValidationFailed is returned when a provider rejects a credential.
	ErrValidationFailed = errors.New("credential validation failed")

	// ErrRotationAborted is returned when a rotation left the previous
	// credential in place. It is always retryable.
	ErrRotationAborted = errors.New("rotation aborted")

	// ErrPublishFailure marks a degraded bus publish. It is recovered
	// locally and only appears in logs and metrics.
	ErrPublishFailure = errors.New("publish failure")

	// ErrStrategyMismatch is returned when an operation does not apply to
	// the tenant's sourcing strategy.
	ErrStrategyMismatch = errors.New("operation not allowed for strategy")
)

// Error carries the operation and the (service, tenant) pair it failed for.
type Error struct {
	Op      string
	Service string
	Tenant  string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s for tenant %s: %v", e.Op, e.Service, e.Tenant, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func opError(op, service, tenantID string, err error) error {
	if err == nil {
		return nil
	}
	var ke *Error
	if errors.As(err, &ke) {
		return err
	}
	return &Error{Op: op, Service: service, Tenant: tenantID, Err: err}
}
