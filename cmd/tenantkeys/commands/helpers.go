package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	dserrors "github.com/systmms/tenantkeys/internal/errors"
	"github.com/systmms/tenantkeys/pkg/keymgr"
	"github.com/systmms/tenantkeys/pkg/usage"
)

var errBusUnreachable = errors.New("bus unreachable")

// pairFlags are the --tenant and --service flags shared by the credential
// commands.
type pairFlags struct {
	tenant  string
	service string
}

func (p *pairFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.tenant, "tenant", "", "Tenant id (required)")
	cmd.Flags().StringVar(&p.service, "service", "", "Service id, e.g. openai (required)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("service")
}

func writeJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// parseDay parses YYYY-MM-DD, defaulting to yesterday in UTC.
func parseDay(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return usage.Day(now).AddDate(0, 0, -1), nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, dserrors.UserError{
			Message:    fmt.Sprintf("Invalid date %q", s),
			Suggestion: "Use the YYYY-MM-DD format, e.g. --date 2025-03-01",
		}
	}
	return d, nil
}

// userError adds operator guidance to key manager errors.
func userError(err error) error {
	if err == nil {
		return nil
	}

	var suggestion string
	switch {
	case errors.Is(err, keymgr.ErrUnknownService):
		suggestion = "Run 'tenantkeys services' to list the supported services"
	case errors.Is(err, keymgr.ErrSecretNotFound):
		suggestion = "Provision a dedicated key with 'tenantkeys provision' or store a customer key with 'tenantkeys set-key'"
	case errors.Is(err, keymgr.ErrProvisioningUnsupported):
		suggestion = "Only managed-premium and managed-enterprise tenants on provisioning services get dedicated keys"
	case errors.Is(err, keymgr.ErrInvalidCredentialFormat):
		suggestion = "Check that the key was copied completely and belongs to this provider"
	case errors.Is(err, keymgr.ErrRotationAborted):
		suggestion = "The previous key is still active. Check the provider admin credential and retry"
	case errors.Is(err, keymgr.ErrValidationFailed):
		suggestion = "The provider rejected the key. Verify it in the provider console"
	case errors.Is(err, keymgr.ErrStrategyMismatch):
		suggestion = "set-key only applies to customer-managed tenants"
	default:
		return err
	}

	return dserrors.UserError{
		Message:    err.Error(),
		Suggestion: suggestion,
		Err:        err,
	}
}
