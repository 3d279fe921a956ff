package commands

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/systmms/tenantkeys/internal/config"
	dserrors "github.com/systmms/tenantkeys/internal/errors"
	"github.com/systmms/tenantkeys/internal/logging"
	"github.com/systmms/tenantkeys/pkg/keymgr"
)

func NewGetCommand(cfg *config.Config) *cobra.Command {
	var (
		pair       pairFlags
		userID     string
		version    int64
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Get the credential for a tenant and service",
		Long: `Resolve the credential a tenant should use for a service.

Dedicated tiers on provisioning services get a key minted on first use.
Only the raw value is printed, making it suitable for scripting.

Examples:
  tenantkeys get --tenant acme --service openai
  tenantkeys get --tenant acme --service hume --version 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := cfg.Tenant(pair.tenant)
			if err != nil {
				return err
			}

			var value string
			if version > 0 {
				value, err = a.manager.CredentialVersion(ctx, pair.service, t, version)
			} else {
				value, err = a.manager.GetCredential(ctx, pair.service, t, userID)
			}
			if err != nil {
				return userError(err)
			}

			if jsonOutput {
				res, err := a.manager.Resolve(pair.service, t)
				if err != nil {
					return userError(err)
				}
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
					"tenant":   pair.tenant,
					"service":  pair.service,
					"strategy": res.Strategy.String(),
					"secret":   res.SecretName,
					"value":    value,
				})
			}

			_, _ = fmt.Fprint(cmd.OutOrStdout(), value)
			return nil
		},
	}

	pair.register(cmd)
	cmd.Flags().StringVar(&userID, "user", "", "End user the credential is fetched for (audit only)")
	cmd.Flags().Int64Var(&version, "version", 0, "Read a specific stored version")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format with metadata")

	return cmd
}

func NewProvisionCommand(cfg *config.Config) *cobra.Command {
	var (
		pair        pairFlags
		requestedBy string
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Mint a dedicated credential for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := cfg.Tenant(pair.tenant)
			if err != nil {
				return err
			}

			res, err := a.manager.ProvisionCredential(ctx, pair.service, t, requestedBy)
			if err != nil {
				return userError(err)
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Provisioned %s (version %d)\n", res.SecretName, res.Version)
			return nil
		},
	}

	pair.register(cmd)
	cmd.Flags().StringVar(&requestedBy, "by", "operator", "Actor recorded in the catalog")
	return cmd
}

func NewRotateCommand(cfg *config.Config) *cobra.Command {
	var (
		pair        pairFlags
		requestedBy string
	)

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate a dedicated credential",
		Long: `Mint a replacement credential, validate it with the provider and only then
make it the active version. If validation fails the current key stays active.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := cfg.Tenant(pair.tenant)
			if err != nil {
				return err
			}

			res, err := a.manager.RotateCredential(ctx, pair.service, t, requestedBy)
			if err != nil {
				return userError(err)
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Rotated %s from version %d to %d\n", res.SecretName, res.OldVersion, res.NewVersion)
			return nil
		},
	}

	pair.register(cmd)
	cmd.Flags().StringVar(&requestedBy, "by", "operator", "Actor recorded in the catalog")
	return cmd
}

func NewSetKeyCommand(cfg *config.Config) *cobra.Command {
	var (
		pair       pairFlags
		key        string
		fromStdin  bool
		suppliedBy string
	)

	cmd := &cobra.Command{
		Use:   "set-key",
		Short: "Store a customer-supplied credential",
		Long: `Store the key a customer-managed tenant supplied for a service.

The key is format-checked and validated against the provider before it is
stored. Prefer --key-stdin so the key does not end up in shell history.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fromStdin {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && err != io.EOF {
					return fmt.Errorf("failed to read key from stdin: %w", err)
				}
				key = strings.TrimSpace(line)
			}
			if key == "" {
				return dserrors.UserError{
					Message:    "No key supplied",
					Suggestion: "Pass the key on stdin with --key-stdin or use --key",
				}
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := cfg.Tenant(pair.tenant)
			if err != nil {
				return err
			}

			version, err := a.manager.StoreCustomerCredential(ctx, pair.service, t, key, suppliedBy)
			if err != nil {
				return userError(err)
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Stored %s key %s for %s (version %d)\n",
				pair.service, logging.Mask(key), pair.tenant, version)
			return nil
		},
	}

	pair.register(cmd)
	cmd.Flags().StringVar(&key, "key", "", "Credential value")
	cmd.Flags().BoolVar(&fromStdin, "key-stdin", false, "Read the credential from stdin")
	cmd.Flags().StringVar(&suppliedBy, "by", "operator", "Actor recorded in the catalog")
	return cmd
}

func NewValidateCommand(cfg *config.Config) *cobra.Command {
	var (
		pair       pairFlags
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a stored credential against the provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := cfg.Tenant(pair.tenant)
			if err != nil {
				return err
			}

			report, err := a.manager.ValidateCredential(ctx, pair.service, t)
			if err != nil {
				return userError(err)
			}

			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				status := "valid"
				if !report.Valid {
					status = "INVALID"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (%s, version %d): %s\n", report.SecretName, report.Strategy, report.Version, status)
			}

			if !report.Valid {
				return userError(&keymgr.Error{Op: "validate", Service: pair.service, Tenant: pair.tenant, Err: keymgr.ErrValidationFailed})
			}
			return nil
		},
	}

	pair.register(cmd)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

func NewListCommand(cfg *config.Config) *cobra.Command {
	var (
		tenantID   string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List credential status for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := cfg.Tenant(tenantID)
			if err != nil {
				return err
			}

			statuses, err := a.manager.ListCredentials(ctx, t)
			if err != nil {
				return userError(err)
			}
			entries, err := a.catalog.List(tenantID)
			if err != nil {
				a.logger.Warn("Credential catalog unavailable: %v", err)
			}
			byService := make(map[string]keymgr.CatalogEntry, len(entries))
			for _, e := range entries {
				byService[e.Service] = e
			}

			if jsonOutput {
				type row struct {
					keymgr.CredentialStatus
					Catalog *keymgr.CatalogEntry `json:"catalog,omitempty"`
				}
				rows := make([]row, 0, len(statuses))
				for _, s := range statuses {
					r := row{CredentialStatus: s}
					if e, ok := byService[s.Service]; ok {
						e := e
						r.Catalog = &e
					}
					rows = append(rows, r)
				}
				return writeJSON(cmd.OutOrStdout(), rows)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "SERVICE\tSTRATEGY\tSECRET\tSTATUS\tVERSION\tROTATIONS\n")
			for _, s := range statuses {
				status := "missing"
				switch {
				case s.EnvFallback:
					status = "env-fallback"
				case s.Configured:
					status = "configured"
				}
				rotations := "-"
				if e, ok := byService[s.Service]; ok {
					rotations = fmt.Sprintf("%d", e.Rotations)
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", s.Service, s.Strategy, s.SecretName, status, s.Version, rotations)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant id (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
