package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	dserrors "github.com/systmms/tenantkeys/internal/errors"
	"github.com/systmms/tenantkeys/internal/logging"
	"github.com/systmms/tenantkeys/pkg/tenant"
)

// DefaultPath is used when neither --config nor TENANTKEYS_CONFIG is set.
const DefaultPath = "tenantkeys.yaml"

// CurrentVersion is the only definition version this build understands.
const CurrentVersion = 1

// Config holds the runtime configuration
type Config struct {
	Path       string
	Logger     *logging.Logger
	Definition *Definition
}

// Load reads, defaults and validates the tenantkeys.yaml file
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return dserrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Pass --config or set TENANTKEYS_CONFIG to the location of tenantkeys.yaml",
			}
		}
		return dserrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	def, err := Parse(data)
	if err != nil {
		return err
	}

	c.Definition = def
	return nil
}

// Parse decodes and validates a definition document.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, dserrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}

	if def.Version != CurrentVersion {
		return nil, dserrors.ConfigError{
			Field:      "version",
			Value:      def.Version,
			Message:    "unsupported configuration version",
			Suggestion: fmt.Sprintf("Set 'version: %d' at the top of tenantkeys.yaml", CurrentVersion),
		}
	}

	def.applyDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (c *Config) definition() (*Definition, error) {
	if c.Definition == nil {
		return nil, dserrors.UserError{
			Message:    "Configuration not loaded",
			Suggestion: "This is an internal error. Please report it",
		}
	}
	return c.Definition, nil
}

// Tenant builds the request context for a configured tenant
func (c *Config) Tenant(id string) (tenant.Context, error) {
	def, err := c.definition()
	if err != nil {
		return tenant.Context{}, err
	}

	tc, ok := def.Tenants[id]
	if !ok {
		suggestion := "Add the tenant to the 'tenants:' section of tenantkeys.yaml"
		if ids := def.TenantIDs(); len(ids) > 0 {
			suggestion = fmt.Sprintf("Configured tenants: %s", strings.Join(ids, ", "))
		}
		return tenant.Context{}, dserrors.ConfigError{
			Field:      "tenant",
			Value:      id,
			Message:    "tenant not found in configuration",
			Suggestion: suggestion,
		}
	}

	flags := make([]tenant.ComplianceFlag, 0, len(tc.Compliance))
	for _, f := range tc.Compliance {
		flags = append(flags, tenant.ComplianceFlag(f))
	}

	return tenant.New(id, tc.Domain, tenant.ParseTier(tc.Tier), tc.Region, flags...)
}

// TenantIDs returns the configured tenant ids, sorted
func (d *Definition) TenantIDs() []string {
	ids := make([]string, 0, len(d.Tenants))
	for id := range d.Tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
