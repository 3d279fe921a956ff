package secretstores

import (
	"fmt"
	"sort"
	"strings"

	"github.com/systmms/tenantkeys/internal/config"
	"github.com/systmms/tenantkeys/internal/logging"
	"github.com/systmms/tenantkeys/pkg/secretstore"
)

// Factory builds a backend from its configuration block.
type Factory func(cfg config.BackendConfig, logger *logging.Logger) (secretstore.Backend, error)

// Registry manages secret backend creation
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in backends
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}

	r.Register("memory", func(cfg config.BackendConfig, _ *logging.Logger) (secretstore.Backend, error) {
		return NewMemoryBackend(cfg.Namespace, nil), nil
	})
	r.Register("gcp.secretmanager", newGCPFromConfig)
	r.Register("aws.secretsmanager", newAWSSecretsManagerFromConfig)
	r.Register("aws.ssm", newAWSSSMFromConfig)
	r.Register("azure.keyvault", newAzureKeyVaultFromConfig)
	r.Register("keyring", newKeyringFromConfig)

	return r
}

// Register adds or replaces a backend type
func (r *Registry) Register(backendType string, f Factory) {
	r.factories[backendType] = f
}

// Create builds the backend described by cfg
func (r *Registry) Create(cfg config.BackendConfig, logger *logging.Logger) (secretstore.Backend, error) {
	f, ok := r.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown secret backend type: %s (supported: %s)", cfg.Type, strings.Join(r.GetSupportedTypes(), ", "))
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return f(cfg, logger.With("backend", cfg.Type))
}

// GetSupportedTypes returns the registered backend types, sorted
func (r *Registry) GetSupportedTypes() []string {
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// IsSupported checks if a backend type is registered
func (r *Registry) IsSupported(backendType string) bool {
	_, ok := r.factories[backendType]
	return ok
}
