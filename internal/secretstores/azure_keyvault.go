package secretstores

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	"github.com/systmms/tenantkeys/internal/config"
	dserrors "github.com/systmms/tenantkeys/internal/errors"
	"github.com/systmms/tenantkeys/internal/logging"
	"github.com/systmms/tenantkeys/pkg/secretstore"
)

const (
	azureKeyVaultName = "azure.keyvault"
	// Key Vault version ids are opaque; our number is kept in a tag.
	azureVersionTag = "version_number"
)

// AzureKeyVaultClientAPI defines the interface for Azure Key Vault operations
// This allows for mocking in tests; fakes build pagers with runtime.NewPager.
type AzureKeyVaultClientAPI interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
	NewListSecretPropertiesVersionsPager(name string, options *azsecrets.ListSecretPropertiesVersionsOptions) *runtime.Pager[azsecrets.ListSecretPropertiesVersionsResponse]
}

// AzureKeyVaultBackend stores credentials in an Azure Key Vault
type AzureKeyVaultBackend struct {
	client AzureKeyVaultClientAPI
	logger *logging.Logger

	mu      sync.Mutex
	pending map[string]map[string]string
}

// AzureOption is a functional option for AzureKeyVaultBackend
type AzureOption func(*AzureKeyVaultBackend)

// WithAzureKeyVaultClient sets a custom Azure Key Vault client (for testing)
func WithAzureKeyVaultClient(client AzureKeyVaultClientAPI) AzureOption {
	return func(b *AzureKeyVaultBackend) {
		b.client = client
	}
}

// WithAzureLogger sets the logger
func WithAzureLogger(l *logging.Logger) AzureOption {
	return func(b *AzureKeyVaultBackend) {
		b.logger = l
	}
}

// AzureKeyVaultConfig holds Azure Key Vault-specific configuration
type AzureKeyVaultConfig struct {
	VaultURL           string
	TenantID           string
	ClientID           string
	ClientSecret       string
	UseManagedIdentity bool
	UserAssignedID     string
}

// NewAzureKeyVaultBackend creates a Key Vault backend
func NewAzureKeyVaultBackend(c AzureKeyVaultConfig, opts ...AzureOption) (*AzureKeyVaultBackend, error) {
	if c.VaultURL == "" {
		return nil, dserrors.ConfigError{
			Field:      "backend.vault_url",
			Message:    "vault_url is required for Azure Key Vault",
			Suggestion: "Provide the Key Vault URL (e.g., https://my-vault.vault.azure.net/)",
		}
	}
	if _, err := url.Parse(c.VaultURL); err != nil {
		return nil, dserrors.ConfigError{
			Field:      "backend.vault_url",
			Value:      c.VaultURL,
			Message:    "invalid vault_url format",
			Suggestion: "Use format: https://vault-name.vault.azure.net/",
		}
	}

	b := &AzureKeyVaultBackend{logger: logging.Discard(), pending: make(map[string]map[string]string)}
	for _, opt := range opts {
		opt(b)
	}

	if b.client == nil {
		client, err := createAzureKeyVaultClient(c)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure Key Vault client: %w", err)
		}
		b.client = client
	}

	return b, nil
}

func newAzureKeyVaultFromConfig(cfg config.BackendConfig, logger *logging.Logger) (secretstore.Backend, error) {
	return NewAzureKeyVaultBackend(AzureKeyVaultConfig{
		VaultURL:           cfg.String("vault_url"),
		TenantID:           cfg.String("tenant_id"),
		ClientID:           cfg.String("client_id"),
		ClientSecret:       cfg.String("client_secret"),
		UseManagedIdentity: cfg.Bool("use_managed_identity", false),
		UserAssignedID:     cfg.String("user_assigned_identity_id"),
	}, WithAzureLogger(logger))
}

func createAzureKeyVaultClient(c AzureKeyVaultConfig) (*azsecrets.Client, error) {
	var cred azcore.TokenCredential
	var err error

	switch {
	case c.UseManagedIdentity && c.UserAssignedID != "":
		cred, err = azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{
			ID: azidentity.ClientID(c.UserAssignedID),
		})
	case c.UseManagedIdentity:
		cred, err = azidentity.NewManagedIdentityCredential(nil)
	case c.ClientSecret != "":
		cred, err = azidentity.NewClientSecretCredential(c.TenantID, c.ClientID, c.ClientSecret, nil)
	default:
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	return azsecrets.NewClient(c.VaultURL, cred, nil)
}

func (b *AzureKeyVaultBackend) Name() string {
	return azureKeyVaultName
}

func (b *AzureKeyVaultBackend) CreateContainer(ctx context.Context, name string, labels map[string]string) error {
	_, err := b.client.GetSecret(ctx, name, "", nil)
	if err == nil {
		return secretstore.AlreadyExistsError{Backend: azureKeyVaultName, Name: name}
	}
	if !isAzureNotFound(err) {
		return b.mapError(err, "get", name, 0)
	}

	b.mu.Lock()
	b.pending[name] = copyLabels(labels)
	b.mu.Unlock()
	return nil
}

func (b *AzureKeyVaultBackend) AddVersion(ctx context.Context, name string, value []byte) (int64, error) {
	var latest int64
	labels := map[string]string{}

	current, err := b.client.GetSecret(ctx, name, "", nil)
	switch {
	case err == nil:
		latest = azureVersionNumber(current.Tags)
		labels = azureLabels(current.Tags)
	case isAzureNotFound(err):
	default:
		return 0, b.mapError(err, "get", name, 0)
	}

	b.mu.Lock()
	if pending, ok := b.pending[name]; ok {
		labels = pending
		delete(b.pending, name)
	}
	b.mu.Unlock()

	next := latest + 1
	tags := make(map[string]*string, len(labels)+1)
	for k, v := range labels {
		v := v
		tags[k] = &v
	}
	nextStr := strconv.FormatInt(next, 10)
	tags[azureVersionTag] = &nextStr

	secretValue := string(value)
	_, err = b.client.SetSecret(ctx, name, azsecrets.SetSecretParameters{
		Value: &secretValue,
		Tags:  tags,
	}, nil)
	if err != nil {
		return 0, b.mapError(err, "set", name, 0)
	}

	b.logger.Debug("Added Key Vault version %s/%d", logging.Secret(name), next)
	return next, nil
}

func (b *AzureKeyVaultBackend) GetLatestVersion(ctx context.Context, name string) (secretstore.Version, error) {
	resp, err := b.client.GetSecret(ctx, name, "", nil)
	if err != nil {
		return secretstore.Version{}, b.mapError(err, "get", name, 0)
	}
	return azureVersion(name, resp.Secret)
}

// GetVersion scans the version list for the matching tag.
func (b *AzureKeyVaultBackend) GetVersion(ctx context.Context, name string, n int64) (secretstore.Version, error) {
	pager := b.client.NewListSecretPropertiesVersionsPager(name, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return secretstore.Version{}, b.mapError(err, "list versions", name, n)
		}
		for _, props := range page.Value {
			if props == nil || props.ID == nil || azureVersionNumber(props.Tags) != n {
				continue
			}
			resp, err := b.client.GetSecret(ctx, name, props.ID.Version(), nil)
			if err != nil {
				return secretstore.Version{}, b.mapError(err, "get", name, n)
			}
			return azureVersion(name, resp.Secret)
		}
	}
	return secretstore.Version{}, secretstore.NotFoundError{Backend: azureKeyVaultName, Name: name, Version: n}
}

func (b *AzureKeyVaultBackend) mapError(err error, op, name string, n int64) error {
	if isAzureNotFound(err) {
		return secretstore.NotFoundError{Backend: azureKeyVaultName, Name: name, Version: n}
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && (respErr.StatusCode == http.StatusUnauthorized || respErr.StatusCode == http.StatusForbidden) {
		return secretstore.AuthError{Backend: azureKeyVaultName, Message: respErr.ErrorCode}
	}
	return dserrors.BackendError(azureKeyVaultName, op+" "+name, err)
}

func azureVersion(name string, s azsecrets.Secret) (secretstore.Version, error) {
	if s.Value == nil {
		return secretstore.Version{}, fmt.Errorf("key vault secret %q has no value", name)
	}
	v := secretstore.Version{
		Number: azureVersionNumber(s.Tags),
		Value:  []byte(*s.Value),
		Labels: azureLabels(s.Tags),
	}
	if s.Attributes != nil && s.Attributes.Created != nil {
		v.CreatedAt = s.Attributes.Created.UTC()
	}
	return v, nil
}

func azureVersionNumber(tags map[string]*string) int64 {
	raw, ok := tags[azureVersionTag]
	if !ok || raw == nil {
		return 0
	}
	n, err := strconv.ParseInt(*raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func azureLabels(tags map[string]*string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		if k == azureVersionTag || v == nil {
			continue
		}
		out[k] = *v
	}
	return out
}

func isAzureNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
