package secretstores

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/impersonate"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/systmms/tenantkeys/internal/config"
	dserrors "github.com/systmms/tenantkeys/internal/errors"
	"github.com/systmms/tenantkeys/internal/logging"
	"github.com/systmms/tenantkeys/pkg/secretstore"
)

const gcpBackendName = "gcp.secretmanager"

// GCPSecretManagerAPI is the subset of the Secret Manager client we use.
// *secretmanager.Client satisfies it.
type GCPSecretManagerAPI interface {
	CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest, opts ...gax.CallOption) (*secretmanagerpb.Secret, error)
	AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.SecretVersion, error)
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
}

// GCPBackend stores each secret as a Secret Manager secret with
// automatic replication. Versions map one to one.
type GCPBackend struct {
	client    GCPSecretManagerAPI
	projectID string
	logger    *logging.Logger
}

// GCPOption is a functional option for GCPBackend
type GCPOption func(*GCPBackend)

// WithGCPClient sets a custom Secret Manager client (for testing)
func WithGCPClient(client GCPSecretManagerAPI) GCPOption {
	return func(b *GCPBackend) {
		b.client = client
	}
}

// WithGCPLogger sets the logger
func WithGCPLogger(l *logging.Logger) GCPOption {
	return func(b *GCPBackend) {
		b.logger = l
	}
}

// GCPConfig holds GCP Secret Manager configuration
type GCPConfig struct {
	ProjectID             string
	ServiceAccountKeyPath string
	ImpersonateAccount    string
}

// NewGCPBackend creates a backend for projectID
func NewGCPBackend(ctx context.Context, cfg GCPConfig, opts ...GCPOption) (*GCPBackend, error) {
	if cfg.ProjectID == "" {
		cfg.ProjectID = gcpProjectFromEnv()
	}
	if cfg.ProjectID == "" {
		return nil, dserrors.ConfigError{
			Field:      "backend.project_id",
			Message:    "project_id is required for GCP Secret Manager",
			Suggestion: "Set project_id under 'backend:' or the GOOGLE_CLOUD_PROJECT environment variable",
		}
	}

	b := &GCPBackend{projectID: cfg.ProjectID, logger: logging.Discard()}
	for _, opt := range opts {
		opt(b)
	}

	if b.client == nil {
		client, err := createGCPClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCP Secret Manager client: %w", err)
		}
		b.client = client
	}

	return b, nil
}

func newGCPFromConfig(cfg config.BackendConfig, logger *logging.Logger) (secretstore.Backend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	return NewGCPBackend(ctx, GCPConfig{
		ProjectID:             cfg.String("project_id"),
		ServiceAccountKeyPath: cfg.String("service_account_key_path"),
		ImpersonateAccount:    cfg.String("impersonate_service_account"),
	}, WithGCPLogger(logger))
}

func createGCPClient(ctx context.Context, cfg GCPConfig) (*secretmanager.Client, error) {
	var clientOptions []option.ClientOption

	if cfg.ServiceAccountKeyPath != "" {
		path := cfg.ServiceAccountKeyPath
		if strings.HasPrefix(path, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to get home directory: %w", err)
			}
			path = filepath.Join(home, path[2:])
		}
		clientOptions = append(clientOptions, option.WithCredentialsFile(path))
	}

	if cfg.ImpersonateAccount != "" {
		ts, err := impersonate.CredentialsTokenSource(ctx, impersonate.CredentialsConfig{
			TargetPrincipal: cfg.ImpersonateAccount,
			Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create impersonated credentials: %w", err)
		}
		clientOptions = append(clientOptions, option.WithTokenSource(ts))
	}

	return secretmanager.NewClient(ctx, clientOptions...)
}

func gcpProjectFromEnv() string {
	for _, key := range []string{"GOOGLE_CLOUD_PROJECT", "GCLOUD_PROJECT", "GCP_PROJECT"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

func (b *GCPBackend) Name() string {
	return gcpBackendName
}

func (b *GCPBackend) secretPath(name string) string {
	return fmt.Sprintf("projects/%s/secrets/%s", b.projectID, name)
}

func (b *GCPBackend) CreateContainer(ctx context.Context, name string, labels map[string]string) error {
	b.logger.Debug("Creating GCP secret %s", logging.Secret(name))

	_, err := b.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   "projects/" + b.projectID,
		SecretId: name,
		Secret: &secretmanagerpb.Secret{
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
			Labels: gcpLabels(labels),
		},
	})
	if err != nil {
		return b.mapError(err, "create", name, 0)
	}
	return nil
}

func (b *GCPBackend) AddVersion(ctx context.Context, name string, value []byte) (int64, error) {
	resp, err := b.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  b.secretPath(name),
		Payload: &secretmanagerpb.SecretPayload{Data: value},
	})
	if err != nil {
		return 0, b.mapError(err, "add version", name, 0)
	}

	n, err := gcpVersionNumber(resp.GetName())
	if err != nil {
		return 0, err
	}
	b.logger.Debug("Added GCP secret version %s/%d", logging.Secret(name), n)
	return n, nil
}

func (b *GCPBackend) GetLatestVersion(ctx context.Context, name string) (secretstore.Version, error) {
	return b.access(ctx, name, "latest", 0)
}

func (b *GCPBackend) GetVersion(ctx context.Context, name string, n int64) (secretstore.Version, error) {
	return b.access(ctx, name, strconv.FormatInt(n, 10), n)
}

func (b *GCPBackend) access(ctx context.Context, name, version string, n int64) (secretstore.Version, error) {
	resp, err := b.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: b.secretPath(name) + "/versions/" + version,
	})
	if err != nil {
		return secretstore.Version{}, b.mapError(err, "access", name, n)
	}
	if resp.GetPayload() == nil {
		return secretstore.Version{}, fmt.Errorf("GCP secret %s has no payload", name)
	}

	number, err := gcpVersionNumber(resp.GetName())
	if err != nil {
		return secretstore.Version{}, err
	}

	return secretstore.Version{Number: number, Value: resp.GetPayload().GetData()}, nil
}

func (b *GCPBackend) mapError(err error, op, name string, n int64) error {
	switch status.Code(err) {
	case codes.NotFound:
		return secretstore.NotFoundError{Backend: gcpBackendName, Name: name, Version: n}
	case codes.AlreadyExists:
		return secretstore.AlreadyExistsError{Backend: gcpBackendName, Name: name}
	case codes.Unauthenticated:
		return secretstore.AuthError{Backend: gcpBackendName, Message: status.Convert(err).Message()}
	}
	return dserrors.BackendError(gcpBackendName, op+" "+name, err)
}

// gcpVersionNumber extracts N from projects/P/secrets/S/versions/N.
func gcpVersionNumber(resource string) (int64, error) {
	idx := strings.LastIndex(resource, "/versions/")
	if idx < 0 {
		return 0, fmt.Errorf("unexpected GCP version resource name %q", resource)
	}
	n, err := strconv.ParseInt(resource[idx+len("/versions/"):], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected GCP version resource name %q: %w", resource, err)
	}
	return n, nil
}

// gcpLabels coerces labels into Secret Manager's charset: lowercase
// letters, digits, '_' and '-', at most 63 characters.
func gcpLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = gcpLabelValue(k)
		if k == "" {
			continue
		}
		out[k] = gcpLabelValue(v)
	}
	return out
}

func gcpLabelValue(s string) string {
	s = strings.ToLower(s)
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
		if sb.Len() == 63 {
			break
		}
	}
	return sb.String()
}
