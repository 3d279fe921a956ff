package secretstores

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/google/uuid"

	"github.com/systmms/tenantkeys/internal/config"
	dserrors "github.com/systmms/tenantkeys/internal/errors"
	"github.com/systmms/tenantkeys/internal/logging"
	"github.com/systmms/tenantkeys/pkg/secretstore"
)

const awsSecretsManagerName = "aws.secretsmanager"

// AWS keeps opaque version ids; tenantkeys numbers versions through a
// "v<N>" staging label attached next to AWSCURRENT.
const (
	awsCurrentStage = "AWSCURRENT"
	awsVersionStage = "v"
)

// SecretsManagerClientAPI defines the interface for AWS Secrets Manager operations
// This allows for mocking in tests
type SecretsManagerClientAPI interface {
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManagerBackend stores credentials in AWS Secrets Manager
type AWSSecretsManagerBackend struct {
	client SecretsManagerClientAPI
	logger *logging.Logger
}

// SecretsManagerOption is a functional option for AWSSecretsManagerBackend
type SecretsManagerOption func(*AWSSecretsManagerBackend)

// WithSecretsManagerClient sets a custom Secrets Manager client (for testing)
func WithSecretsManagerClient(client SecretsManagerClientAPI) SecretsManagerOption {
	return func(b *AWSSecretsManagerBackend) {
		b.client = client
	}
}

// WithSecretsManagerLogger sets the logger
func WithSecretsManagerLogger(l *logging.Logger) SecretsManagerOption {
	return func(b *AWSSecretsManagerBackend) {
		b.logger = l
	}
}

// NewAWSSecretsManagerBackend creates a Secrets Manager backend
func NewAWSSecretsManagerBackend(ctx context.Context, c AWSConfig, opts ...SecretsManagerOption) (*AWSSecretsManagerBackend, error) {
	b := &AWSSecretsManagerBackend{logger: logging.Discard()}
	for _, opt := range opts {
		opt(b)
	}

	if b.client == nil {
		cfg, err := loadAWSConfig(ctx, c)
		if err != nil {
			return nil, err
		}
		var clientOpts []func(*secretsmanager.Options)
		if c.Endpoint != "" {
			endpoint := c.Endpoint
			clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
				o.BaseEndpoint = &endpoint
			})
		}
		b.client = secretsmanager.NewFromConfig(cfg, clientOpts...)
	}

	return b, nil
}

func newAWSSecretsManagerFromConfig(cfg config.BackendConfig, logger *logging.Logger) (secretstore.Backend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	return NewAWSSecretsManagerBackend(ctx, awsConfigFrom(cfg), WithSecretsManagerLogger(logger))
}

func (b *AWSSecretsManagerBackend) Name() string {
	return awsSecretsManagerName
}

func (b *AWSSecretsManagerBackend) CreateContainer(ctx context.Context, name string, labels map[string]string) error {
	tags := make([]types.Tag, 0, len(labels))
	for k, v := range labels {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	_, err := b.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:        aws.String(name),
		Description: aws.String("Managed by tenantkeys"),
		Tags:        tags,
	})
	if err != nil {
		return b.mapError(err, "create", name, 0)
	}
	return nil
}

func (b *AWSSecretsManagerBackend) AddVersion(ctx context.Context, name string, value []byte) (int64, error) {
	desc, err := b.client.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{SecretId: aws.String(name)})
	if err != nil {
		return 0, b.mapError(err, "describe", name, 0)
	}

	var latest int64
	for _, stages := range desc.VersionIdsToStages {
		if n := awsStageNumber(stages); n > latest {
			latest = n
		}
	}
	next := latest + 1

	_, err = b.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:           aws.String(name),
		SecretString:       aws.String(string(value)),
		ClientRequestToken: aws.String(uuid.NewString()),
		VersionStages:      []string{awsCurrentStage, awsVersionStage + strconv.FormatInt(next, 10)},
	})
	if err != nil {
		return 0, b.mapError(err, "put value", name, 0)
	}

	b.logger.Debug("Added Secrets Manager version %s/v%d", logging.Secret(name), next)
	return next, nil
}

func (b *AWSSecretsManagerBackend) GetLatestVersion(ctx context.Context, name string) (secretstore.Version, error) {
	return b.get(ctx, name, awsCurrentStage, 0)
}

func (b *AWSSecretsManagerBackend) GetVersion(ctx context.Context, name string, n int64) (secretstore.Version, error) {
	return b.get(ctx, name, awsVersionStage+strconv.FormatInt(n, 10), n)
}

func (b *AWSSecretsManagerBackend) get(ctx context.Context, name, stage string, n int64) (secretstore.Version, error) {
	out, err := b.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(name),
		VersionStage: aws.String(stage),
	})
	if err != nil {
		return secretstore.Version{}, b.mapError(err, "get value", name, n)
	}

	var value []byte
	switch {
	case out.SecretString != nil:
		value = []byte(*out.SecretString)
	case out.SecretBinary != nil:
		value = out.SecretBinary
	default:
		return secretstore.Version{}, fmt.Errorf("secret %q has no value", name)
	}

	v := secretstore.Version{Number: awsStageNumber(out.VersionStages), Value: value}
	if out.CreatedDate != nil {
		v.CreatedAt = out.CreatedDate.UTC()
	}
	return v, nil
}

func (b *AWSSecretsManagerBackend) mapError(err error, op, name string, n int64) error {
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return secretstore.NotFoundError{Backend: awsSecretsManagerName, Name: name, Version: n}
	}
	var exists *types.ResourceExistsException
	if errors.As(err, &exists) {
		return secretstore.AlreadyExistsError{Backend: awsSecretsManagerName, Name: name}
	}
	return dserrors.BackendError(awsSecretsManagerName, op+" "+name, err)
}

// awsStageNumber returns N for the first "vN" label, or 0.
func awsStageNumber(stages []string) int64 {
	for _, s := range stages {
		if !strings.HasPrefix(s, awsVersionStage) {
			continue
		}
		if n, err := strconv.ParseInt(s[len(awsVersionStage):], 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
