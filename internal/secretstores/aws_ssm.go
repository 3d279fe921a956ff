package secretstores

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/systmms/tenantkeys/internal/config"
	dserrors "github.com/systmms/tenantkeys/internal/errors"
	"github.com/systmms/tenantkeys/internal/logging"
	"github.com/systmms/tenantkeys/pkg/secretstore"
)

const awsSSMName = "aws.ssm"

// SSMClientAPI defines the interface for AWS SSM Parameter Store operations
// This allows for mocking in tests
type SSMClientAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	AddTagsToResource(ctx context.Context, params *ssm.AddTagsToResourceInput, optFns ...func(*ssm.Options)) (*ssm.AddTagsToResourceOutput, error)
}

// AWSSSMBackend stores credentials as SecureString parameters. Parameter
// Store numbers versions itself, so they are used as-is.
type AWSSSMBackend struct {
	client SSMClientAPI
	logger *logging.Logger
	prefix string
	kmsKey string

	// Parameters only exist once a value is put; labels handed to
	// CreateContainer are applied as tags after the first PutParameter.
	mu      sync.Mutex
	pending map[string]map[string]string
}

// SSMOption is a functional option for AWSSSMBackend
type SSMOption func(*AWSSSMBackend)

// WithSSMClient sets a custom SSM client (for testing)
func WithSSMClient(client SSMClientAPI) SSMOption {
	return func(b *AWSSSMBackend) {
		b.client = client
	}
}

// WithSSMLogger sets the logger
func WithSSMLogger(l *logging.Logger) SSMOption {
	return func(b *AWSSSMBackend) {
		b.logger = l
	}
}

// SSMConfig holds Parameter Store settings on top of AWSConfig
type SSMConfig struct {
	AWSConfig
	// ParameterPrefix is prepended to every name, e.g. "/tenantkeys/".
	ParameterPrefix string
	// KMSKeyID encrypts SecureString values; empty means the account default.
	KMSKeyID string
}

// NewAWSSSMBackend creates a Parameter Store backend
func NewAWSSSMBackend(ctx context.Context, c SSMConfig, opts ...SSMOption) (*AWSSSMBackend, error) {
	b := &AWSSSMBackend{
		logger:  logging.Discard(),
		prefix:  c.ParameterPrefix,
		kmsKey:  c.KMSKeyID,
		pending: make(map[string]map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.client == nil {
		cfg, err := loadAWSConfig(ctx, c.AWSConfig)
		if err != nil {
			return nil, err
		}
		var clientOpts []func(*ssm.Options)
		if c.Endpoint != "" {
			endpoint := c.Endpoint
			clientOpts = append(clientOpts, func(o *ssm.Options) {
				o.BaseEndpoint = &endpoint
			})
		}
		b.client = ssm.NewFromConfig(cfg, clientOpts...)
	}

	return b, nil
}

func newAWSSSMFromConfig(cfg config.BackendConfig, logger *logging.Logger) (secretstore.Backend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	return NewAWSSSMBackend(ctx, SSMConfig{
		AWSConfig:       awsConfigFrom(cfg),
		ParameterPrefix: cfg.String("parameter_prefix"),
		KMSKeyID:        cfg.String("kms_key_id"),
	}, WithSSMLogger(logger))
}

func (b *AWSSSMBackend) Name() string {
	return awsSSMName
}

func (b *AWSSSMBackend) parameter(name string) string {
	return b.prefix + name
}

func (b *AWSSSMBackend) CreateContainer(ctx context.Context, name string, labels map[string]string) error {
	_, err := b.client.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(b.parameter(name))})
	if err == nil {
		return secretstore.AlreadyExistsError{Backend: awsSSMName, Name: name}
	}
	mapped := b.mapError(err, "get", name, 0)
	if !secretstore.IsNotFound(mapped) {
		return mapped
	}

	b.mu.Lock()
	b.pending[name] = copyLabels(labels)
	b.mu.Unlock()
	return nil
}

func (b *AWSSSMBackend) AddVersion(ctx context.Context, name string, value []byte) (int64, error) {
	in := &ssm.PutParameterInput{
		Name:      aws.String(b.parameter(name)),
		Value:     aws.String(string(value)),
		Type:      types.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
	}
	if b.kmsKey != "" {
		in.KeyId = aws.String(b.kmsKey)
	}

	out, err := b.client.PutParameter(ctx, in)
	if err != nil {
		return 0, b.mapError(err, "put", name, 0)
	}

	b.mu.Lock()
	labels, ok := b.pending[name]
	delete(b.pending, name)
	b.mu.Unlock()

	if ok && len(labels) > 0 {
		tags := make([]types.Tag, 0, len(labels))
		for k, v := range labels {
			tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
		}
		_, err := b.client.AddTagsToResource(ctx, &ssm.AddTagsToResourceInput{
			ResourceType: types.ResourceTypeForTaggingParameter,
			ResourceId:   aws.String(b.parameter(name)),
			Tags:         tags,
		})
		if err != nil {
			b.logger.Warn("Failed to tag parameter %s: %v", logging.Secret(name), err)
		}
	}

	return out.Version, nil
}

func (b *AWSSSMBackend) GetLatestVersion(ctx context.Context, name string) (secretstore.Version, error) {
	return b.get(ctx, name, b.parameter(name), 0)
}

func (b *AWSSSMBackend) GetVersion(ctx context.Context, name string, n int64) (secretstore.Version, error) {
	return b.get(ctx, name, b.parameter(name)+":"+strconv.FormatInt(n, 10), n)
}

func (b *AWSSSMBackend) get(ctx context.Context, name, selector string, n int64) (secretstore.Version, error) {
	out, err := b.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(selector),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return secretstore.Version{}, b.mapError(err, "get", name, n)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return secretstore.Version{}, secretstore.NotFoundError{Backend: awsSSMName, Name: name, Version: n}
	}

	v := secretstore.Version{Number: out.Parameter.Version, Value: []byte(*out.Parameter.Value)}
	if out.Parameter.LastModifiedDate != nil {
		v.CreatedAt = out.Parameter.LastModifiedDate.UTC()
	}
	return v, nil
}

func (b *AWSSSMBackend) mapError(err error, op, name string, n int64) error {
	var notFound *types.ParameterNotFound
	var versionNotFound *types.ParameterVersionNotFound
	if errors.As(err, &notFound) || errors.As(err, &versionNotFound) {
		return secretstore.NotFoundError{Backend: awsSSMName, Name: name, Version: n}
	}
	if strings.Contains(err.Error(), "ParameterNotFound") {
		return secretstore.NotFoundError{Backend: awsSSMName, Name: name, Version: n}
	}
	return dserrors.BackendError(awsSSMName, op+" "+name, err)
}
