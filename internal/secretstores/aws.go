package secretstores

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/systmms/tenantkeys/internal/config"
)

// AWSConfig holds settings shared by the AWS backends
type AWSConfig struct {
	Region  string
	Profile string
	// AssumeRole is a role ARN assumed through STS before any call.
	AssumeRole string
	// Endpoint overrides the service endpoint, e.g. for LocalStack.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

func awsConfigFrom(cfg config.BackendConfig) AWSConfig {
	return AWSConfig{
		Region:          cfg.String("region"),
		Profile:         cfg.String("profile"),
		AssumeRole:      cfg.String("assume_role"),
		Endpoint:        cfg.String("endpoint"),
		AccessKeyID:     cfg.String("access_key_id"),
		SecretAccessKey: cfg.String("secret_access_key"),
	}
}

// loadAWSConfig resolves credentials the way the AWS CLI does, optionally
// swapping them for an assumed role.
func loadAWSConfig(ctx context.Context, c AWSConfig) (aws.Config, error) {
	region := c.Region
	if region == "" {
		region = "us-east-1"
	}

	configOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if c.Profile != "" {
		configOpts = append(configOpts, awsconfig.WithSharedConfigProfile(c.Profile))
	}
	if c.AccessKeyID != "" && c.SecretAccessKey != "" {
		configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if c.AssumeRole != "" {
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), c.AssumeRole, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = "tenantkeys"
		})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}

	return cfg, nil
}
