package secretstores

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// fakeGCPClient mimics Secret Manager's resource naming and status codes.
type fakeGCPClient struct {
	mu       sync.Mutex
	secrets  map[string]*secretmanagerpb.Secret
	versions map[string][][]byte
	created  map[string]*timestamppb.Timestamp
}

func newFakeGCPClient() *fakeGCPClient {
	return &fakeGCPClient{
		secrets:  map[string]*secretmanagerpb.Secret{},
		versions: map[string][][]byte{},
		created:  map[string]*timestamppb.Timestamp{},
	}
}

func (f *fakeGCPClient) CreateSecret(_ context.Context, req *secretmanagerpb.CreateSecretRequest, _ ...gax.CallOption) (*secretmanagerpb.Secret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := req.GetParent() + "/secrets/" + req.GetSecretId()
	if _, ok := f.secrets[name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "Secret [%s] already exists.", name)
	}
	s := &secretmanagerpb.Secret{Name: name, Labels: req.GetSecret().GetLabels(), CreateTime: timestamppb.Now()}
	f.secrets[name] = s
	return s, nil
}

func (f *fakeGCPClient) AddSecretVersion(_ context.Context, req *secretmanagerpb.AddSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.SecretVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.secrets[req.GetParent()]; !ok {
		return nil, status.Errorf(codes.NotFound, "Secret [%s] not found.", req.GetParent())
	}
	f.versions[req.GetParent()] = append(f.versions[req.GetParent()], req.GetPayload().GetData())
	n := len(f.versions[req.GetParent()])
	name := fmt.Sprintf("%s/versions/%d", req.GetParent(), n)
	f.created[name] = timestamppb.Now()
	return &secretmanagerpb.SecretVersion{
		Name:       name,
		State:      secretmanagerpb.SecretVersion_ENABLED,
		CreateTime: f.created[name],
	}, nil
}

func (f *fakeGCPClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := strings.LastIndex(req.GetName(), "/versions/")
	if idx < 0 {
		return nil, status.Error(codes.InvalidArgument, "bad name")
	}
	parent, version := req.GetName()[:idx], req.GetName()[idx+len("/versions/"):]

	vs := f.versions[parent]
	n := len(vs)
	if version != "latest" {
		var err error
		n, err = strconv.Atoi(version)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "bad version")
		}
	}
	if n < 1 || n > len(vs) {
		return nil, status.Errorf(codes.NotFound, "Secret Version [%s] not found.", req.GetName())
	}

	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    fmt.Sprintf("%s/versions/%d", parent, n),
		Payload: &secretmanagerpb.SecretPayload{Data: vs[n-1]},
	}, nil
}

// fakeSecretsManager moves staging labels the way AWS does.
type fakeSecretsManager struct {
	mu      sync.Mutex
	secrets map[string]*fakeAWSSecret
}

type fakeAWSSecret struct {
	tags     []smtypes.Tag
	versions []*fakeAWSVersion
}

type fakeAWSVersion struct {
	id      string
	value   string
	stages  []string
	created time.Time
}

func newFakeSecretsManager() *fakeSecretsManager {
	return &fakeSecretsManager{secrets: map[string]*fakeAWSSecret{}}
}

func (f *fakeSecretsManager) CreateSecret(_ context.Context, in *secretsmanager.CreateSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.ToString(in.Name)
	if _, ok := f.secrets[name]; ok {
		return nil, &smtypes.ResourceExistsException{Message: aws.String("exists")}
	}
	f.secrets[name] = &fakeAWSSecret{tags: in.Tags}
	return &secretsmanager.CreateSecretOutput{Name: in.Name}, nil
}

func (f *fakeSecretsManager) DescribeSecret(_ context.Context, in *secretsmanager.DescribeSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.secrets[aws.ToString(in.SecretId)]
	if !ok {
		return nil, &smtypes.ResourceNotFoundException{Message: aws.String("not found")}
	}
	stages := map[string][]string{}
	for _, v := range s.versions {
		if len(v.stages) > 0 {
			stages[v.id] = append([]string(nil), v.stages...)
		}
	}
	return &secretsmanager.DescribeSecretOutput{Name: in.SecretId, Tags: s.tags, VersionIdsToStages: stages}, nil
}

func (f *fakeSecretsManager) PutSecretValue(_ context.Context, in *secretsmanager.PutSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.secrets[aws.ToString(in.SecretId)]
	if !ok {
		return nil, &smtypes.ResourceNotFoundException{Message: aws.String("not found")}
	}
	for _, stage := range in.VersionStages {
		for _, v := range s.versions {
			v.stages = removeStage(v.stages, stage)
		}
	}
	s.versions = append(s.versions, &fakeAWSVersion{
		id:      aws.ToString(in.ClientRequestToken),
		value:   aws.ToString(in.SecretString),
		stages:  append([]string(nil), in.VersionStages...),
		created: time.Now(),
	})
	return &secretsmanager.PutSecretValueOutput{VersionId: in.ClientRequestToken, VersionStages: in.VersionStages}, nil
}

func (f *fakeSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.secrets[aws.ToString(in.SecretId)]
	if !ok {
		return nil, &smtypes.ResourceNotFoundException{Message: aws.String("not found")}
	}
	for _, v := range s.versions {
		for _, stage := range v.stages {
			if stage == aws.ToString(in.VersionStage) {
				created := v.created
				return &secretsmanager.GetSecretValueOutput{
					Name:          in.SecretId,
					SecretString:  aws.String(v.value),
					VersionId:     aws.String(v.id),
					VersionStages: append([]string(nil), v.stages...),
					CreatedDate:   &created,
				}, nil
			}
		}
	}
	return nil, &smtypes.ResourceNotFoundException{Message: aws.String("version not found")}
}

func removeStage(stages []string, stage string) []string {
	out := stages[:0]
	for _, s := range stages {
		if s != stage {
			out = append(out, s)
		}
	}
	return out
}

// fakeSSM numbers parameter versions and supports name:N selectors.
type fakeSSM struct {
	mu     sync.Mutex
	params map[string][]string
	tags   map[string][]ssmtypes.Tag
}

func newFakeSSM() *fakeSSM {
	return &fakeSSM{params: map[string][]string{}, tags: map[string][]ssmtypes.Tag{}}
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.ToString(in.Name)
	version := 0
	if idx := strings.LastIndex(name, ":"); idx >= 0 {
		v, err := strconv.Atoi(name[idx+1:])
		if err == nil {
			version = v
			name = name[:idx]
		}
	}

	vs, ok := f.params[name]
	if !ok {
		return nil, &ssmtypes.ParameterNotFound{Message: aws.String("not found")}
	}
	if version == 0 {
		version = len(vs)
	}
	if version < 1 || version > len(vs) {
		return nil, &ssmtypes.ParameterVersionNotFound{Message: aws.String("version not found")}
	}

	now := time.Now()
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{
		Name:             aws.String(name),
		Value:            aws.String(vs[version-1]),
		Version:          int64(version),
		Type:             ssmtypes.ParameterTypeSecureString,
		LastModifiedDate: &now,
	}}, nil
}

func (f *fakeSSM) PutParameter(_ context.Context, in *ssm.PutParameterInput, _ ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.ToString(in.Name)
	if _, ok := f.params[name]; ok && !aws.ToBool(in.Overwrite) {
		return nil, &ssmtypes.ParameterAlreadyExists{Message: aws.String("exists")}
	}
	f.params[name] = append(f.params[name], aws.ToString(in.Value))
	return &ssm.PutParameterOutput{Version: int64(len(f.params[name]))}, nil
}

func (f *fakeSSM) AddTagsToResource(_ context.Context, in *ssm.AddTagsToResourceInput, _ ...func(*ssm.Options)) (*ssm.AddTagsToResourceOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tags[aws.ToString(in.ResourceId)] = append(f.tags[aws.ToString(in.ResourceId)], in.Tags...)
	return &ssm.AddTagsToResourceOutput{}, nil
}

// fakeKeyVault keeps each SetSecret as a new opaque version.
type fakeKeyVault struct {
	mu      sync.Mutex
	secrets map[string][]azsecrets.Secret
}

func newFakeKeyVault() *fakeKeyVault {
	return &fakeKeyVault{secrets: map[string][]azsecrets.Secret{}}
}

func azureNotFound() error {
	return &azcore.ResponseError{StatusCode: 404, ErrorCode: "SecretNotFound"}
}

func (f *fakeKeyVault) GetSecret(_ context.Context, name, version string, _ *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	vs := f.secrets[name]
	if len(vs) == 0 {
		return azsecrets.GetSecretResponse{}, azureNotFound()
	}
	if version == "" {
		return azsecrets.GetSecretResponse{Secret: vs[len(vs)-1]}, nil
	}
	for _, s := range vs {
		if s.ID.Version() == version {
			return azsecrets.GetSecretResponse{Secret: s}, nil
		}
	}
	return azsecrets.GetSecretResponse{}, azureNotFound()
}

func (f *fakeKeyVault) SetSecret(_ context.Context, name string, params azsecrets.SetSecretParameters, _ *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := azsecrets.ID(fmt.Sprintf("https://fake.vault.azure.net/secrets/%s/v%08d", name, len(f.secrets[name])+1))
	created := time.Now()
	s := azsecrets.Secret{
		ID:         &id,
		Value:      params.Value,
		Tags:       params.Tags,
		Attributes: &azsecrets.SecretAttributes{Created: &created},
	}
	f.secrets[name] = append(f.secrets[name], s)
	return azsecrets.SetSecretResponse{Secret: s}, nil
}

func (f *fakeKeyVault) NewListSecretPropertiesVersionsPager(name string, _ *azsecrets.ListSecretPropertiesVersionsOptions) *runtime.Pager[azsecrets.ListSecretPropertiesVersionsResponse] {
	return runtime.NewPager(runtime.PagingHandler[azsecrets.ListSecretPropertiesVersionsResponse]{
		More: func(azsecrets.ListSecretPropertiesVersionsResponse) bool { return false },
		Fetcher: func(context.Context, *azsecrets.ListSecretPropertiesVersionsResponse) (azsecrets.ListSecretPropertiesVersionsResponse, error) {
			f.mu.Lock()
			defer f.mu.Unlock()

			var resp azsecrets.ListSecretPropertiesVersionsResponse
			for _, s := range f.secrets[name] {
				resp.Value = append(resp.Value, &azsecrets.SecretProperties{ID: s.ID, Tags: s.Tags, Attributes: s.Attributes})
			}
			return resp, nil
		},
	})
}
