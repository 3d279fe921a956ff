package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Builtin returns the adapters for every provider tenantkeys ships with.
func Builtin(opts ...Option) []ServiceAdapter {
	return BuiltinWithBaseURLs(nil, opts...)
}

// BuiltinWithBaseURLs is Builtin with per-service API roots keyed by
// service id, e.g. for an egress proxy. Services missing from baseURLs
// keep the provider default.
func BuiltinWithBaseURLs(baseURLs map[string]string, opts ...Option) []ServiceAdapter {
	with := func(id string) []Option {
		u, ok := baseURLs[id]
		if !ok || u == "" {
			return opts
		}
		return append(append([]Option{}, opts...), WithBaseURL(u))
	}
	return []ServiceAdapter{
		NewHume(with("hume")...),
		NewElevenLabs(with("elevenlabs")...),
		NewOpenAI(with("openai")...),
		NewAnthropic(with("anthropic")...),
		NewDeepgram(with("deepgram")...),
	}
}

// Hume mints one management-API key per tenant.
type Hume struct {
	http httpSettings
	now  func() time.Time
}

func NewHume(opts ...Option) *Hume {
	return &Hume{http: newHTTPSettings("https://api.hume.ai", opts), now: time.Now}
}

func (h *Hume) Descriptor() Descriptor {
	return Descriptor{
		ID:                   "hume",
		ServiceName:          "Hume AI",
		SecretPrefix:         "ai-hume",
		SupportsOAuth2:       true,
		SupportsProvisioning: true,
		DefaultScopes:        []string{"evi.tts", "evi.prompts", "evi.voices"},
	}
}

func (h *Hume) CheckFormat(credential string) error {
	return checkGenericFormat("hume", credential, "", 20)
}

func (h *Hume) ValidateKey(ctx context.Context, credential string) bool {
	return h.http.probe(ctx, "/v0/tts/voices?provider=CUSTOM_VOICE&page_size=1", map[string]string{
		"X-Hume-Api-Key": credential,
	})
}

// CostForUsage bills one second of generated audio per 100 tokens, rounded up.
func (h *Hume) CostForUsage(tokens int64, _ string) decimal.Decimal {
	if tokens <= 0 {
		return decimal.Zero
	}
	seconds := decimal.NewFromInt(tokens).Div(decimal.NewFromInt(100)).Ceil()
	return seconds.Mul(decimal.RequireFromString("0.002"))
}

func (h *Hume) AdminSchema() string {
	return `{
  "type": "object",
  "required": ["adminApiKey"],
  "properties": {
    "adminApiKey": {"type": "string", "minLength": 1}
  }
}`
}

type humeProvisionRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Scopes      []string          `json:"scopes"`
	Metadata    map[string]string `json:"metadata"`
}

type humeProvisionResponse struct {
	APIKey string `json:"api_key"`
}

// ProvisionKey creates a key through the Hume management API.
func (h *Hume) ProvisionKey(ctx context.Context, admin AdminCredentials, meta ProvisionMetadata) (string, error) {
	adminKey := admin.Field("adminApiKey")
	if adminKey == "" {
		return "", fmt.Errorf("%w: hume admin credentials lack adminApiKey", ErrInvalidCredentialFormat)
	}

	company := meta.CompanyName
	if company == "" {
		company = meta.TenantID
	}
	scopes := meta.Scopes
	if len(scopes) == 0 {
		scopes = h.Descriptor().DefaultScopes
	}

	body, err := json.Marshal(humeProvisionRequest{
		Name:        company + "-tenantkeys",
		Description: "Provisioned key for " + company,
		Scopes:      scopes,
		Metadata: map[string]string{
			"tenantId":      meta.TenantID,
			"domain":        meta.Domain,
			"provisionedBy": meta.RequestedBy,
			"provisionedAt": h.now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode hume provisioning request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.http.baseURL+"/v0/management/api-keys", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build hume provisioning request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+adminKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.http.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("hume provisioning request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("hume provisioning failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out humeProvisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode hume provisioning response: %w", err)
	}
	if out.APIKey == "" {
		return "", fmt.Errorf("hume provisioning response did not contain api_key")
	}

	return out.APIKey, nil
}

// ElevenLabs keys are always supplied by the tenant or shared.
type ElevenLabs struct {
	http httpSettings
}

func NewElevenLabs(opts ...Option) *ElevenLabs {
	return &ElevenLabs{http: newHTTPSettings("https://api.elevenlabs.io", opts)}
}

func (e *ElevenLabs) Descriptor() Descriptor {
	return Descriptor{ID: "elevenlabs", ServiceName: "ElevenLabs", SecretPrefix: "ai-elevenlabs"}
}

func (e *ElevenLabs) CheckFormat(credential string) error {
	return checkGenericFormat("elevenlabs", credential, "", 20)
}

func (e *ElevenLabs) ValidateKey(ctx context.Context, credential string) bool {
	return e.http.probe(ctx, "/v1/voices", map[string]string{"xi-api-key": credential})
}

// CostForUsage prices characters at $0.18 per thousand.
func (e *ElevenLabs) CostForUsage(tokens int64, _ string) decimal.Decimal {
	if tokens <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(tokens).Mul(decimal.RequireFromString("0.18")).Div(decimal.NewFromInt(1000))
}

type OpenAI struct {
	http httpSettings
}

func NewOpenAI(opts ...Option) *OpenAI {
	return &OpenAI{http: newHTTPSettings("https://api.openai.com", opts)}
}

func (o *OpenAI) Descriptor() Descriptor {
	return Descriptor{ID: "openai", ServiceName: "OpenAI", SecretPrefix: "ai-openai"}
}

func (o *OpenAI) CheckFormat(credential string) error {
	return checkGenericFormat("openai", credential, "sk-", 20)
}

func (o *OpenAI) ValidateKey(ctx context.Context, credential string) bool {
	return o.http.probe(ctx, "/v1/models", map[string]string{"Authorization": "Bearer " + credential})
}

func (o *OpenAI) CostForUsage(tokens int64, operation string) decimal.Decimal {
	if tokens <= 0 {
		return decimal.Zero
	}
	rate := decimal.RequireFromString("0.000002")
	if strings.Contains(strings.ToLower(operation), "gpt-4") {
		rate = decimal.RequireFromString("0.00003")
	}
	return decimal.NewFromInt(tokens).Mul(rate)
}

type Anthropic struct {
	http httpSettings
}

func NewAnthropic(opts ...Option) *Anthropic {
	return &Anthropic{http: newHTTPSettings("https://api.anthropic.com", opts)}
}

func (a *Anthropic) Descriptor() Descriptor {
	return Descriptor{ID: "anthropic", ServiceName: "Anthropic", SecretPrefix: "ai-anthropic"}
}

func (a *Anthropic) CheckFormat(credential string) error {
	return checkGenericFormat("anthropic", credential, "sk-ant-", 20)
}

func (a *Anthropic) ValidateKey(ctx context.Context, credential string) bool {
	return a.http.probe(ctx, "/v1/models", map[string]string{
		"x-api-key":         credential,
		"anthropic-version": "2023-06-01",
	})
}

func (a *Anthropic) CostForUsage(tokens int64, operation string) decimal.Decimal {
	if tokens <= 0 {
		return decimal.Zero
	}
	rate := decimal.RequireFromString("0.000003")
	if strings.Contains(strings.ToLower(operation), "opus") {
		rate = decimal.RequireFromString("0.000015")
	}
	return decimal.NewFromInt(tokens).Mul(rate)
}

type Deepgram struct {
	http httpSettings
}

func NewDeepgram(opts ...Option) *Deepgram {
	return &Deepgram{http: newHTTPSettings("https://api.deepgram.com", opts)}
}

func (d *Deepgram) Descriptor() Descriptor {
	return Descriptor{ID: "deepgram", ServiceName: "Deepgram", SecretPrefix: "ai-deepgram"}
}

func (d *Deepgram) CheckFormat(credential string) error {
	return checkGenericFormat("deepgram", credential, "", 32)
}

func (d *Deepgram) ValidateKey(ctx context.Context, credential string) bool {
	return d.http.probe(ctx, "/v1/projects", map[string]string{"Authorization": "Token " + credential})
}

// CostForUsage treats tokens as seconds of audio billed per minute.
func (d *Deepgram) CostForUsage(tokens int64, _ string) decimal.Decimal {
	if tokens <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(tokens).Div(decimal.NewFromInt(60)).Mul(decimal.RequireFromString("0.0043"))
}
