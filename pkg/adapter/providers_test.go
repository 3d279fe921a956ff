package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCostForUsage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		adapter   ServiceAdapter
		tokens    int64
		operation string
		want      string
	}{
		{name: "hume rounds up to whole seconds", adapter: NewHume(), tokens: 150, want: "0.004"},
		{name: "hume exact", adapter: NewHume(), tokens: 1000, want: "0.02"},
		{name: "elevenlabs characters", adapter: NewElevenLabs(), tokens: 1000, want: "0.18"},
		{name: "openai gpt-4", adapter: NewOpenAI(), tokens: 1000, operation: "chat:gpt-4o", want: "0.03"},
		{name: "openai default", adapter: NewOpenAI(), tokens: 1000, operation: "chat:gpt-3.5-turbo", want: "0.002"},
		{name: "anthropic opus", adapter: NewAnthropic(), tokens: 1000, operation: "claude-opus", want: "0.015"},
		{name: "anthropic default", adapter: NewAnthropic(), tokens: 1000, operation: "messages", want: "0.003"},
		{name: "deepgram one minute", adapter: NewDeepgram(), tokens: 60, want: "0.0043"},
		{name: "zero tokens", adapter: NewOpenAI(), tokens: 0, want: "0"},
		{name: "negative tokens", adapter: NewHume(), tokens: -5, want: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.adapter.CostForUsage(tt.tokens, tt.operation)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "got %s want %s", got, tt.want)
		})
	}
}

func TestCheckFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		adapter    ServiceAdapter
		credential string
		wantErr    bool
	}{
		{name: "openai ok", adapter: NewOpenAI(), credential: "sk-abcdefghijklmnopqrstuvwx"},
		{name: "openai wrong prefix", adapter: NewOpenAI(), credential: "pk-abcdefghijklmnopqrstuvwx", wantErr: true},
		{name: "anthropic ok", adapter: NewAnthropic(), credential: "sk-ant-REDACTED"},
		{name: "anthropic openai key", adapter: NewAnthropic(), credential: "sk-abcdefghijklmnopqrstuvwx", wantErr: true},
		{name: "empty", adapter: NewElevenLabs(), credential: "", wantErr: true},
		{name: "whitespace", adapter: NewHume(), credential: "abcdefghij klmnopqrstuv", wantErr: true},
		{name: "too short", adapter: NewDeepgram(), credential: "short", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.adapter.CheckFormat(tt.credential)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCredentialFormat)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateKey_HeaderConventions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		build  func(opts ...Option) ServiceAdapter
		path   string
		header string
		value  string
	}{
		{name: "hume", build: func(o ...Option) ServiceAdapter { return NewHume(o...) }, path: "/v0/tts/voices", header: "X-Hume-Api-Key", value: "good"},
		{name: "elevenlabs", build: func(o ...Option) ServiceAdapter { return NewElevenLabs(o...) }, path: "/v1/voices", header: "xi-api-key", value: "good"},
		{name: "openai", build: func(o ...Option) ServiceAdapter { return NewOpenAI(o...) }, path: "/v1/models", header: "Authorization", value: "Bearer good"},
		{name: "anthropic", build: func(o ...Option) ServiceAdapter { return NewAnthropic(o...) }, path: "/v1/models", header: "x-api-key", value: "good"},
		{name: "deepgram", build: func(o ...Option) ServiceAdapter { return NewDeepgram(o...) }, path: "/v1/projects", header: "Authorization", value: "Token good"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != tt.path || r.Header.Get(tt.header) != tt.value {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			a := tt.build(WithBaseURL(server.URL), WithHTTPClient(server.Client()))
			assert.True(t, a.ValidateKey(context.Background(), "good"))
			assert.False(t, a.ValidateKey(context.Background(), "bad"))
		})
	}
}

func TestValidateKey_NetworkFailureIsFalse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	a := NewOpenAI(WithBaseURL(url))
	assert.False(t, a.ValidateKey(context.Background(), "sk-whatever"))
}

func TestHume_ProvisionKey(t *testing.T) {
	t.Parallel()

	var got humeProvisionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v0/management/api-keys", r.URL.Path)
		assert.Equal(t, "Bearer admin-secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"api_key": "hume-tenant-key"})
	}))
	defer server.Close()

	h := NewHume(WithBaseURL(server.URL))
	key, err := h.ProvisionKey(context.Background(), AdminCredentials(`{"adminApiKey":"admin-secret"}`), ProvisionMetadata{
		TenantID:    "acme",
		CompanyName: "Acme",
		RequestedBy: "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, "hume-tenant-key", key)
	assert.Equal(t, "Acme-tenantkeys", got.Name)
	assert.Equal(t, []string{"evi.tts", "evi.prompts", "evi.voices"}, got.Scopes)
	assert.Equal(t, "acme", got.Metadata["tenantId"])
}

func TestHume_ProvisionKeyErrors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	h := NewHume(WithBaseURL(server.URL))

	_, err := h.ProvisionKey(context.Background(), AdminCredentials(`{}`), ProvisionMetadata{TenantID: "acme"})
	assert.ErrorIs(t, err, ErrInvalidCredentialFormat)

	_, err = h.ProvisionKey(context.Background(), AdminCredentials(`{"adminApiKey":"a"}`), ProvisionMetadata{TenantID: "acme"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestBuiltinWithBaseURLs(t *testing.T) {
	t.Parallel()

	var hits []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	r, err := NewRegistry(BuiltinWithBaseURLs(map[string]string{"openai": server.URL + "/"})...)
	require.NoError(t, err)

	openai, err := r.Lookup("openai")
	require.NoError(t, err)
	assert.True(t, openai.ValidateKey(context.Background(), "sk-abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, []string{"/v1/models"}, hits)

	deepgram, err := r.Lookup("deepgram")
	require.NoError(t, err)
	assert.Equal(t, "https://api.deepgram.com", deepgram.(*Deepgram).http.baseURL)
}
