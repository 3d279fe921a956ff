package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	desc Descriptor
}

func (s stubAdapter) Descriptor() Descriptor                     { return s.desc }
func (s stubAdapter) CheckFormat(string) error                   { return nil }
func (s stubAdapter) ValidateKey(context.Context, string) bool   { return true }
func (s stubAdapter) CostForUsage(int64, string) decimal.Decimal { return decimal.Zero }

type stubProvisioner struct {
	stubAdapter
}

func (s stubProvisioner) ProvisionKey(context.Context, AdminCredentials, ProvisionMetadata) (string, error) {
	return "minted", nil
}

type stubRotator struct {
	stubAdapter
}

func (s stubRotator) RotateKey(context.Context, string, AdminCredentials) (string, error) {
	return "rotated", nil
}

func TestNewRegistry_FailsFast(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		adapters []ServiceAdapter
		wantErr  string
	}{
		{
			name:     "empty id",
			adapters: []ServiceAdapter{stubAdapter{desc: Descriptor{SecretPrefix: "x"}}},
			wantErr:  "empty id",
		},
		{
			name:     "empty prefix",
			adapters: []ServiceAdapter{stubAdapter{desc: Descriptor{ID: "x"}}},
			wantErr:  "empty secret prefix",
		},
		{
			name: "claims provisioning without implementing it",
			adapters: []ServiceAdapter{stubAdapter{desc: Descriptor{
				ID: "x", SecretPrefix: "ai-x", SupportsProvisioning: true,
			}}},
			wantErr: "does not implement ProvisionKey",
		},
		{
			name: "implements provisioning without claiming it",
			adapters: []ServiceAdapter{stubProvisioner{stubAdapter{desc: Descriptor{
				ID: "x", SecretPrefix: "ai-x",
			}}}},
			wantErr: "does not declare provisioning support",
		},
		{
			name: "duplicate id",
			adapters: []ServiceAdapter{
				stubAdapter{desc: Descriptor{ID: "x", SecretPrefix: "ai-x"}},
				stubAdapter{desc: Descriptor{ID: "x", SecretPrefix: "ai-y"}},
			},
			wantErr: "registered twice",
		},
		{
			name:     "nil adapter",
			adapters: []ServiceAdapter{nil},
			wantErr:  "nil adapter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewRegistry(tt.adapters...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegistry_LookupUnknown(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(Builtin()...)
	require.NoError(t, err)

	_, err = r.Lookup("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownService))
	assert.Contains(t, err.Error(), "openai")

	_, err = r.Descriptor("nope")
	assert.ErrorIs(t, err, ErrUnknownService)

	_, err = r.Capabilities("nope")
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestRegistry_Capabilities(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(
		stubProvisioner{stubAdapter{desc: Descriptor{ID: "prov", SecretPrefix: "ai-prov", SupportsProvisioning: true}}},
		stubRotator{stubAdapter{desc: Descriptor{ID: "rot", SecretPrefix: "ai-rot"}}},
		stubAdapter{desc: Descriptor{ID: "plain", SecretPrefix: "ai-plain"}},
	)
	require.NoError(t, err)

	caps, err := r.Capabilities("prov")
	require.NoError(t, err)
	assert.Equal(t, Capabilities{Provision: true}, caps)

	p, ok := r.Provisioner("prov")
	require.True(t, ok)
	key, err := p.ProvisionKey(context.Background(), nil, ProvisionMetadata{})
	require.NoError(t, err)
	assert.Equal(t, "minted", key)

	_, ok = r.Rotator("prov")
	assert.False(t, ok)

	rot, ok := r.Rotator("rot")
	require.True(t, ok)
	key, err = rot.RotateKey(context.Background(), "old", nil)
	require.NoError(t, err)
	assert.Equal(t, "rotated", key)

	_, ok = r.Provisioner("plain")
	assert.False(t, ok)
	_, ok = r.Provisioner("missing")
	assert.False(t, ok)
}

func TestRegistry_ListIsSortedAndCopied(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(Builtin()...)
	require.NoError(t, err)

	assert.Equal(t, []string{"anthropic", "deepgram", "elevenlabs", "hume", "openai"}, r.IDs())

	list := r.List()
	require.Len(t, list, 5)
	assert.Equal(t, "anthropic", list[0].ID)

	hume, err := r.Descriptor("hume")
	require.NoError(t, err)
	hume.DefaultScopes[0] = "mutated"

	again, err := r.Descriptor("hume")
	require.NoError(t, err)
	assert.Equal(t, []string{"evi.tts", "evi.prompts", "evi.voices"}, again.DefaultScopes)
}

func TestValidateAdminCredentials(t *testing.T) {
	t.Parallel()

	hume := NewHume()
	openai := NewOpenAI()

	tests := []struct {
		name    string
		adapter ServiceAdapter
		admin   string
		wantErr bool
	}{
		{name: "hume valid", adapter: hume, admin: `{"adminApiKey": "adm-123"}`},
		{name: "hume missing key", adapter: hume, admin: `{"other": "x"}`, wantErr: true},
		{name: "hume empty key", adapter: hume, admin: `{"adminApiKey": ""}`, wantErr: true},
		{name: "not json", adapter: hume, admin: `adminApiKey`, wantErr: true},
		{name: "no schema requires object", adapter: openai, admin: `{"anything": 1}`},
		{name: "no schema rejects array", adapter: openai, admin: `[1,2]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateAdminCredentials(tt.adapter, AdminCredentials(tt.admin))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCredentialFormat)
				return
			}
			assert.NoError(t, err)
		})
	}
}
