package secure

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSecureBuffer_LeavesSourceIntact(t *testing.T) {
	t.Parallel()

	src := []byte("sk-live-credential")
	buf, err := NewSecureBuffer(src)
	require.NoError(t, err)
	defer buf.Destroy()

	assert.Equal(t, "sk-live-credential", string(src))
	assert.Equal(t, len(src), buf.Size())
}

func TestSeal_Reveal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value string
	}{
		{name: "api key", value: "sk-ant-api03-abcdef"},
		{name: "empty", value: ""},
		{name: "json document", value: `{"adminApiKey":"adm"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sealed, err := Seal(tt.value)
			require.NoError(t, err)
			defer sealed.Destroy()

			got, err := sealed.Reveal()
			require.NoError(t, err)
			assert.Equal(t, tt.value, got)

			again, err := sealed.Reveal()
			require.NoError(t, err)
			assert.Equal(t, tt.value, again)
		})
	}
}

func TestSecureBuffer_DestroyIsIdempotent(t *testing.T) {
	t.Parallel()

	sealed, err := Seal("secret-value")
	require.NoError(t, err)

	sealed.Destroy()
	sealed.Destroy()

	_, err = sealed.Reveal()
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.Equal(t, 0, sealed.Size())
}

func TestSecureBuffer_ConcurrentReveal(t *testing.T) {
	t.Parallel()

	sealed, err := Seal("concurrent-secret")
	require.NoError(t, err)
	defer sealed.Destroy()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := sealed.Reveal()
			assert.NoError(t, err)
			assert.Equal(t, "concurrent-secret", got)
		}()
	}
	wg.Wait()
}
