package secretstores

import (
	"context"
	"sync"

	"github.com/juju/clock"

	"github.com/systmms/tenantkeys/pkg/secretstore"
)

// MemoryBackend keeps versions in process memory. It backs local runs and
// tests; nothing survives a restart.
type MemoryBackend struct {
	name  string
	clock clock.Clock

	mu      sync.RWMutex
	secrets map[string]*memorySecret
}

type memorySecret struct {
	labels   map[string]string
	versions []secretstore.Version
}

// NewMemoryBackend creates an empty backend. A nil clock means wall time.
func NewMemoryBackend(name string, clk clock.Clock) *MemoryBackend {
	if name == "" {
		name = "memory"
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryBackend{name: name, clock: clk, secrets: make(map[string]*memorySecret)}
}

func (m *MemoryBackend) Name() string {
	return m.name
}

func (m *MemoryBackend) CreateContainer(ctx context.Context, name string, labels map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.secrets[name]; ok {
		return secretstore.AlreadyExistsError{Backend: m.name, Name: name}
	}
	m.secrets[name] = &memorySecret{labels: copyLabels(labels)}
	return nil
}

func (m *MemoryBackend) AddVersion(ctx context.Context, name string, value []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.secrets[name]
	if !ok {
		return 0, secretstore.NotFoundError{Backend: m.name, Name: name}
	}

	n := int64(len(s.versions)) + 1
	s.versions = append(s.versions, secretstore.Version{
		Number:    n,
		Value:     append([]byte(nil), value...),
		CreatedAt: m.clock.Now().UTC(),
	})
	return n, nil
}

func (m *MemoryBackend) GetLatestVersion(ctx context.Context, name string) (secretstore.Version, error) {
	if err := ctx.Err(); err != nil {
		return secretstore.Version{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.secrets[name]
	if !ok || len(s.versions) == 0 {
		return secretstore.Version{}, secretstore.NotFoundError{Backend: m.name, Name: name}
	}
	return s.version(len(s.versions)), nil
}

func (m *MemoryBackend) GetVersion(ctx context.Context, name string, n int64) (secretstore.Version, error) {
	if err := ctx.Err(); err != nil {
		return secretstore.Version{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.secrets[name]
	if !ok || n < 1 || n > int64(len(s.versions)) {
		return secretstore.Version{}, secretstore.NotFoundError{Backend: m.name, Name: name, Version: n}
	}
	return s.version(int(n)), nil
}

// Names lists every container, for debugging and tests.
func (m *MemoryBackend) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.secrets))
	for n := range m.secrets {
		names = append(names, n)
	}
	return names
}

func (s *memorySecret) version(n int) secretstore.Version {
	v := s.versions[n-1]
	v.Value = append([]byte(nil), v.Value...)
	v.Labels = copyLabels(s.labels)
	return v
}

func copyLabels(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
