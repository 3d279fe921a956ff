package secretstores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/zalando/go-keyring"

	"github.com/systmms/tenantkeys/internal/config"
	dserrors "github.com/systmms/tenantkeys/internal/errors"
	"github.com/systmms/tenantkeys/internal/logging"
	"github.com/systmms/tenantkeys/pkg/secretstore"
)

const (
	keyringBackendName    = "keyring"
	defaultKeyringService = "tenantkeys"
)

// KeyringBackend keeps every secret as one OS keyring item holding a JSON
// document of all its versions. It suits a single operator workstation.
type KeyringBackend struct {
	service string
	clock   clock.Clock

	// Every write is read-modify-write on one item.
	mu sync.Mutex
}

type keyringDocument struct {
	Labels   map[string]string `json:"labels,omitempty"`
	Versions []keyringVersion  `json:"versions"`
}

type keyringVersion struct {
	Number    int64     `json:"n"`
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// NewKeyringBackend stores items under the given keyring service name.
func NewKeyringBackend(service string, clk clock.Clock) *KeyringBackend {
	if service == "" {
		service = defaultKeyringService
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &KeyringBackend{service: service, clock: clk}
}

func newKeyringFromConfig(cfg config.BackendConfig, _ *logging.Logger) (secretstore.Backend, error) {
	return NewKeyringBackend(cfg.String("service"), nil), nil
}

func (k *KeyringBackend) Name() string {
	return keyringBackendName
}

func (k *KeyringBackend) CreateContainer(_ context.Context, name string, labels map[string]string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	_, err := k.load(name)
	if err == nil {
		return secretstore.AlreadyExistsError{Backend: keyringBackendName, Name: name}
	}
	if !secretstore.IsNotFound(err) {
		return err
	}
	return k.save(name, keyringDocument{Labels: copyLabels(labels)})
}

func (k *KeyringBackend) AddVersion(_ context.Context, name string, value []byte) (int64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	doc, err := k.load(name)
	if err != nil {
		return 0, err
	}

	n := int64(len(doc.Versions)) + 1
	doc.Versions = append(doc.Versions, keyringVersion{Number: n, Value: value, CreatedAt: k.clock.Now().UTC()})
	if err := k.save(name, doc); err != nil {
		return 0, err
	}
	return n, nil
}

func (k *KeyringBackend) GetLatestVersion(_ context.Context, name string) (secretstore.Version, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	doc, err := k.load(name)
	if err != nil {
		return secretstore.Version{}, err
	}
	if len(doc.Versions) == 0 {
		return secretstore.Version{}, secretstore.NotFoundError{Backend: keyringBackendName, Name: name}
	}
	return doc.version(len(doc.Versions)), nil
}

func (k *KeyringBackend) GetVersion(_ context.Context, name string, n int64) (secretstore.Version, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	doc, err := k.load(name)
	if err != nil {
		return secretstore.Version{}, err
	}
	if n < 1 || n > int64(len(doc.Versions)) {
		return secretstore.Version{}, secretstore.NotFoundError{Backend: keyringBackendName, Name: name, Version: n}
	}
	return doc.version(int(n)), nil
}

func (k *KeyringBackend) load(name string) (keyringDocument, error) {
	raw, err := keyring.Get(k.service, name)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return keyringDocument{}, secretstore.NotFoundError{Backend: keyringBackendName, Name: name}
		}
		return keyringDocument{}, dserrors.BackendError(keyringBackendName, "read "+name, err)
	}

	var doc keyringDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return keyringDocument{}, fmt.Errorf("keyring item %s is not a tenantkeys document: %w", name, err)
	}
	return doc, nil
}

func (k *KeyringBackend) save(name string, doc keyringDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode keyring item %s: %w", name, err)
	}
	if err := keyring.Set(k.service, name, string(raw)); err != nil {
		return dserrors.BackendError(keyringBackendName, "write "+name, err)
	}
	return nil
}

func (d keyringDocument) version(n int) secretstore.Version {
	v := d.Versions[n-1]
	return secretstore.Version{
		Number:    v.Number,
		Value:     v.Value,
		CreatedAt: v.CreatedAt,
		Labels:    copyLabels(d.Labels),
	}
}
