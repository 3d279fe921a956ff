package keymgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/systmms/tenantkeys/internal/logging"
	"github.com/systmms/tenantkeys/pkg/secretstore"
	"github.com/systmms/tenantkeys/pkg/tenant"
)

// RotationResult reports a completed rotation. It never carries values.
type RotationResult struct {
	Service    string
	TenantID   string
	SecretName string
	OldVersion int64
	NewVersion int64
	RotatedAt  time.Time
}

// RotateCredential replaces a dedicated credential with a new one.
//
// The replacement is minted with the adapter's RotateKey when available,
// otherwise through provisioning, and must pass ValidateKey before it is
// stored. On validation failure nothing is written and the error wraps
// both ErrRotationAborted and ErrValidationFailed.
func (m *Manager) RotateCredential(ctx context.Context, service string, t tenant.Context, requestedBy string) (RotationResult, error) {
	start := m.clock.Now()

	res, err := m.Resolve(service, t)
	if err != nil {
		return RotationResult{}, opError("rotate", service, t.TenantID, err)
	}
	if !res.Strategy.Dedicated() {
		err := fmt.Errorf("%w: tenant %s uses the %s strategy", ErrProvisioningUnsupported, t.TenantID, res.Strategy)
		return RotationResult{}, opError("rotate", service, t.TenantID, err)
	}

	v, err, _ := m.rotations.Do(pairKey(service, t.TenantID), func() (interface{}, error) {
		return m.rotate(ctx, res, t, requestedBy)
	})
	if err != nil {
		outcome := OutcomeError
		if errors.Is(err, ErrRotationAborted) {
			outcome = OutcomeRotationAborted
		}
		m.record(ctx, res, t, requestedBy, outcome, 0)
		m.observe("rotate", service, outcome, start)
		return RotationResult{}, opError("rotate", service, t.TenantID, err)
	}

	m.observe("rotate", service, OutcomeRotated, start)
	return v.(RotationResult), nil
}

func (m *Manager) rotate(ctx context.Context, res Resolution, t tenant.Context, requestedBy string) (RotationResult, error) {
	logger := m.logger.With("service", res.Descriptor.ID).With("tenant", t.TenantID)

	// Read past the cache so the old version is the backend's latest.
	m.store.Invalidate(res.SecretName)
	current, err := m.store.Get(ctx, res.SecretName)
	if err != nil {
		if secretstore.IsNotFound(err) {
			return RotationResult{}, fmt.Errorf("%w: %s", ErrSecretNotFound, res.SecretName)
		}
		return RotationResult{}, err
	}

	logger.Debug("Rotation pending for %s version %d", logging.Secret(res.SecretName), current.Version)

	var next string
	if rot, ok := m.registry.Rotator(res.Descriptor.ID); ok {
		admin, err := m.adminCredentials(ctx, res)
		if err != nil {
			return RotationResult{}, err
		}
		next, err = rot.RotateKey(ctx, current.Value, admin)
		if err != nil {
			return RotationResult{}, fmt.Errorf("provider rotation failed: %w", err)
		}
	} else {
		next, err = m.mintProvisioned(ctx, res, t, requestedBy)
		if err != nil {
			return RotationResult{}, err
		}
	}

	if !res.Adapter.ValidateKey(ctx, next) {
		logger.Warn("Rotation aborted: new credential failed validation; version %d stays active", current.Version)
		return RotationResult{}, fmt.Errorf("%w: %w", ErrRotationAborted, ErrValidationFailed)
	}

	version, err := m.store.Put(ctx, res.SecretName, next, metadataFor(t, res.Strategy))
	if err != nil {
		return RotationResult{}, fmt.Errorf("failed to store rotated credential: %w", err)
	}

	now := m.clock.Now().UTC()
	m.upsertCatalog(ctx, CatalogEntry{
		TenantID:    t.TenantID,
		Service:     res.Descriptor.ID,
		SecretName:  res.SecretName,
		Strategy:    res.Strategy.String(),
		Status:      StatusRotated,
		Version:     version,
		UpdatedBy:   requestedBy,
		LastRotated: now,
	})
	m.record(ctx, res, t, requestedBy, OutcomeRotated, version)
	logger.Info("Rotated %s credential: version %d -> %d", res.Descriptor.ServiceName, current.Version, version)

	return RotationResult{
		Service:    res.Descriptor.ID,
		TenantID:   t.TenantID,
		SecretName: res.SecretName,
		OldVersion: current.Version,
		NewVersion: version,
		RotatedAt:  now,
	}, nil
}
