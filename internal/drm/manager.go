package drm

import (
	"context"
	"errors"
	"fmt"

	"github.com/italolelis/offline_vault/internal/content"
	"github.com/italolelis/offline_vault/internal/logctx"
	"github.com/italolelis/offline_vault/internal/store"
	"github.com/italolelis/offline_vault/internal/telemetry"
)

// Manager acquires and releases DRM licenses. Persistent sessions are written
// through to the license repository before Acquire returns, so a returned
// persistent license is guaranteed durable.
type Manager struct {
	oracle    Oracle
	client    Client
	licenses  store.LicenseRepository
	telemetry *telemetry.Telemetry
}

func NewManager(oracle Oracle, client Client, licenses store.LicenseRepository, tel *telemetry.Telemetry) *Manager {
	return &Manager{
		oracle:    oracle,
		client:    client,
		licenses:  licenses,
		telemetry: tel,
	}
}

// Acquire requests a license session. It fails with ErrLicenseUnsupported
// before any network traffic when the key system is absent, or when a
// persistent license is requested on a platform without persistent state.
func (m *Manager) Acquire(ctx context.Context, keySystem string, initData []byte, persistent bool) (*content.License, error) {
	logger := logctx.LoggerFromContext(ctx).With("key_system", keySystem, "persistent", persistent)

	var lic *content.License

	err := m.telemetry.InstrumentLicenseOperation(ctx, "acquire", func(ctx context.Context) error {
		caps, err := m.oracle.ProbeSupport(ctx)
		if err != nil {
			return fmt.Errorf("capability probe failed: %w", err)
		}

		capability, ok := caps[keySystem]
		if !ok {
			return fmt.Errorf("key system %s: %w", keySystem, content.ErrLicenseUnsupported)
		}

		if persistent && !capability.PersistentState {
			return fmt.Errorf("key system %s has no persistent state: %w", keySystem, content.ErrLicenseUnsupported)
		}

		lic, err = m.client.Request(ctx, keySystem, initData, persistent)
		if err != nil {
			return &content.LicenseAcquisitionError{KeySystem: keySystem, Operation: "acquire", Err: err}
		}

		// Persistent sessions must be durably stored before we hand them out.
		if persistent {
			if err := m.licenses.PutLicense(ctx, lic); err != nil {
				if releaseErr := m.client.Release(ctx, lic.SessionKey); releaseErr != nil {
					logger.ErrorContext(ctx, "failed to release license after store failure", "err", releaseErr)
				}

				return fmt.Errorf("failed to persist license session: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "license acquired")

	return lic, nil
}

// Release tears down a license session and, for persistent sessions, removes
// the stored record of it. Releasing an already-gone license succeeds so that
// retried removals converge.
func (m *Manager) Release(ctx context.Context, lic *content.License) error {
	logger := logctx.LoggerFromContext(ctx).With("key_system", lic.KeySystem)

	return m.telemetry.InstrumentLicenseOperation(ctx, "release", func(ctx context.Context) error {
		if err := m.client.Release(ctx, lic.SessionKey); err != nil {
			return &content.LicenseAcquisitionError{KeySystem: lic.KeySystem, Operation: "release", Err: err}
		}

		if lic.Persistent {
			if err := m.licenses.DeleteLicense(ctx, lic.SessionKey); err != nil {
				return fmt.Errorf("failed to delete stored license: %w", err)
			}
		}

		logger.InfoContext(ctx, "license released")

		return nil
	})
}

// ReleaseByKey releases a license identified only by its stored session key.
// A key that is no longer stored counts as already released.
func (m *Manager) ReleaseByKey(ctx context.Context, sessionKey string) error {
	lic, err := m.licenses.GetLicense(ctx, sessionKey)
	if errors.Is(err, content.ErrNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	return m.Release(ctx, lic)
}
