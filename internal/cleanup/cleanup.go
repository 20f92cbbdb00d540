package cleanup

import (
	"context"
	"time"

	"github.com/italolelis/offline_vault/internal/logctx"
	"github.com/italolelis/offline_vault/internal/store"
)

// LicenseReleaser is the slice of the DRM manager the sweep needs.
type LicenseReleaser interface {
	ReleaseByKey(ctx context.Context, sessionKey string) error
}

// ReleaseExpiredLicenses releases every stored license whose expiry has
// passed and detaches it from the records referencing it. Failures on one
// license do not stop the sweep; a failed release is retried on the next run.
func ReleaseExpiredLicenses(ctx context.Context, licenses store.LicenseRepository, releaser LicenseReleaser) error {
	logger := logctx.LoggerFromContext(ctx)

	expired, err := licenses.ListExpiredLicenses(ctx, time.Now())
	if err != nil {
		return err
	}

	for _, lic := range expired {
		if err := releaser.ReleaseByKey(ctx, lic.SessionKey); err != nil {
			logger.ErrorContext(ctx, "failed to release expired license", "key_system", lic.KeySystem, "err", err)

			continue
		}

		if err := licenses.DetachLicense(ctx, lic.SessionKey); err != nil {
			logger.ErrorContext(ctx, "failed to detach expired license from records", "err", err)

			continue
		}

		logger.InfoContext(ctx, "released expired license", "key_system", lic.KeySystem)
	}

	return nil
}
