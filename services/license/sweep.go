package license

import (
	"context"

	"go.uber.org/zap"
)

// SweepExpiredFileVersions deletes file versions whose retention window has passed.
func (s *Service) SweepExpiredFileVersions(ctx context.Context) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "license.SweepExpiredFileVersions")
	defer span.End()

	now := s.now()
	deleted, err := s.store.DeleteLicenseFileVersions(ctx, now)
	if err != nil {
		span.RecordError(err)
		zap.L().Error("license file version sweep failed", zap.Time("cutoff", now), zap.Error(err))
		return 0, persistenceError("failed to sweep license file versions", err)
	}

	sweptFileVersionsTotal.Add(float64(deleted))
	zap.L().Info("license file versions swept", zap.Int64("deleted", deleted), zap.Time("cutoff", now))
	return deleted, nil
}
