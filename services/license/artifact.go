package license

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"
)

// ArtifactStore publishes signed license documents for customer download.
type ArtifactStore interface {
	PutLicenseFile(ctx context.Context, v *LicenseFileVersion) error
}

type minioArtifactStore struct {
	client *minio.Client
	bucket string
}

func NewMinioArtifactStore(client *minio.Client, bucket string) ArtifactStore {
	return &minioArtifactStore{client: client, bucket: bucket}
}

func ArtifactObjectName(v *LicenseFileVersion) string {
	return fmt.Sprintf("licenses/%s/v%d.json", v.LicenseID, v.Version)
}

func (m *minioArtifactStore) PutLicenseFile(ctx context.Context, v *LicenseFileVersion) error {
	_, err := m.client.PutObject(ctx, m.bucket, ArtifactObjectName(v), bytes.NewReader(v.Document), int64(len(v.Document)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"license-id": v.LicenseID,
			"event-id":   v.EventID,
		},
	})
	return err
}

// Publish uploads a committed file version. Failures are logged only; the
// database row stays the source of truth.
func (s *Service) Publish(ctx context.Context, v *LicenseFileVersion) {
	if s.artifacts == nil || v == nil {
		return
	}
	if err := s.artifacts.PutLicenseFile(ctx, v); err != nil {
		zap.L().Warn("failed to publish license file",
			zap.String("license_id", v.LicenseID),
			zap.Int("version", v.Version),
			zap.Error(err),
		)
	}
}
