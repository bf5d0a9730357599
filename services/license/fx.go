package license

import (
	"context"

	"smallbiznis-licensing/pkg/config"

	vault "github.com/hashicorp/vault-client-go"
	"github.com/minio/minio-go/v7"
	"go.uber.org/fx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"
)

var Module = fx.Module("license.service",
	fx.Provide(
		NewGormStore,
		provideKeyCustodian,
		provideFeaturePolicy,
		provideArtifactStore,
		NewService,
	),
	fx.Invoke(migrate),
)

var ServerModule = fx.Module("license.server",
	Module,
	fx.Invoke(registerHealthServer),
)

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(&License{}, &LicenseFileVersion{})
}

func registerHealthServer(server *grpc.Server, service *Service) {
	grpc_health_v1.RegisterHealthServer(server, service)
}

type custodianParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	Vault     *vault.Client `optional:"true"`
}

func provideKeyCustodian(p custodianParams) (*KeyCustodian, error) {
	keys, err := LoadKeyCustodian(context.Background(), p.Config.Licensing, p.Vault)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go keys.Watch(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})

	return keys, nil
}

func provideFeaturePolicy(cfg *config.Config) (*FeaturePolicy, error) {
	return NewFeaturePolicy(cfg.Licensing.Features)
}

type artifactParams struct {
	fx.In

	Config *config.Config
	Minio  *minio.Client `optional:"true"`
}

func provideArtifactStore(p artifactParams) ArtifactStore {
	if p.Minio == nil {
		return nil
	}
	return NewMinioArtifactStore(p.Minio, p.Config.Minio.BucketName)
}
