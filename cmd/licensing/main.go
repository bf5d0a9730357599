package main

import (
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"smallbiznis-licensing/pkg/config"
	"smallbiznis-licensing/pkg/db"
	"smallbiznis-licensing/pkg/gen"
	"smallbiznis-licensing/pkg/hashistack/secretmanager"
	"smallbiznis-licensing/pkg/hashistack/servicediscover"
	"smallbiznis-licensing/pkg/httpapi"
	"smallbiznis-licensing/pkg/logger"
	"smallbiznis-licensing/pkg/minio"
	"smallbiznis-licensing/pkg/otelcol"
	"smallbiznis-licensing/pkg/profiling"
	"smallbiznis-licensing/pkg/redis"
	"smallbiznis-licensing/pkg/server"
	"smallbiznis-licensing/services/license"
)

func main() {
	opts := []fx.Option{
		secrets(),
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		gen.Module,
		minio.Client,
		license.ServerModule,
		server.ProvideGRPCServer,
		server.ProvideHTTPServer,
		httpapi.Module,
		servicediscover.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger}
})

// secrets enables vault backed configuration when VAULT_ADDR is present.
func secrets() fx.Option {
	if _, ok := os.LookupEnv("VAULT_ADDR"); !ok {
		return fx.Options()
	}
	return secretmanager.Module
}
