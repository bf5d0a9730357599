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
	"smallbiznis-licensing/pkg/httpapi"
	"smallbiznis-licensing/pkg/logger"
	"smallbiznis-licensing/pkg/minio"
	"smallbiznis-licensing/pkg/otelcol"
	"smallbiznis-licensing/pkg/profiling"
	"smallbiznis-licensing/pkg/redis"
	"smallbiznis-licensing/pkg/server"
	"smallbiznis-licensing/pkg/task"
	"smallbiznis-licensing/services/billing"
	"smallbiznis-licensing/services/license"
	"smallbiznis-licensing/services/notification"
	jobs "smallbiznis-licensing/services/task"
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
		task.Client,
		task.Server,
		gen.Module,
		minio.Client,
		license.Module,
		notification.Module,
		notification.WorkerModule,
		billing.WorkerModule,
		jobs.Module,
		// /healthz and /metrics only
		server.ProvideHTTPServer,
		httpapi.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func secrets() fx.Option {
	if _, ok := os.LookupEnv("VAULT_ADDR"); !ok {
		return fx.Options()
	}
	return secretmanager.Module
}
