package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smallbiznis-licensing/pkg/config"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// ZapGormLogger routes gorm logs to zap. Statements are tagged with the active
// trace id so a slow renewal can be found from its billing event span.
type ZapGormLogger struct {
	zap           *zap.Logger
	level         logger.LogLevel
	slowThreshold time.Duration
	showSQL       bool
}

// NewZapGormLogger derives the level from APP_ENV: production logs warnings and
// slow queries only, other environments also log every statement.
func NewZapGormLogger(z *zap.Logger, cfg *config.Config) *ZapGormLogger {
	l := &ZapGormLogger{
		zap:           z.Named("gorm"),
		level:         logger.Info,
		slowThreshold: cfg.Database.SlowThreshold,
		showSQL:       true,
	}
	if cfg.AppEnv == "production" {
		l.level = logger.Warn
		l.showSQL = false
	}
	return l
}

func (l *ZapGormLogger) LogMode(level logger.LogLevel) logger.Interface {
	c := *l
	c.level = level
	return &c
}

func (l *ZapGormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Info {
		l.with(ctx).Info(fmt.Sprintf(msg, data...))
	}
}

func (l *ZapGormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Warn {
		l.with(ctx).Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *ZapGormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Error {
		l.with(ctx).Error(fmt.Sprintf(msg, data...))
	}
}

// Trace logs failed and slow statements. Not found is an expected outcome for
// store lookups and is never logged as an error; duplicate keys are the
// idempotency guard firing and are logged at debug.
func (l *ZapGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("file", utils.FileWithLineNum()),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", elapsed),
	}
	log := l.with(ctx)

	switch {
	case err != nil && errors.Is(err, logger.ErrRecordNotFound):
		return
	case err != nil && isDuplicate(err):
		log.Debug("duplicate key", append(fields, zap.Error(err))...)
	case err != nil && l.level >= logger.Error:
		log.Error("query failed", append(fields, zap.Error(err))...)
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= logger.Warn:
		log.Warn("slow query", append(fields, zap.Duration("threshold", l.slowThreshold))...)
	case l.showSQL && l.level >= logger.Info:
		log.Debug("query", fields...)
	}
}

func (l *ZapGormLogger) with(ctx context.Context) *zap.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l.zap
	}
	return l.zap.With(zap.String("trace_id", sc.TraceID().String()))
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
