package userstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// zapGormLogger routes GORM diagnostics into the service logger.
// Failed statements log at debug since callers map them to domain errors;
// slow statements log at warn.
type zapGormLogger struct {
	logger *zap.Logger
	level  gormlogger.LogLevel
}

func newZapGormLogger(logger *zap.Logger) gormlogger.Interface {
	return &zapGormLogger{logger: logger.Named("gorm"), level: gormlogger.Warn}
}

func (bridge *zapGormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *bridge
	clone.level = level
	return &clone
}

func (bridge *zapGormLogger) Info(ctx context.Context, message string, arguments ...interface{}) {
	if bridge.level >= gormlogger.Info {
		bridge.logger.Info(fmt.Sprintf(message, arguments...), zap.String("code", "user_store.gorm.info"))
	}
}

func (bridge *zapGormLogger) Warn(ctx context.Context, message string, arguments ...interface{}) {
	if bridge.level >= gormlogger.Warn {
		bridge.logger.Warn(fmt.Sprintf(message, arguments...), zap.String("code", "user_store.gorm.warn"))
	}
}

func (bridge *zapGormLogger) Error(ctx context.Context, message string, arguments ...interface{}) {
	if bridge.level >= gormlogger.Error {
		bridge.logger.Error(fmt.Sprintf(message, arguments...), zap.String("code", "user_store.gorm.error"))
	}
}

func (bridge *zapGormLogger) Trace(ctx context.Context, begin time.Time, statement func() (string, int64), err error) {
	if bridge.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := statement()
		bridge.logger.Debug("statement failed",
			zap.String("code", "user_store.query.failed"),
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	case elapsed > slowQueryThreshold:
		sql, rows := statement()
		bridge.logger.Warn("slow statement",
			zap.String("code", "user_store.query.slow"),
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed))
	}
}
