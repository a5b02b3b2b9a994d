package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/alexhholmes/vordb"
)

// Zap wraps a zap.Logger to implement vordb.Logger.
type Zap struct {
	logger *zap.Logger
}

// NewZap creates a vordb.Logger from a zap.Logger.
func NewZap(logger *zap.Logger) vordb.Logger {
	return &Zap{logger: logger}
}

func (z *Zap) Error(msg string, args ...any) { z.log(zapcore.ErrorLevel, msg, args) }
func (z *Zap) Warn(msg string, args ...any)  { z.log(zapcore.WarnLevel, msg, args) }
func (z *Zap) Info(msg string, args ...any)  { z.log(zapcore.InfoLevel, msg, args) }
func (z *Zap) Debug(msg string, args ...any) { z.log(zapcore.DebugLevel, msg, args) }

func (z *Zap) log(level zapcore.Level, msg string, args []any) {
	if !z.logger.Core().Enabled(level) {
		return
	}
	fields := make([]zap.Field, 0, len(args)/2)
	pairs(args, func(key string, value any) {
		fields = append(fields, zap.Any(key, value))
	})
	z.logger.Log(level, msg, fields...)
}
