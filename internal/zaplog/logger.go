// Package zaplog builds the process-wide zap.Logger from the CLI's
// verbose/debug/quiet tri-state.
package zaplog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls the verbosity tri-state used across the CLI.
type Options struct {
	Verbose bool
	Debug   bool
	Quiet   bool
	JSON    bool
}

// New builds a logger for the given options. Quiet wins over Debug wins
// over Verbose.
func New(opts Options) *zap.Logger {
	level := zapcore.WarnLevel
	switch {
	case opts.Quiet:
		level = zapcore.ErrorLevel
	case opts.Debug:
		level = zapcore.DebugLevel
	case opts.Verbose:
		level = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if opts.JSON {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), level)
	return zap.New(core)
}

// Nop returns a logger that discards everything, used as a safe default
// for library entry points that accept an optional *zap.Logger.
func Nop() *zap.Logger {
	return zap.NewNop()
}
