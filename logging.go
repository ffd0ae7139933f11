package ocspd

import (
	"fmt"
	"os"

	"github.com/DeRuina/timberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ocspd/internal/config"
)

// NewLogger builds the process-wide structured logger from cfg: console
// encoding to stderr when LogFile is empty, JSON encoding through a
// timberjack rotating writer otherwise. It is constructed once in
// cmd/ocspd/main.go and injected into every component that logs - no
// package in this module reaches for a bare global logger.
func NewLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	if cfg.LogFile == "" {
		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderCfg),
			zapcore.Lock(zapcore.AddSync(os.Stderr)),
			level,
		)
		return zap.New(core), nil
	}

	rotator := &timberjack.Logger{
		Filename: cfg.LogFile,
		MaxSize:  cfg.LogRotateMaxSizeMB,
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(rotator),
		level,
	)
	return zap.New(core), nil
}

func parseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("logging: unrecognized log level %q", level)
	}
}
