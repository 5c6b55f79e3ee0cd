// Package observability builds the zap loggers used by the CLI and server.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process-wide logger for command output. It is a no-op
// until InitCLILogger runs.
var CLILogger = zap.NewNop()

var cliLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

// InitCLILogger configures CLILogger for interactive use: console encoding on
// stderr, info level, or debug when verbose is set.
func InitCLILogger(service string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	cliLevel = zap.NewAtomicLevelAt(level)
	CLILogger = newLogger(service, cliLevel, consoleEncoder())
}

// SetCLILevel changes the level of CLILogger in place, so loggers already
// derived from it follow.
func SetCLILevel(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	cliLevel.SetLevel(lvl)
	return nil
}

// NewServiceLogger returns a JSON logger for long-running processes.
func NewServiceLogger(service, level string) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return newLogger(service, lvl, jsonEncoder()), nil
}

// ParseLevel maps a config level name to a zap level. Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "trace", "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

func newLogger(service string, level zapcore.LevelEnabler, enc zapcore.Encoder) *zap.Logger {
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	logger := zap.New(core, zap.AddCaller())
	if service != "" {
		logger = logger.With(zap.String("service", service))
	}
	return logger
}

func consoleEncoder() zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

func jsonEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(cfg)
}
