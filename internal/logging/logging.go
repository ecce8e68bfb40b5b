package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps the LOG_LEVEL vocabulary onto zap levels.
// Unknown values fall back to def.
func ParseLevel(l string, def zapcore.Level) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(l)) {
	case "dev", "development", "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error", "production", "prod":
		return zapcore.ErrorLevel
	}
	return def
}

// New builds a console logger writing to stderr, or to LOG_FILE when set.
// Set json to get machine readable output (used by the server).
func New(level zapcore.Level, json bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if !json {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	if path := os.Getenv("LOG_FILE"); path != "" {
		cfg.OutputPaths = []string{path}
		cfg.ErrorOutputPaths = []string{path}
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		cfg.OutputPaths = []string{"stderr"}
		cfg.ErrorOutputPaths = []string{"stderr"}
	}

	return cfg.Build()
}

// Init installs the process wide logger. The CLI defaults to errors only so
// that log lines do not tear through the terminal UI.
func Init() *zap.Logger {
	level := ParseLevel(os.Getenv("LOG_LEVEL"), zapcore.ErrorLevel)

	logger, err := New(level, false)
	if err != nil {
		logger = zap.NewNop()
	}
	zap.ReplaceGlobals(logger)
	return logger
}
