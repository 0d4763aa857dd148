// Package telemetry collects qrelay's ambient observability stack:
// structured logging, optional distributed tracing, and Prometheus
// metrics (SPEC_FULL.md 3.1, 3.3, 3.4). Every endpoint, loss detection,
// and retransmission event threads a *zap.Logger the way the teacher's
// internal/gateway/middleware/logger.go and svc/servicecontext.go thread
// one through its HTTP/gRPC stack, rather than using log.Printf.
package telemetry

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig controls the logger's verbosity and format.
type LoggerConfig struct {
	Level       string // debug, info, warn, error
	Development bool
	JSON        bool
}

// DefaultLoggerConfig mirrors the teacher's production zap setup: JSON
// output at info level.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{Level: "info", Development: false, JSON: true}
}

// NewLogger builds a *zap.Logger per cfg. A nil cfg gets
// DefaultLoggerConfig.
func NewLogger(cfg *LoggerConfig) (*zap.Logger, error) {
	if cfg == nil {
		cfg = DefaultLoggerConfig()
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if !cfg.JSON {
		zcfg.Encoding = "console"
	}
	return zcfg.Build()
}
