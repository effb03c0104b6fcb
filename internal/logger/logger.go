// Package logger provides structured logging for the catalog daemon
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with catalog-specific child loggers
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // console output for development
	Output     io.Writer
	WithCaller bool
}

// ParseLevel maps a level name to a zerolog level, defaulting to info
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

// NewLogger creates a new structured logger. The level is applied to the
// logger itself so several loggers can coexist in one process.
func NewLogger(cfg Config) *Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", "catalogd").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}
	return &Logger{zlog: zlog}
}

// Zerolog returns the underlying logger for injection into library packages
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]any) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

func (l *Logger) component(name, key, value string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", name).
			Str(key, value).
			Logger(),
	}
}

// CatalogLogger returns a logger for one catalog
func (l *Logger) CatalogLogger(id string) *Logger {
	return l.component("catalog", "catalog", id)
}

// GrpcLogger returns a logger for gRPC calls
func (l *Logger) GrpcLogger(method string) *Logger {
	return l.component("grpc", "method", method)
}

// LogGrpcRequest logs a completed gRPC call on a GrpcLogger. Failed calls
// log at error.
func (l *Logger) LogGrpcRequest(duration time.Duration, err error) {
	event := l.zlog.Info()
	if err != nil {
		event = l.zlog.Error().Err(err)
	}
	event.
		Dur("duration_ms", duration).
		Msg("gRPC request completed")
}

// LogOperation logs a catalog service operation. Failures log at error,
// everything else at debug.
func (l *Logger) LogOperation(op, catalogID string, duration time.Duration, err error) {
	event := l.zlog.Debug()
	if err != nil {
		event = l.zlog.Error().Err(err)
	}
	if catalogID != "" {
		event = event.Str("catalog", catalogID)
	}
	event.
		Str("event", "operation").
		Str("operation", op).
		Dur("duration_ms", duration).
		Msg("operation completed")
}

// LogServerStart logs server startup
func (l *Logger) LogServerStart(grpcPort, metricsPort int, catalogs []string) {
	l.zlog.Info().
		Str("event", "server_start").
		Int("grpc_port", grpcPort).
		Int("metrics_port", metricsPort).
		Strs("catalogs", catalogs).
		Msg("catalog service starting")
}

// LogServerReady logs when the server accepts connections
func (l *Logger) LogServerReady(grpcPort int) {
	l.zlog.Info().
		Str("event", "server_ready").
		Int("grpc_port", grpcPort).
		Msg("catalog service ready to accept connections")
}

// LogServerShutdown logs server shutdown
func (l *Logger) LogServerShutdown() {
	l.zlog.Info().
		Str("event", "server_shutdown").
		Msg("catalog service shutting down")
}

// InitGlobalLogger builds a logger and installs it as zerolog's package
// logger so code using github.com/rs/zerolog/log shares its settings
func InitGlobalLogger(cfg Config) *Logger {
	l := NewLogger(cfg)
	log.Logger = l.zlog
	return l
}
