// Package observability provides the logging and metrics seams every other
// package in methodcache-go depends on. Components never import a concrete
// logging or metrics library directly; they take a Logger/MetricsSink at
// construction time, defaulting to a no-op when the host doesn't supply one.
package observability

import (
	"go.uber.org/zap"
)

// Logger is the structured logging contract used across the engine. Fields
// are a flat map so call sites stay terse ("key", value, "key2", value2
// style args are avoided in favor of one map literal per call).
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})

	// With returns a child logger that always includes fields in addition
	// to whatever is passed at the call site.
	With(fields map[string]interface{}) Logger
}

// zapLogger adapts zap.SugaredLogger to the Logger interface.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps an existing *zap.Logger. Pass zap.NewProduction() (or
// zap.NewDevelopment() for local debugging) from the host application.
func NewZapLogger(base *zap.Logger) Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return &zapLogger{sugar: base.Sugar()}
}

func (l *zapLogger) Debug(msg string, fields map[string]interface{}) {
	l.sugar.Debugw(msg, flatten(fields)...)
}

func (l *zapLogger) Info(msg string, fields map[string]interface{}) {
	l.sugar.Infow(msg, flatten(fields)...)
}

func (l *zapLogger) Warn(msg string, fields map[string]interface{}) {
	l.sugar.Warnw(msg, flatten(fields)...)
}

func (l *zapLogger) Error(msg string, fields map[string]interface{}) {
	l.sugar.Errorw(msg, flatten(fields)...)
}

func (l *zapLogger) With(fields map[string]interface{}) Logger {
	return &zapLogger{sugar: l.sugar.With(flatten(fields)...)}
}

func flatten(fields map[string]interface{}) []interface{} {
	if len(fields) == 0 {
		return nil
	}
	out := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

// noopLogger discards everything. Used as the default whenever a caller
// constructs a component without an explicit Logger.
type noopLogger struct{}

// NewNoopLogger returns a Logger that does nothing.
func NewNoopLogger() Logger { return noopLogger{} }

func (noopLogger) Debug(string, map[string]interface{}) {}
func (noopLogger) Info(string, map[string]interface{})  {}
func (noopLogger) Warn(string, map[string]interface{})  {}
func (noopLogger) Error(string, map[string]interface{}) {}
func (l noopLogger) With(map[string]interface{}) Logger { return l }
