// Package logging provides the structured logger used across the collector.
//
// It follows the same shape as kopia's repo/logging: a logger is attached to
// a context.Context, retrieved per-module, and defaults to a no-op logger
// when the caller never wires one in.
package logging

import "context"

// Logger is the logging interface every collector package logs through.
type Logger interface {
	Debugf(msg string, args ...interface{})
	Debugw(msg string, keyValuePairs ...interface{})
	Infof(msg string, args ...interface{})
	Warnf(msg string, args ...interface{})
	Errorf(msg string, args ...interface{})
}

// LoggerForModuleFunc returns a Logger for the named module.
type LoggerForModuleFunc func(module string) Logger

type contextKey string

const loggerKey contextKey = "gcrun-logger"

// WithLogger returns a derived context carrying the given logger factory.
func WithLogger(ctx context.Context, l LoggerForModuleFunc) context.Context {
	if l == nil {
		l = getNullLogger
	}

	return context.WithValue(ctx, loggerKey, l)
}

// GetContextLoggerFunc returns a function that, given a context, returns the
// Logger for "module" attached to that context (or a null logger).
func GetContextLoggerFunc(module string) func(ctx context.Context) Logger {
	return func(ctx context.Context) Logger {
		l, ok := ctx.Value(loggerKey).(LoggerForModuleFunc)
		if !ok || l == nil {
			return getNullLogger(module)
		}

		return l(module)
	}
}
