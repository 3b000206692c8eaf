package logging

import (
	"go.uber.org/zap"
)

// zapLogger adapts a *zap.SugaredLogger to the Logger interface, the way
// the demo command wires its console output through the collector.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (z *zapLogger) Debugf(msg string, args ...interface{}) { z.s.Debugf(msg, args...) }
func (z *zapLogger) Debugw(msg string, keyValuePairs ...interface{}) {
	z.s.Debugw(msg, keyValuePairs...)
}
func (z *zapLogger) Infof(msg string, args ...interface{})  { z.s.Infof(msg, args...) }
func (z *zapLogger) Warnf(msg string, args ...interface{})  { z.s.Warnf(msg, args...) }
func (z *zapLogger) Errorf(msg string, args ...interface{}) { z.s.Errorf(msg, args...) }

var _ Logger = (*zapLogger)(nil)

// NewZapFactory returns a LoggerForModuleFunc backed by a single shared zap
// logger, tagging each module's messages with a "module" field.
func NewZapFactory(base *zap.SugaredLogger) LoggerForModuleFunc {
	return func(module string) Logger {
		return &zapLogger{base.With("module", module)}
	}
}
