package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// Logger is the minimal leveled logging interface accepted by all components, it is
// satisfied by *zap.SugaredLogger
type Logger interface {
	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
}

var (
	_ Logger = (*zap.SugaredLogger)(nil)
	_ Logger = (*NullLogger)(nil)
)

// NullLogger discards everything, it is used by components constructed without a logger
type NullLogger struct{}

func (l *NullLogger) Error(args ...interface{}) {}

func (l *NullLogger) Errorf(format string, args ...interface{}) {}

func (l *NullLogger) Warn(args ...interface{}) {}

func (l *NullLogger) Warnf(format string, args ...interface{}) {}

func (l *NullLogger) Info(args ...interface{}) {}

func (l *NullLogger) Infof(format string, args ...interface{}) {}

func (l *NullLogger) Debug(args ...interface{}) {}

func (l *NullLogger) Debugf(format string, args ...interface{}) {}

// New builds the console logger used by the commands. Caller information is only
// included at debug level
func New(debug bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	cfg.DisableCaller = !debug
	if !debug {
		cfg.Level.SetLevel(zap.InfoLevel)
	}

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return l.Sugar(), nil
}

// Named scopes a zap logger to a component, any other logger is returned as is
func Named(l Logger, name string) Logger {
	if z, ok := l.(*zap.SugaredLogger); ok {
		return z.Named(name)
	}
	return l
}
