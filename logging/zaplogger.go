package logging

import "go.uber.org/zap"

// NewDevLogger returns a logger with human-readable, colorized dev output.
func NewDevLogger() Logger {
	l, _ := zap.NewDevelopment(zap.AddCallerSkip(2))
	return &sugaredLogger{sugar: l.Sugar()}
}

// NewProdLogger returns a logger that emits one JSON object per line,
// suitable for a server's stdout.
func NewProdLogger() Logger {
	l, _ := zap.NewProduction(zap.AddCallerSkip(2))
	return &sugaredLogger{sugar: l.Sugar()}
}

// sugaredLogger adapts zap's SugaredLogger to the Logger interface.
type sugaredLogger struct {
	sugar *zap.SugaredLogger
}

func (l *sugaredLogger) Debug(args ...interface{}) {
	l.sugar.Debug(args...)
}

func (l *sugaredLogger) Debugw(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l *sugaredLogger) Debugf(msg string, args ...interface{}) {
	l.sugar.Debugf(msg, args...)
}

func (l *sugaredLogger) Info(args ...interface{}) {
	l.sugar.Info(args...)
}

func (l *sugaredLogger) Infow(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

func (l *sugaredLogger) Infof(msg string, args ...interface{}) {
	l.sugar.Infof(msg, args...)
}

func (l *sugaredLogger) Warn(args ...interface{}) {
	l.sugar.Warn(args...)
}

func (l *sugaredLogger) Warnw(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}

func (l *sugaredLogger) Warnf(msg string, args ...interface{}) {
	l.sugar.Warnf(msg, args...)
}

func (l *sugaredLogger) Error(args ...interface{}) {
	l.sugar.Error(args...)
}

func (l *sugaredLogger) Errorw(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

func (l *sugaredLogger) Errorf(msg string, args ...interface{}) {
	l.sugar.Errorf(msg, args...)
}

func (l *sugaredLogger) Named(name string) Logger {
	return &sugaredLogger{sugar: l.sugar.Named(name)}
}

func (l *sugaredLogger) With(field string, value interface{}) Logger {
	return &sugaredLogger{sugar: l.sugar.With(field, value)}
}
