package es

import "context"

// Logger is the logging hook used by the datastore, recorders and projections.
// A nil Logger disables logging entirely.
// See the logging package for an adapter over logrus.
type Logger interface {
	// Debug logs per-call details (queries, batch sizes, versions).
	Debug(ctx context.Context, msg string, keyvals ...interface{})

	// Info logs significant state changes such as commits and appended ranges.
	Info(ctx context.Context, msg string, keyvals ...interface{})

	// Error logs failures, including classified database errors.
	Error(ctx context.Context, msg string, keyvals ...interface{})
}

// NoOpLogger discards everything.
type NoOpLogger struct{}

// Debug implements Logger.
func (NoOpLogger) Debug(_ context.Context, _ string, _ ...interface{}) {}

// Info implements Logger.
func (NoOpLogger) Info(_ context.Context, _ string, _ ...interface{}) {}

// Error implements Logger.
func (NoOpLogger) Error(_ context.Context, _ string, _ ...interface{}) {}
