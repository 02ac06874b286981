// Package logging adapts logrus to es.Logger.
package logging

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/getpup/pupstore/es"
)

// Logrus writes es.Logger calls to a logrus logger, turning key/value pairs into fields.
type Logrus struct {
	logger logrus.FieldLogger
}

var _ es.Logger = (*Logrus)(nil)

// New wraps a logrus logger. A nil logger uses the logrus standard logger.
func New(logger logrus.FieldLogger) *Logrus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Logrus{logger: logger}
}

// Debug implements es.Logger.
func (l *Logrus) Debug(_ context.Context, msg string, keyvals ...interface{}) {
	l.logger.WithFields(fields(keyvals)).Debug(msg)
}

// Info implements es.Logger.
func (l *Logrus) Info(_ context.Context, msg string, keyvals ...interface{}) {
	l.logger.WithFields(fields(keyvals)).Info(msg)
}

// Error implements es.Logger.
func (l *Logrus) Error(_ context.Context, msg string, keyvals ...interface{}) {
	l.logger.WithFields(fields(keyvals)).Error(msg)
}

func fields(keyvals []interface{}) logrus.Fields {
	f := make(logrus.Fields, (len(keyvals)+1)/2)
	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		if i+1 == len(keyvals) {
			f[key] = "(MISSING)"
			break
		}
		value := keyvals[i+1]
		if err, ok := value.(error); ok {
			value = err.Error()
		}
		f[key] = value
	}
	return f
}
