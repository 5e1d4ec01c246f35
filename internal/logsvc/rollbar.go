package logsvc

import (
	"log"

	"github.com/rollbar/rollbar-go"
	"github.com/rollbar/rollbar-go/errors"
)

// RollbarLogger forwards warnings and errors to Rollbar and mirrors every
// line to the standard logger.
type RollbarLogger struct {
	std StdLogger
}

var _ Logger = (*RollbarLogger)(nil)

func NewRollbarLogger(std *log.Logger, token, env, host string) *RollbarLogger {
	rollbar.SetToken(token)
	rollbar.SetEnvironment(env)
	rollbar.SetServerHost(host)
	rollbar.SetStackTracer(errors.StackTracer)
	return &RollbarLogger{std: *NewStdLogger(std)}
}

func prepare(msg string, args []interface{}) []interface{} {
	return append([]interface{}{msg}, args...)
}

func (l RollbarLogger) Info(msg string, args ...interface{}) {
	l.std.Info(msg, args...)
}

func (l RollbarLogger) Warn(msg string, args ...interface{}) {
	rollbar.Warning(prepare(msg, args)...)
	l.std.Warn(msg, args...)
}

func (l RollbarLogger) Error(msg string, args ...interface{}) {
	rollbar.Error(prepare(msg, args)...)
	l.std.Error(msg, args...)
}

// Close flushes pending Rollbar items.
func (l RollbarLogger) Close() {
	rollbar.Close()
}

// New picks Rollbar when a token is configured, the standard logger otherwise.
func New(std *log.Logger, token, env, host string) Logger {
	if token == "" {
		return NewStdLogger(std)
	}
	return NewRollbarLogger(std, token, env, host)
}
