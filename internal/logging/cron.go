package logging

import (
	"github.com/rs/zerolog"
)

// CronLogger adapts a zerolog logger to the cron.Logger interface.
// Info messages from cron are noisy, so they are logged at debug level.
type CronLogger struct {
	Logger zerolog.Logger
}

// Info implements cron.Logger
func (l CronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Logger.Debug().Fields(keysAndValues).Msg(msg)
}

// Error implements cron.Logger
func (l CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.Logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
