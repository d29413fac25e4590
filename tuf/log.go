package tuf

import (
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// eventLogger turns the Event values a Repository emits (spec.md 6) into
// structured log lines. It is embedded by both concrete Repository
// implementations so every transport logs the same way.
type eventLogger struct {
	logger log.Logger
}

func newEventLogger(logger log.Logger) eventLogger {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return eventLogger{logger: logger}
}

// Log implements Repository.Log. RootUpdated is informational;
// VerificationError is a warning, since a recoverable verification
// failure is expected to be resolved by root recovery within the same
// cycle.
func (l eventLogger) Log(e Event) {
	switch e.Name {
	case EventVerificationError:
		level.Warn(l.logger).Log("event", e.Name, "role", e.Role, "msg", e.Message)
	default:
		level.Info(l.logger).Log("event", e.Name, "role", e.Role, "msg", e.Message)
	}
}
