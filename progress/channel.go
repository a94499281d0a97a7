package progress

import (
	"context"

	"github.com/sirupsen/logrus"
)

// ConsoleChannel writes events as structured log lines.
type ConsoleChannel struct {
	logger logrus.FieldLogger
}

// NewConsoleChannel logs through l, or the standard logrus logger when l is nil.
func NewConsoleChannel(l logrus.FieldLogger) *ConsoleChannel {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &ConsoleChannel{logger: l}
}

func (c *ConsoleChannel) Log(_ context.Context, ev Event) {
	entry := c.logger.WithFields(logrus.Fields(ev.Data))
	if ev.Message == MessageError {
		entry.Error(ev.Message)
		return
	}
	entry.Info(ev.Message)
}
