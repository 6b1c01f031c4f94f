package engine

import (
	"github.com/sirupsen/logrus"
)

func (e *Engine) logEntry(decisionID string) *logrus.Entry {
	return e.log.WithGroupID("engine", decisionID)
}

func (e *Engine) orderEntry(clientOrderID string) *logrus.Entry {
	return e.log.WithOrderID("engine", clientOrderID)
}
