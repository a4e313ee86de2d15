package worker

import (
	"os"
	"strings"

	"go.uber.org/zap"
)

var workerDebugEnabled = strings.EqualFold(os.Getenv("TRADECHAT_WORKER_DEBUG"), "1")

func (m *Manager) debug(msg string, fields ...zap.Field) {
	if workerDebugEnabled {
		m.logger.Debug("[worker] "+msg, fields...)
	}
}
