package notifier

import (
	"context"

	"perpguard/internal/logger"
)

// LogSink 把事件写入进程日志，严重程度映射到日志级别。
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(_ context.Context, evt Event) error {
	switch evt.Severity {
	case SeverityCritical:
		logger.Errorf("[notify] %s fields=%v", evt, evt.Fields)
	case SeverityWarn:
		logger.Warnf("[notify] %s fields=%v", evt, evt.Fields)
	default:
		logger.Infof("[notify] %s fields=%v", evt, evt.Fields)
	}
	return nil
}
