// Package notifier 发布仓位生命周期事件，并转发到日志与 Telegram 等告警出口。
package notifier

import (
	"fmt"
	"time"
)

type Kind string

const (
	KindPositionOpened   Kind = "position_opened"
	KindPositionScaled   Kind = "position_scaled"
	KindPartialClose     Kind = "position_partially_closed"
	KindPositionClosed   Kind = "position_closed"
	KindReconcile        Kind = "reconcile"
	KindOrderRejected    Kind = "order_rejected"
	KindOrderEscalated   Kind = "order_escalated"
	KindStopMoved        Kind = "stop_moved"
	KindPositionFrozen   Kind = "position_frozen"
	KindPositionUnfrozen Kind = "position_unfrozen"
	KindCooldownOverride Kind = "cooldown_override"
	KindStartup          Kind = "startup"
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "warn"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

// ParseSeverity 无法识别时返回 info。
func ParseSeverity(s string) Severity {
	switch s {
	case "warn", "warning":
		return SeverityWarn
	case "critical", "error":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

type Event struct {
	Kind       Kind              `json:"kind"`
	Severity   Severity          `json:"severity"`
	Symbol     string            `json:"symbol,omitempty"`
	Side       string            `json:"side,omitempty"`
	PositionID string            `json:"position_id,omitempty"`
	Summary    string            `json:"summary"`
	Fields     map[string]string `json:"fields,omitempty"`
	At         time.Time         `json:"at"`
}

// With 追加一个字段，数值统一格式化。
func (e Event) With(key string, value any) Event {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	switch v := value.(type) {
	case float64:
		e.Fields[key] = fmt.Sprintf("%.6g", v)
	case string:
		e.Fields[key] = v
	default:
		e.Fields[key] = fmt.Sprint(v)
	}
	return e
}

func (e Event) String() string {
	return fmt.Sprintf("[%s] %s %s %s", e.Kind, e.Symbol, e.Side, e.Summary)
}
