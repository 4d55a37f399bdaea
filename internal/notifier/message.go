package notifier

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"perpguard/internal/pkg/text"
)

// Telegram 单条上限 4096，预留代码块与页脚。
const maxRenderedRunes = 3800

type MessageSection struct {
	Title string
	Lines []string
}

// StructuredMessage 是一条事件告警的排版结构，渲染为 Telegram Markdown。
type StructuredMessage struct {
	Icon      string
	Title     string
	Severity  Severity
	Sections  []MessageSection
	Footer    string
	Timestamp time.Time
}

var kindIcons = map[Kind]string{
	KindPositionOpened:   "🟢",
	KindPositionScaled:   "➕",
	KindPartialClose:     "🟡",
	KindPositionClosed:   "🔴",
	KindReconcile:        "🔄",
	KindOrderRejected:    "⚠️",
	KindOrderEscalated:   "🚨",
	KindStopMoved:        "🛡",
	KindPositionFrozen:   "🧊",
	KindPositionUnfrozen: "🔓",
	KindCooldownOverride: "⚡",
	KindStartup:          "🚀",
}

// Message 把事件排成摘要段与按 key 排序的详情段。
func (e Event) Message() StructuredMessage {
	title := string(e.Kind)
	if e.Symbol != "" {
		title = strings.TrimSpace(fmt.Sprintf("%s %s %s", e.Symbol, e.Side, e.Kind))
	}
	msg := StructuredMessage{
		Icon:      kindIcons[e.Kind],
		Title:     title,
		Severity:  e.Severity,
		Sections:  []MessageSection{{Lines: []string{e.Summary}}, {Title: "详情", Lines: e.detailLines()}},
		Timestamp: e.At,
	}
	if e.PositionID != "" {
		msg.Footer = "position " + e.PositionID
	}
	return msg
}

func (e Event) detailLines() []string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+": "+e.Fields[k])
	}
	return lines
}

func (m StructuredMessage) RenderMarkdown() string {
	var b strings.Builder
	if header := strings.TrimSpace(m.Icon + " " + m.Title); header != "" {
		b.WriteString(header)
		if m.Severity > SeverityInfo {
			b.WriteString(" [" + strings.ToUpper(m.Severity.String()) + "]")
		}
		b.WriteString("\n\n")
	}
	b.WriteString(renderSections(m.Sections))
	if footer := strings.TrimSpace(m.Footer); footer != "" {
		b.WriteString(escapeFence(footer) + "\n")
	}
	if !m.Timestamp.IsZero() {
		b.WriteString("时间：" + m.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	return text.Truncate(strings.TrimSpace(b.String()), maxRenderedRunes)
}

// renderSections 把所有非空段落放进同一个代码块，全部为空时返回空串。
func renderSections(secs []MessageSection) string {
	var blocks []string
	for _, sec := range secs {
		lines := nonEmpty(sec.Lines)
		if len(lines) == 0 {
			continue
		}
		var b strings.Builder
		if title := strings.TrimSpace(sec.Title); title != "" {
			b.WriteString(escapeFence(title) + "\n")
		}
		for _, line := range lines {
			b.WriteString("- " + escapeFence(line) + "\n")
		}
		blocks = append(blocks, b.String())
	}
	if len(blocks) == 0 {
		return ""
	}
	return "```\n" + strings.Join(blocks, "\n") + "```\n\n"
}

func nonEmpty(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if s := strings.TrimSpace(line); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func escapeFence(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}
