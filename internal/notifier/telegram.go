package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"perpguard/internal/pkg/text"

	"github.com/tidwall/gjson"
)

const (
	defaultTelegramAPI = "https://api.telegram.org"
	// sendMessage 单条上限 4096 字符
	maxMessageRunes = 4096
)

type TelegramConfig struct {
	Enabled     bool   `toml:"enabled" json:"enabled"`
	BotToken    string `toml:"bot_token" json:"bot_token"`
	ChatID      string `toml:"chat_id" json:"chat_id"`
	MinSeverity string `toml:"min_severity" json:"min_severity"`
	APIBase     string `toml:"api_base" json:"api_base"`
}

// Telegram 推送告警到指定群/频道。
type Telegram struct {
	BotToken string
	ChatID   string
	Client   *http.Client

	apiBase     string
	minSeverity Severity
	retries     int
	backoff     time.Duration
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if base == "" {
		base = defaultTelegramAPI
	}
	return &Telegram{
		BotToken:    cfg.BotToken,
		ChatID:      cfg.ChatID,
		Client:      &http.Client{Timeout: 15 * time.Second},
		apiBase:     base,
		minSeverity: ParseSeverity(cfg.MinSeverity),
		retries:     3,
		backoff:     time.Second,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Send 低于 min_severity 的事件直接忽略。
func (t *Telegram) Send(ctx context.Context, evt Event) error {
	if evt.Severity < t.minSeverity {
		return nil
	}
	return t.SendText(ctx, evt.Message().RenderMarkdown())
}

// SendText 发送文本消息（最多 3 次尝试，遵循 retry_after）。
func (t *Telegram) SendText(ctx context.Context, msg string) error {
	if t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("Telegram 配置不完整")
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.BotToken)
	body, err := json.Marshal(map[string]any{
		"chat_id":    t.ChatID,
		"text":       text.Truncate(msg, maxMessageRunes),
		"parse_mode": "Markdown",
	})
	if err != nil {
		return err
	}

	var lastErr error
	for i := 0; i < t.retries; i++ {
		wait, err := t.post(ctx, url, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if wait <= 0 {
			wait = time.Duration(i+1) * t.backoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

// post 返回建议的等待时间（来自 parameters.retry_after）。
func (t *Telegram) post(ctx context.Context, url string, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return 0, err
	}
	if !gjson.ValidBytes(raw) {
		if resp.StatusCode/100 == 2 {
			return 0, nil
		}
		return 0, fmt.Errorf("telegram status=%d", resp.StatusCode)
	}
	parsed := gjson.ParseBytes(raw)
	if parsed.Get("ok").Bool() {
		return 0, nil
	}
	wait := time.Duration(parsed.Get("parameters.retry_after").Int()) * time.Second
	return wait, fmt.Errorf("telegram status=%d code=%d: %s",
		resp.StatusCode, parsed.Get("error_code").Int(), parsed.Get("description").String())
}
