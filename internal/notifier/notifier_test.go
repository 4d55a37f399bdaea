package notifier

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type MockSink struct {
	mock.Mock
}

func (m *MockSink) Name() string { return "mock" }

func (m *MockSink) Send(ctx context.Context, evt Event) error {
	args := m.Called(ctx, evt)
	return args.Error(0)
}

func TestBusDropsWhenSubscriberIsSlow(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Kind: KindPositionOpened})
	bus.Publish(Event{Kind: KindPositionClosed})

	evt := <-ch
	assert.Equal(t, KindPositionOpened, evt.Kind)
	assert.EqualValues(t, 1, bus.Dropped())
}

func TestRunForwardsToSinks(t *testing.T) {
	bus := NewBus()
	sink := new(MockSink)
	done := make(chan struct{})
	var once sync.Once
	sink.On("Send", mock.Anything, mock.MatchedBy(func(e Event) bool { return e.Kind == KindReconcile })).
		Return(nil).Run(func(mock.Arguments) { once.Do(func() { close(done) }) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = Run(ctx, bus, 8, sink) }()

	require.Eventually(t, func() bool {
		bus.Publish(Event{Kind: KindReconcile, Symbol: "BTC/USDT"})
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
	cancel()
	sink.AssertExpectations(t)
}

func TestEventMessage(t *testing.T) {
	evt := Event{Kind: KindPositionClosed, Symbol: "BTC/USDT", Side: "long", Summary: "stop_loss", PositionID: "p1"}
	evt = evt.With("realized", 10.5).With("reason", "stop_loss")
	text := evt.Message().RenderMarkdown()
	assert.Contains(t, text, "BTC/USDT long position_closed")
	assert.Contains(t, text, "realized: 10.5")
	assert.Contains(t, text, "position p1")
	assert.NotContains(t, text, "[INFO]")

	t.Run("severity badge and rune-safe cap", func(t *testing.T) {
		evt := Event{Kind: KindOrderEscalated, Severity: SeverityCritical, Symbol: "ETH/USDT", Summary: strings.Repeat("止", 5000)}
		text := evt.Message().RenderMarkdown()
		assert.Contains(t, text, "[CRITICAL]")
		assert.LessOrEqual(t, utf8.RuneCountInString(text), maxRenderedRunes)
		assert.True(t, utf8.ValidString(text))
	})
}

func TestTelegramSend(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "42", gjson.GetBytes(body, "chat_id").String())
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":0}}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	tg := NewTelegram(TelegramConfig{BotToken: "TOKEN", ChatID: "42", APIBase: srv.URL, MinSeverity: "warn"})
	tg.backoff = time.Millisecond

	t.Run("below min severity is skipped", func(t *testing.T) {
		require.NoError(t, tg.Send(context.Background(), Event{Kind: KindStopMoved, Severity: SeverityInfo}))
		assert.EqualValues(t, 0, calls.Load())
	})

	t.Run("retries after api error", func(t *testing.T) {
		require.NoError(t, tg.Send(context.Background(), Event{Kind: KindOrderEscalated, Severity: SeverityCritical, Summary: "x"}))
		assert.EqualValues(t, 2, calls.Load())
	})

	t.Run("long text is truncated", func(t *testing.T) {
		var got string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			got = gjson.GetBytes(body, "text").String()
			_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
		}))
		defer srv.Close()
		tg := NewTelegram(TelegramConfig{BotToken: "TOKEN", ChatID: "42", APIBase: srv.URL})
		require.NoError(t, tg.SendText(context.Background(), strings.Repeat("止", 5000)))
		assert.Equal(t, maxMessageRunes, len([]rune(got)))
		assert.True(t, strings.HasSuffix(got, "..."))
	})

	t.Run("missing config", func(t *testing.T) {
		err := NewTelegram(TelegramConfig{}).SendText(context.Background(), "hi")
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "Telegram"))
	})
}
