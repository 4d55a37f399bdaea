package notifier

import (
	"context"
	"sync"
	"sync/atomic"

	"perpguard/internal/logger"
)

// Sink 是告警出口。
type Sink interface {
	Name() string
	Send(ctx context.Context, evt Event) error
}

// Bus 是轻量的发布订阅；订阅者处理不过来时丢弃事件，发布方永不阻塞。
type Bus struct {
	mu      sync.RWMutex
	subs    []chan Event
	dropped atomic.Int64
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, buffer)
	b.subs = append(b.subs, ch)
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, c := range b.subs {
				if c == ch {
					close(c)
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
		})
	}
	return ch, unsub
}

func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Run 把总线事件逐条转发给各个出口，直到 ctx 结束。
func Run(ctx context.Context, bus *Bus, buffer int, sinks ...Sink) error {
	events, unsub := bus.Subscribe(buffer)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			for _, s := range sinks {
				if err := s.Send(ctx, evt); err != nil {
					logger.Warnf("[notifier] %s 发送失败 kind=%s: %v", s.Name(), evt.Kind, err)
				}
			}
		}
	}
}
