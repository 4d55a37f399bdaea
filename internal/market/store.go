package market

import (
	"context"
	"errors"
	"sync"
)

type KlineStore interface {
	Get(ctx context.Context, symbol, interval string) ([]Candle, error)
	Put(ctx context.Context, symbol, interval string, klines []Candle, max int) error
}

// MemoryKlineStore 按 symbol@interval 缓存最近的 K 线，同一 OpenTime 的推送覆盖旧值。
type MemoryKlineStore struct {
	mu   sync.RWMutex
	data map[string][]Candle
}

func NewMemoryKlineStore() *MemoryKlineStore {
	return &MemoryKlineStore{data: make(map[string][]Candle)}
}

func klineKey(symbol, interval string) string { return symbol + "@" + interval }

func (s *MemoryKlineStore) Put(_ context.Context, symbol, interval string, ks []Candle, max int) error {
	if symbol == "" || interval == "" {
		return errors.New("symbol/interval 不能为空")
	}
	if len(ks) == 0 {
		return nil
	}
	if max <= 0 {
		max = 500
	}
	k := klineKey(symbol, interval)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.data[k]
	for _, candle := range ks {
		n := len(cur)
		switch {
		case n > 0 && cur[n-1].OpenTime == candle.OpenTime:
			cur[n-1] = candle
		case n > 0 && cur[n-1].OpenTime > candle.OpenTime:
			// 乱序的旧 K 线直接丢弃
		default:
			cur = append(cur, candle)
		}
	}
	if len(cur) > max {
		cur = append([]Candle(nil), cur[len(cur)-max:]...)
	}
	s.data[k] = cur
	return nil
}

func (s *MemoryKlineStore) Get(_ context.Context, symbol, interval string) ([]Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.data[klineKey(symbol, interval)]
	out := make([]Candle, len(cur))
	copy(out, cur)
	return out, nil
}
