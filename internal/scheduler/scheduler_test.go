package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"perpguard/internal/gateway"
)

func TestParseIntervalDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"30s", 30 * time.Second, true},
		{"15m", 15 * time.Minute, true},
		{" 1H ", time.Hour, true},
		{"4h", 4 * time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"1w", 7 * 24 * time.Hour, true},
		{"", 0, false},
		{"h", 0, false},
		{"0m", 0, false},
		{"-5m", 0, false},
		{"10x", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := ParseIntervalDuration(tc.in)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNextTimes(t *testing.T) {
	s := NewAlignedScheduler("test", time.Hour, 15*time.Second)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("inside offset window waits for current boundary", func(t *testing.T) {
		close, wake, _, wait := s.nextTimes(base.Add(5 * time.Second))
		assert.Equal(t, base, close)
		assert.Equal(t, base.Add(15*time.Second), wake)
		assert.Equal(t, 10*time.Second, wait)
	})

	t.Run("after offset waits for next boundary", func(t *testing.T) {
		close, wake, until, wait := s.nextTimes(base.Add(30 * time.Minute))
		assert.Equal(t, base.Add(time.Hour), close)
		assert.Equal(t, base.Add(time.Hour+15*time.Second), wake)
		assert.Equal(t, 30*time.Minute, until)
		assert.Equal(t, 30*time.Minute+15*time.Second, wait)
	})
}

func TestRunExecutesUntilCanceled(t *testing.T) {
	s := NewAlignedScheduler("fast", 20*time.Millisecond, 0)
	s.RunImmediately = true
	var n atomic.Int32

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := s.Run(ctx, func(context.Context) { n.Add(1) })

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, n.Load(), int32(3))
}

func TestRunRejectsInvalidInterval(t *testing.T) {
	s := NewAlignedScheduler("bad", 0, 0)
	called := false
	require.NoError(t, s.Run(context.Background(), func(context.Context) { called = true }))
	assert.False(t, called)
}

type MockTarget struct {
	mock.Mock
}

func (m *MockTarget) RequestReconcile(reason string) error {
	return m.Called(reason).Error(0)
}

func (m *MockTarget) Balance(ctx context.Context) (gateway.Balance, error) {
	args := m.Called()
	return args.Get(0).(gateway.Balance), args.Error(1)
}

func (m *MockTarget) UpdateEquity(bal gateway.Balance) error {
	return m.Called(bal).Error(0)
}

func TestTasks(t *testing.T) {
	t.Run("reconcile", func(t *testing.T) {
		m := new(MockTarget)
		m.On("RequestReconcile", "timer").Return(nil).Once()
		ReconcileTask(m, "timer")(context.Background())
		m.AssertExpectations(t)
	})

	t.Run("balance forwards to sink", func(t *testing.T) {
		m := new(MockTarget)
		bal := gateway.Balance{Equity: 10200, Available: 9000}
		m.On("Balance").Return(bal, nil).Once()
		m.On("UpdateEquity", bal).Return(nil).Once()
		BalanceTask(m, m, time.Second)(context.Background())
		m.AssertExpectations(t)
	})

	t.Run("balance error skips sink", func(t *testing.T) {
		m := new(MockTarget)
		m.On("Balance").Return(gateway.Balance{}, errors.New("timeout")).Once()
		BalanceTask(m, m, 0)(context.Background())
		m.AssertNotCalled(t, "UpdateEquity", mock.Anything)
	})
}
