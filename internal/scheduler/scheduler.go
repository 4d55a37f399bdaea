package scheduler

import (
	"context"
	"time"

	"perpguard/internal/logger"
)

// AlignedScheduler 在每个 Interval 边界之后 Offset 处执行任务，
// 例如 1h 对齐 + 15s 偏移，用于 K 线收盘后的对账与余额轮询。
type AlignedScheduler struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	nowFn func() time.Time
}

func NewAlignedScheduler(name string, interval, offset time.Duration) *AlignedScheduler {
	return &AlignedScheduler{
		Name:     name,
		Interval: interval,
		Offset:   offset,
		nowFn:    time.Now,
	}
}

// Run 阻塞直到 ctx 取消。任务串行执行，耗时超过周期时跳过错过的边界。
func (s *AlignedScheduler) Run(ctx context.Context, task func(context.Context)) error {
	if s == nil || task == nil {
		return nil
	}
	if s.Interval <= 0 {
		logger.Warnf("[scheduler] %s: invalid interval=%s, exit", s.Name, s.Interval)
		return nil
	}
	if s.Offset < 0 || s.Offset >= s.Interval {
		logger.Warnf("[scheduler] %s: offset=%s out of range, clamp to 0", s.Name, s.Offset)
		s.Offset = 0
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	nextClose, wakeAt, _, wait := s.nextTimes(startAt)
	logger.Infof("[scheduler] %s: started interval=%s offset=%s 距离K线收盘=%s (收盘=%s) 首次执行=%s (in %s)",
		s.Name, s.Interval, s.Offset,
		nextClose.Sub(startAt).Truncate(time.Second),
		nextClose.Format(time.RFC3339),
		wakeAt.Format(time.RFC3339),
		wait.Truncate(time.Second),
	)

	if s.RunImmediately {
		task(ctx)
	}

	for {
		_, wakeAt, _, wait := s.nextTimes(s.nowFn())
		logger.Debugf("[scheduler] %s: 下次执行=%s (in %s) | uptime=%s",
			s.Name, wakeAt.Format(time.RFC3339), wait.Truncate(time.Second),
			s.nowFn().UTC().Sub(startAt).Truncate(time.Second))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Infof("[scheduler] %s: ctx done, exit", s.Name)
			return ctx.Err()
		case <-timer.C:
		}
		task(ctx)
	}
}

// nextTimes 计算下一次收盘边界与唤醒时间；偏移窗口内的当前边界仍然有效。
func (s *AlignedScheduler) nextTimes(now time.Time) (nextClose, wakeAt time.Time, untilClose, wait time.Duration) {
	now = now.UTC()
	cur := now.Truncate(s.Interval)
	if wake := cur.Add(s.Offset); wake.After(now) {
		return cur, wake, 0, wake.Sub(now)
	}
	nextClose = cur.Add(s.Interval)
	wakeAt = nextClose.Add(s.Offset)
	return nextClose, wakeAt, nextClose.Sub(now), wakeAt.Sub(now)
}
