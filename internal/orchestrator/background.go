package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// supervisor 托管回调、事件发布与告警等后台任务，限制并发并在关闭时统一等待。
// 任务的错误只记录日志，不会中断同组的其他任务。
type supervisor struct {
	group  errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	mu     sync.Mutex
	closed bool
}

func newSupervisor(parent context.Context, limit int, log *slog.Logger) *supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &supervisor{ctx: ctx, cancel: cancel, log: log}
	s.group.SetLimit(limit)
	return s
}

// Go 提交后台任务；达到并发上限时阻塞调用方，关闭后提交的任务直接丢弃并记录。
func (s *supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		s.log.Warn("后台任务在关闭后提交，已忽略", slog.String("job", name))
		return
	}
	s.group.Go(func() error {
		if err := fn(s.ctx); err != nil {
			s.log.Warn("后台任务失败", slog.String("job", name), slog.Any("error", err))
		}
		return nil
	})
}

// Shutdown 等待在途后台任务结束，ctx 到期时取消它们。
func (s *supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
