package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Hook 定义了组件的启动与停止逻辑
type Hook struct {
	Name    string
	OnStart func(ctx context.Context) error
	OnStop  func(ctx context.Context) error
}

// Lifecycle 按注册顺序启动组件，按相反顺序停止
type Lifecycle struct {
	logger  *slog.Logger
	hooks   []Hook
	started int
	mu      sync.Mutex
}

func NewLifecycle(logger *slog.Logger) *Lifecycle {
	return &Lifecycle{logger: logger}
}

// Append 添加一个生命周期钩子
func (l *Lifecycle) Append(hook Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, hook)
}

// Start 按顺序启动所有组件，失败时回滚已启动的组件
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	base := l.started
	for i, hook := range l.hooks[base:] {
		if hook.OnStart != nil {
			l.logger.Info("lifecycle: starting component", "name", hook.Name)
			if err := hook.OnStart(ctx); err != nil {
				l.logger.Error("lifecycle: failed to start component", "name", hook.Name, "error", err)
				return errors.Join(err, l.stopLocked(ctx))
			}
		}
		l.started = base + i + 1
	}
	return nil
}

// Stop 以相反的顺序停止已启动的组件
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopLocked(ctx)
}

func (l *Lifecycle) stopLocked(ctx context.Context) error {
	var errs []error
	for i := l.started - 1; i >= 0; i-- {
		hook := l.hooks[i]
		if hook.OnStop == nil {
			continue
		}
		l.logger.Info("lifecycle: stopping component", "name", hook.Name)
		if err := hook.OnStop(ctx); err != nil {
			l.logger.Error("lifecycle: failed to stop component", "name", hook.Name, "error", err)
			errs = append(errs, err)
		}
	}
	l.started = 0
	return errors.Join(errs...)
}
