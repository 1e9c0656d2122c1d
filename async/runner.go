// Package async 提供带 panic 恢复的 goroutine 启动工具。
package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// ErrPanicRecovered 表示异步任务中恢复的 panic。
var ErrPanicRecovered = errors.New("async task panic recovered")

// Runner 定义了安全的并发执行器接口。
type Runner interface {
	Go(fn func())
	GoWithContext(ctx context.Context, fn func(ctx context.Context))
}

type defaultRunner struct {
	logger *slog.Logger
}

// DefaultRunner 是进程级默认执行器，使用 slog 默认日志。
var DefaultRunner Runner = &defaultRunner{}

// NewRunner 创建使用指定日志的执行器。
func NewRunner(logger *slog.Logger) Runner {
	return &defaultRunner{logger: logger}
}

func (r *defaultRunner) Go(fn func()) {
	go func() {
		defer r.recover()
		fn()
	}()
}

func (r *defaultRunner) GoWithContext(ctx context.Context, fn func(ctx context.Context)) {
	go func() {
		defer r.recover()
		fn(ctx)
	}()
}

func (r *defaultRunner) recover() {
	rec := recover()
	if rec == nil {
		return
	}
	logger := r.logger
	if logger == nil {
		logger = slog.Default()
	}
	err := fmt.Errorf("%w: %v", ErrPanicRecovered, rec)
	logger.Error("Async task panic recovered", "error", err, "stack", string(debug.Stack()))
}

// SafeGo 是 DefaultRunner.Go 的快捷方式。
func SafeGo(fn func()) {
	DefaultRunner.Go(fn)
}

// SafeGoWithContext 是 DefaultRunner.GoWithContext 的快捷方式。
func SafeGoWithContext(ctx context.Context, fn func(ctx context.Context)) {
	DefaultRunner.GoWithContext(ctx, fn)
}

// Recover 在调用方的 defer 中执行，将 panic 转换为 error 写入 errp。
func Recover(errp *error) {
	if rec := recover(); rec != nil {
		*errp = fmt.Errorf("%w: %v", ErrPanicRecovered, rec)
	}
}
