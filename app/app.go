// Package app 提供了应用程序的生命周期管理：组件按序启动、服务器并发运行、收到取消后优雅关闭.
package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
)

// App 是应用程序的核心容器.
type App struct {
	name      string
	logger    *slog.Logger
	opts      options
	lifecycle *Lifecycle
}

// New 创建一个新的应用程序实例.
func New(name string, logger *slog.Logger, opts ...Option) *App {
	o := options{shutdownTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	lc := NewLifecycle(logger)
	for _, h := range o.hooks {
		lc.Append(h)
	}
	return &App{
		name:      name,
		logger:    logger,
		opts:      o,
		lifecycle: lc,
	}
}

// Run 启动所有组件与服务器并阻塞，直到 ctx 被取消或任一服务器失败.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application starting", "name", a.name, "pid", os.Getpid())

	if err := a.lifecycle.Start(ctx); err != nil {
		a.cleanup()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range a.opts.servers {
		g.Go(func() error { return srv.Start(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()

	a.logger.Info("shutting down application", "name", a.name)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.shutdownTimeout)
	defer cancel()

	var errs []error
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		errs = append(errs, runErr)
	}
	errs = append(errs, a.stopServers(shutdownCtx), a.lifecycle.Stop(shutdownCtx))
	a.cleanup()

	err := errors.Join(errs...)
	if err == nil {
		a.logger.Info("application shut down gracefully")
	}
	return err
}

func (a *App) stopServers(ctx context.Context) error {
	var errs []error
	for _, srv := range a.opts.servers {
		if err := srv.Stop(ctx); err != nil {
			a.logger.Error("server failed to stop", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) cleanup() {
	for i := len(a.opts.cleanups) - 1; i >= 0; i-- {
		a.opts.cleanups[i]()
	}
}
