package app

import (
	"context"
	"time"
)

// Server 是在整个运行期间阻塞服务的组件. Start 在 Stop 被调用或出错前不返回.
type Server interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Option 配置应用程序.
type Option func(*options)

type options struct {
	servers         []Server
	hooks           []Hook
	cleanups        []func()
	shutdownTimeout time.Duration
}

// WithServer 添加在整个运行期间阻塞服务的服务器.
func WithServer(servers ...Server) Option {
	return func(o *options) {
		o.servers = append(o.servers, servers...)
	}
}

// WithHook 添加生命周期钩子，服务器启动前按顺序执行.
func WithHook(hooks ...Hook) Option {
	return func(o *options) {
		o.hooks = append(o.hooks, hooks...)
	}
}

// WithCleanup 添加关闭后执行的清理函数，例如关闭数据库连接.
func WithCleanup(cleanup func()) Option {
	return func(o *options) {
		o.cleanups = append(o.cleanups, cleanup)
	}
}

// WithShutdownTimeout 设置优雅关闭的最长时间，默认 10 秒.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}
