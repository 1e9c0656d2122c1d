// Package server 提供管理接口 HTTP 服务器的封装.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/fixengine/app"
)

var _ app.Server = (*GinServer)(nil)

// GinServer 封装 `http.Server`，运行 Gin 引擎并支持优雅关闭.
type GinServer struct {
	server *http.Server
	addr   string
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// GinOptions 定义 HTTP 超时，零值表示不限制.
type GinOptions struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewGinServer 创建一个新的 Gin 服务器实例.
func NewGinServer(engine *gin.Engine, addr string, logger *slog.Logger, opts GinOptions) *GinServer {
	return &GinServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadTimeout:       opts.ReadTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      opts.WriteTimeout,
		},
		addr:   addr,
		logger: logger,
	}
}

// Start 监听并阻塞服务，ctx 取消时优雅关闭.
func (s *GinServer) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("admin server listening", "addr", ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// Addr 返回实际监听地址，未启动时为 nil.
func (s *GinServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop 在给定超时内等待现有请求完成.
func (s *GinServer) Stop(ctx context.Context) error {
	s.logger.Info("stopping admin server")
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
