package fix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/wyfcoding/fixengine/limiter"
)

const readBufferSize = 4096

type managerOptions struct {
	logger          *slog.Logger
	registry        *Registry
	rateLimiter     limiter.Limiter
	connLimiter     limiter.ConnLimiter
	sessionOpts     []Option
	identifyTimeout time.Duration
}

// ManagerOption 配置 Acceptor 与 Initiator.
type ManagerOption func(*managerOptions)

func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(o *managerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRegistry 将创建的会话同时登记到共享注册表.
func WithRegistry(r *Registry) ManagerOption {
	return func(o *managerOptions) { o.registry = r }
}

// WithSessionOptions 为每个创建的会话附加选项.
func WithSessionOptions(opts ...Option) ManagerOption {
	return func(o *managerOptions) { o.sessionOpts = append(o.sessionOpts, opts...) }
}

// WithAcceptRateLimiter 按对端地址限制入站连接速率，仅 Acceptor 使用.
func WithAcceptRateLimiter(l limiter.Limiter) ManagerOption {
	return func(o *managerOptions) { o.rateLimiter = l }
}

// WithMaxConnections 限制 Acceptor 同时持有的连接数.
func WithMaxConnections(l limiter.ConnLimiter) ManagerOption {
	return func(o *managerOptions) { o.connLimiter = l }
}

// WithIdentifyTimeout 设置 Acceptor 等待对端报出身份的时间.
func WithIdentifyTimeout(d time.Duration) ManagerOption {
	return func(o *managerOptions) { o.identifyTimeout = d }
}

func newManagerOptions(opts []ManagerOption) *managerOptions {
	o := &managerOptions{
		logger:          slog.Default(),
		identifyTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// createSessions 为指定角色的配置创建会话并回调 OnCreate.
func createSessions(role ConnectionType, settings []SessionSettings, app Application,
	storeFactory StoreFactory, logFactory LogFactory, o *managerOptions,
) ([]*Session, error) {
	if err := ValidateAll(settings); err != nil {
		return nil, err
	}
	if app == nil {
		app = NopApplication{}
	}

	var sessions []*Session
	for _, st := range settings {
		st = st.WithDefaults()
		if st.ConnectionType != role {
			continue
		}
		store, err := storeFactory.Create(st.ID)
		if err != nil {
			return nil, fmt.Errorf("create store for %s: %w", st.ID, err)
		}
		var log Log
		if logFactory != nil {
			if log, err = logFactory.Create(st.ID); err != nil {
				return nil, fmt.Errorf("create log for %s: %w", st.ID, err)
			}
		}

		opts := append([]Option{WithLogger(o.logger)}, o.sessionOpts...)
		s := NewSession(st, store, log, app, opts...)
		if o.registry != nil {
			if err := o.registry.Add(s); err != nil {
				return nil, err
			}
		}
		s.callback("onCreate", func() error { app.OnCreate(st.ID); return nil })
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func initializeSessions(ctx context.Context, sessions []*Session) error {
	for _, s := range sessions {
		if err := s.Initialize(ctx); err != nil {
			return err
		}
	}
	return nil
}

// readLoop 把连接上的字节转交给会话，直到连接关闭.
func readLoop(ctx context.Context, s *Session, conn net.Conn, logger *slog.Logger) {
	defer s.Detach(conn)

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.OnData(ctx, buf[:n])
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Debug("connection closed", "session", s.key, "error", err)
			}
			return
		}
	}
}

func stopSessions(ctx context.Context, sessions []*Session, logger *slog.Logger) {
	for _, s := range sessions {
		if s.LoggedOn() {
			if err := s.Logout(ctx, ""); err != nil {
				logger.WarnContext(ctx, "logout on stop failed", "session", s.key, "error", err)
			}
		}
		s.Disconnect()
	}
}

func waitGroupDone(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
