package fix

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

// Initiator 主动连接对端，断线后按配置间隔重连.
type Initiator struct {
	opts     *managerOptions
	sessions []*Session
	dialer   net.Dialer
	dial     func(ctx context.Context, network, address string) (net.Conn, error)

	mu      sync.Mutex
	timers  map[SessionID]*time.Timer
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      conc.WaitGroup
}

// NewInitiator 为所有 initiator 角色的配置创建会话.
func NewInitiator(app Application, storeFactory StoreFactory, logFactory LogFactory,
	settings []SessionSettings, opts ...ManagerOption,
) (*Initiator, error) {
	o := newManagerOptions(opts)
	sessions, err := createSessions(RoleInitiator, settings, app, storeFactory, logFactory, o)
	if err != nil {
		return nil, err
	}
	i := &Initiator{
		opts:     o,
		sessions: sessions,
		timers:   make(map[SessionID]*time.Timer),
		dialer:   net.Dialer{Timeout: 10 * time.Second},
	}
	i.dial = i.dialer.DialContext
	for _, s := range sessions {
		s.Subscribe(func(e Event) {
			if e.Kind == EventDisconnect {
				i.scheduleReconnect(s)
			}
		})
	}
	return i, nil
}

// Start 初始化会话并异步发起所有连接.
func (i *Initiator) Start(ctx context.Context) error {
	if err := initializeSessions(ctx, i.sessions); err != nil {
		return err
	}

	i.mu.Lock()
	if i.started {
		i.mu.Unlock()
		return nil
	}
	i.started = true
	i.ctx, i.cancel = context.WithCancel(context.WithoutCancel(ctx))
	i.mu.Unlock()

	for _, s := range i.sessions {
		i.wg.Go(func() { i.connect(s) })
	}
	return nil
}

// connect 拨号、按需重置序列号并发送 Logon. 失败时安排重连.
func (i *Initiator) connect(s *Session) {
	i.mu.Lock()
	ctx, stopped := i.ctx, i.stopped
	i.mu.Unlock()
	if stopped || s.Connected() {
		return
	}

	addr := s.settings.ConnectAddr()
	conn, err := i.dial(ctx, "tcp", addr)
	if err != nil {
		s.event("Connection failed: " + err.Error())
		i.opts.logger.WarnContext(ctx, "fix initiator dial failed", "session", s.key, "addr", addr, "error", err)
		i.scheduleReconnect(s)
		return
	}
	if err := s.SetConnection(conn); err != nil {
		_ = conn.Close()
		return
	}

	// 拨号期间可能已执行 Stop，此时连接不能再交给读循环.
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		s.Disconnect()
		return
	}
	i.wg.Go(func() { readLoop(ctx, s, conn, i.opts.logger) })
	i.mu.Unlock()
	i.opts.logger.InfoContext(ctx, "fix initiator connected", "session", s.key, "addr", addr)

	if s.settings.ResetOnLogon {
		if err := s.Reset(ctx); err != nil {
			s.errorEvent("Error resetting session", err)
		}
	}
	if err := s.Logon(ctx); err != nil {
		s.errorEvent("Error sending Logon", err)
	}
}

// scheduleReconnect 在 ReconnectInterval 后重连，同一会话最多只有一个待执行的定时器.
func (i *Initiator) scheduleReconnect(s *Session) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped || !i.started {
		return
	}
	if _, pending := i.timers[s.id]; pending {
		return
	}

	interval := s.settings.ReconnectInterval
	s.event("Reconnecting in " + interval.String())
	i.timers[s.id] = time.AfterFunc(interval, func() {
		i.mu.Lock()
		delete(i.timers, s.id)
		i.mu.Unlock()
		i.connect(s)
	})
}

// PendingReconnects 返回当前等待中的重连定时器数量.
func (i *Initiator) PendingReconnects() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.timers)
}

// Session 按 SessionID 查找会话.
func (i *Initiator) Session(id SessionID) (*Session, bool) {
	for _, s := range i.sessions {
		if s.id == id {
			return s, true
		}
	}
	return nil, false
}

func (i *Initiator) Sessions() []*Session {
	return append([]*Session(nil), i.sessions...)
}

// Stop 取消所有重连定时器，对已登录会话发送 Logout 后断开.
func (i *Initiator) Stop(ctx context.Context) error {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return nil
	}
	i.stopped = true
	for id, t := range i.timers {
		t.Stop()
		delete(i.timers, id)
	}
	cancel := i.cancel
	i.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	stopSessions(ctx, i.sessions, i.opts.logger)
	return waitGroupDone(ctx, i.wg.Wait)
}
