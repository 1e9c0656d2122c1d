package fix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

var (
	// ErrNoAcceptorSessions 没有配置 acceptor 角色的会话.
	ErrNoAcceptorSessions = errors.New("no acceptor sessions configured")
	// ErrUnknownSession 入站连接报出的身份没有对应的会话.
	ErrUnknownSession = errors.New("unknown session")
)

// 身份识别阶段最多缓冲的字节数.
const maxIdentifyBytes = 8192

// Acceptor 监听入站连接，按对端报出的身份绑定到预先配置的会话.
type Acceptor struct {
	opts     *managerOptions
	sessions []*Session
	// byRemote 以对端视角（不含 Qualifier）索引会话.
	byRemote map[SessionID]*Session
	addr     string

	mu       sync.Mutex
	listener net.Listener
	pending  map[net.Conn]struct{}
	stopped  bool
	cancel   context.CancelFunc
	wg       conc.WaitGroup
}

// NewAcceptor 为所有 acceptor 角色的配置创建会话.
func NewAcceptor(app Application, storeFactory StoreFactory, logFactory LogFactory,
	settings []SessionSettings, opts ...ManagerOption,
) (*Acceptor, error) {
	o := newManagerOptions(opts)
	sessions, err := createSessions(RoleAcceptor, settings, app, storeFactory, logFactory, o)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrNoAcceptorSessions
	}

	a := &Acceptor{
		opts:     o,
		sessions: sessions,
		byRemote: make(map[SessionID]*Session, len(sessions)),
		addr:     sessions[0].settings.AcceptAddr(),
		pending:  make(map[net.Conn]struct{}),
	}
	for _, s := range sessions {
		key := remoteKey(s.id)
		if _, ok := a.byRemote[key]; ok {
			return nil, fmt.Errorf("%w: %s collides on the wire", ErrDuplicateSession, s.id)
		}
		a.byRemote[key] = s
	}
	return a, nil
}

// remoteKey 返回对端发送时使用的 (8, 49, 56).
func remoteKey(id SessionID) SessionID {
	r := id.Reverse()
	r.Qualifier = ""
	return r
}

// Start 初始化会话并开始监听，监听地址取第一个 acceptor 会话的配置.
func (a *Acceptor) Start(ctx context.Context) error {
	if err := initializeSessions(ctx, a.sessions); err != nil {
		return err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.addr, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.mu.Lock()
	a.listener = ln
	a.cancel = cancel
	a.mu.Unlock()

	a.opts.logger.InfoContext(ctx, "fix acceptor listening", "addr", ln.Addr().String(), "sessions", len(a.sessions))
	a.wg.Go(func() { a.acceptLoop(runCtx, ln) })
	return nil
}

// Addr 返回实际监听地址，未启动时为 nil.
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

func (a *Acceptor) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || a.isStopped() {
				return
			}
			a.opts.logger.Warn("accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		remote := conn.RemoteAddr().String()
		if a.opts.rateLimiter != nil {
			host, _, _ := net.SplitHostPort(remote)
			if ok, _ := a.opts.rateLimiter.Allow(ctx, host); !ok {
				a.opts.logger.Warn("inbound connection rate limited", "remote", remote)
				_ = conn.Close()
				continue
			}
		}
		if a.opts.connLimiter != nil && !a.opts.connLimiter.TryAcquire() {
			a.opts.logger.Warn("inbound connection limit reached", "remote", remote)
			_ = conn.Close()
			continue
		}

		if !a.track(conn) {
			_ = conn.Close()
			a.releaseConn()
			return
		}
		a.wg.Go(func() {
			defer a.releaseConn()
			a.handleConn(ctx, conn)
		})
	}
}

func (a *Acceptor) releaseConn() {
	if a.opts.connLimiter != nil {
		a.opts.connLimiter.Release()
	}
}

func (a *Acceptor) track(conn net.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return false
	}
	a.pending[conn] = struct{}{}
	return true
}

func (a *Acceptor) untrack(conn net.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, conn)
}

func (a *Acceptor) isStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

// handleConn 缓冲字节直到能读出 8/49/56，然后把连接交给对应会话.
func (a *Acceptor) handleConn(ctx context.Context, conn net.Conn) {
	logger := a.opts.logger.With("remote", conn.RemoteAddr().String())
	if a.opts.identifyTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(a.opts.identifyTimeout))
	}

	var pending []byte
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			if id, ok := identify(pending); ok {
				a.untrack(conn)
				a.bind(ctx, conn, id, pending)
				return
			}
			if len(pending) > maxIdentifyBytes {
				logger.Warn("no session identity in inbound stream, closing")
				break
			}
		}
		if err != nil {
			logger.Debug("inbound connection closed before identification", "error", err)
			break
		}
	}
	a.untrack(conn)
	_ = conn.Close()
}

func (a *Acceptor) bind(ctx context.Context, conn net.Conn, remote SessionID, initial []byte) {
	s, ok := a.byRemote[remote]
	if !ok {
		a.opts.logger.Warn("rejecting inbound connection",
			"remote", conn.RemoteAddr().String(),
			"error", fmt.Errorf("%w: %s", ErrUnknownSession, remote.Reverse()))
		_ = conn.Close()
		return
	}
	if err := s.SetConnection(conn); err != nil {
		a.opts.logger.Warn("rejecting inbound connection",
			"session", s.key, "remote", conn.RemoteAddr().String(), "error", err)
		_ = conn.Close()
		return
	}
	if a.isStopped() {
		s.Disconnect()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	s.OnData(ctx, initial)
	readLoop(ctx, s, conn, a.opts.logger)
}

// identify 从尚不完整的字节流中读出对端的 BeginString、SenderCompID 与 TargetCompID.
func identify(buf []byte) (SessionID, bool) {
	var id SessionID
	for len(buf) > 0 {
		end := bytes.IndexByte(buf, soh)
		if end < 0 {
			break
		}
		field := buf[:end]
		buf = buf[end+1:]

		eq := bytes.IndexByte(field, '=')
		if eq <= 0 {
			continue
		}
		tag, ok := parseTag(field[:eq])
		if !ok {
			continue
		}
		switch tag {
		case TagBeginString:
			id.BeginString = string(field[eq+1:])
		case TagSenderCompID:
			id.SenderCompID = string(field[eq+1:])
		case TagTargetCompID:
			id.TargetCompID = string(field[eq+1:])
		case TagCheckSum:
			return SessionID{}, false
		}
		if id.BeginString != "" && id.SenderCompID != "" && id.TargetCompID != "" {
			return id, true
		}
	}
	return SessionID{}, false
}

// Session 按 SessionID 查找会话.
func (a *Acceptor) Session(id SessionID) (*Session, bool) {
	for _, s := range a.sessions {
		if s.id == id {
			return s, true
		}
	}
	return nil, false
}

func (a *Acceptor) Sessions() []*Session {
	return append([]*Session(nil), a.sessions...)
}

// Stop 关闭监听、对已登录会话发送 Logout 并断开所有连接.
func (a *Acceptor) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	ln := a.listener
	cancel := a.cancel
	pending := make([]net.Conn, 0, len(a.pending))
	for c := range a.pending {
		pending = append(pending, c)
	}
	a.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range pending {
		_ = c.Close()
	}
	if cancel != nil {
		cancel()
	}
	stopSessions(ctx, a.sessions, a.opts.logger)
	return waitGroupDone(ctx, a.wg.Wait)
}
