package fix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wyfcoding/fixengine/async"
	"github.com/wyfcoding/fixengine/fsm"
	"github.com/wyfcoding/fixengine/idgen"
)

var (
	// ErrSeqNumTooLow 序列号过低.
	ErrSeqNumTooLow = errors.New("seq num too low")
	// ErrSeqNumGap 序列号存在间隔.
	ErrSeqNumGap = errors.New("seq num gap detected")
	// ErrNotConnected 会话未绑定连接.
	ErrNotConnected = errors.New("session not connected")
	// ErrAlreadyConnected 会话已绑定了一个存活连接.
	ErrAlreadyConnected = errors.New("session already connected")
)

// SendingTimeFormat 是 SendingTime(52) 的 UTC 格式.
const SendingTimeFormat = "20060102-15:04:05.000"

// 输入缓冲区在没有任何完整报文时允许的最大长度.
const maxBufferSize = 1 << 20

// State 会话所处的连接状态.
type State string

const (
	StateUnconnected State = "unconnected"
	StateConnected   State = "connected"
	StateLoggedOn    State = "logged_on"
)

func (s State) ordinal() int {
	switch s {
	case StateConnected:
		return 1
	case StateLoggedOn:
		return 2
	default:
		return 0
	}
}

type stateEvent string

const (
	evConnect    stateEvent = "connect"
	evLogon      stateEvent = "logon"
	evLogout     stateEvent = "logout"
	evDisconnect stateEvent = "disconnect"
)

// EventKind 会话事件类型.
type EventKind string

const (
	EventLogon      EventKind = "logon"
	EventLogout     EventKind = "logout"
	EventMessage    EventKind = "message"
	EventDisconnect EventKind = "disconnect"
)

// Event 会话向订阅者发出的通知，Message 仅在 EventMessage 时非空.
type Event struct {
	Message   *Message
	Kind      EventKind
	SessionID SessionID
}

// Option 配置 Session.
type Option func(*Session)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDictionary 设置解析与校验使用的数据字典.
func WithDictionary(dict Dictionary) Option {
	return func(s *Session) { s.dict = dict }
}

// WithSessionMetrics 设置共享的会话指标.
func WithSessionMetrics(m *SessionMetrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithIDGenerator 设置 TestReqID 生成器.
func WithIDGenerator(g idgen.Generator) Option {
	return func(s *Session) {
		if g != nil {
			s.ids = g
		}
	}
}

// WithClock 替换时间源，心跳判定与 SendingTime 均使用它.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// Session 维护一个对手方的 FIX 会话.
// 序列号保存在 Store 中；连接、心跳与测试请求定时器只在一次连接期间有效.
type Session struct {
	id       SessionID
	key      string
	settings SessionSettings
	store    Store
	log      Log
	app      Application
	dict     Dictionary
	logger   *slog.Logger
	metrics  *SessionMetrics
	ids      idgen.Generator
	now      func() time.Time
	state    *fsm.Machine[State, stateEvent]

	// mu 串行化入站处理与心跳检查.
	mu  sync.Mutex
	buf []byte

	// sendMu 串行化出站序列号分配与重发.
	sendMu sync.Mutex

	// connMu 保护连接、定时器与状态流转.
	connMu        sync.Mutex
	conn          net.Conn
	heartbeatStop chan struct{}
	testReqTimer  *time.Timer
	testReqID     string
	logonSent     bool
	logoutSent    bool

	lastSent     atomic.Int64
	lastReceived atomic.Int64

	listenersMu sync.RWMutex
	listeners   []func(Event)
}

// NewSession 创建会话. log 与 app 可为 nil.
func NewSession(settings SessionSettings, store Store, log Log, app Application, opts ...Option) *Session {
	settings = settings.WithDefaults()
	if log == nil {
		log = nopLog{}
	}
	if app == nil {
		app = NopApplication{}
	}
	s := &Session{
		id:       settings.ID,
		key:      settings.ID.String(),
		settings: settings,
		store:    store,
		log:      log,
		app:      app,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ids == nil {
		s.ids = idgen.Default()
	}
	s.logger = s.logger.With("session", s.key)

	s.state = fsm.NewMachine(StateUnconnected, fsm.WithLogger[State, stateEvent](s.logger))
	s.state.AddTransition(StateUnconnected, evConnect, StateConnected)
	s.state.AddTransition(StateConnected, evLogon, StateLoggedOn)
	s.state.AddTransition(StateLoggedOn, evLogout, StateConnected)
	s.state.AddTransitionFrom([]State{StateUnconnected, StateConnected, StateLoggedOn}, evDisconnect, StateUnconnected)
	s.state.OnTransition(func(_, to State, _ stateEvent) {
		s.metrics.state(s.key, to)
	})
	s.metrics.state(s.key, StateUnconnected)

	now := s.now().UnixNano()
	s.lastSent.Store(now)
	s.lastReceived.Store(now)
	return s
}

func (s *Session) ID() SessionID { return s.id }

func (s *Session) Settings() SessionSettings { return s.settings }

func (s *Session) State() State { return s.state.Current() }

func (s *Session) Connected() bool { return !s.state.Is(StateUnconnected) }

func (s *Session) LoggedOn() bool { return s.state.Is(StateLoggedOn) }

// Initialize 执行 Store 与 Log 的可选初始化钩子.
func (s *Session) Initialize(ctx context.Context) error {
	if i, ok := s.store.(Initializer); ok {
		if err := i.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize store for %s: %w", s.key, err)
		}
	}
	if i, ok := s.log.(Initializer); ok {
		if err := i.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize log for %s: %w", s.key, err)
		}
	}
	return nil
}

// Subscribe 注册事件监听器，事件按发出顺序同步投递.
func (s *Session) Subscribe(fn func(Event)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Session) emit(e Event) {
	e.SessionID = s.id
	s.listenersMu.RLock()
	listeners := s.listeners
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		s.callback("listener", func() error { fn(e); return nil })
	}
}

// SeqNums 返回下一个发送序列号与下一个期望接收序列号.
func (s *Session) SeqNums(ctx context.Context) (sender, target int, err error) {
	if sender, err = s.store.NextSenderMsgSeqNum(ctx); err != nil {
		return 0, 0, err
	}
	if target, err = s.store.NextTargetMsgSeqNum(ctx); err != nil {
		return 0, 0, err
	}
	return sender, target, nil
}

// SetConnection 将连接绑定到会话. 已绑定存活连接时返回 ErrAlreadyConnected.
func (s *Session) SetConnection(conn net.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return ErrAlreadyConnected
	}
	if err := s.state.Trigger(context.Background(), evConnect); err != nil {
		return err
	}
	s.conn = conn
	s.buf = nil
	s.logonSent = false
	s.logoutSent = false
	now := s.now().UnixNano()
	s.lastSent.Store(now)
	s.lastReceived.Store(now)
	s.event("Connected to " + conn.RemoteAddr().String())
	return nil
}

// Logon 发送 Logon.
func (s *Session) Logon(ctx context.Context) error {
	s.connMu.Lock()
	s.logonSent = true
	s.connMu.Unlock()
	return s.send(ctx, NewLogon(s.id, s.settings.HeartBtInt()), true)
}

// Logout 发送 Logout 并离开 LoggedOn，连接保持到对端确认或断开.
func (s *Session) Logout(ctx context.Context, text string) error {
	s.connMu.Lock()
	s.logoutSent = true
	s.connMu.Unlock()
	if err := s.send(ctx, NewLogout(s.id, text), true); err != nil {
		return err
	}
	s.leaveLoggedOn()
	return nil
}

// Send 发送业务消息，缺失的 BeginString/SenderCompID/TargetCompID 由会话补齐.
func (s *Session) Send(ctx context.Context, m *Message) error {
	if m.BeginString() == "" {
		m.SetBeginString(s.id.BeginString)
	}
	if m.SenderCompID() == "" {
		m.SetSenderCompID(s.id.SenderCompID)
	}
	if m.TargetCompID() == "" {
		m.SetTargetCompID(s.id.TargetCompID)
	}
	return s.send(ctx, m, IsAdminMsgType(m.MsgType()))
}

// Reset 重置 Store 中的序列号与报文.
func (s *Session) Reset(ctx context.Context) error {
	if err := s.store.Reset(ctx); err != nil {
		return fmt.Errorf("reset store for %s: %w", s.key, err)
	}
	s.event("Session reset")
	return nil
}

// Close 断开连接并关闭实现了 io.Closer 的 Store 与 Log.
func (s *Session) Close() error {
	s.Disconnect()
	var errs []error
	if c, ok := s.store.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := s.log.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Disconnect 停止所有定时器、关闭连接并回到 Unconnected. 可重复调用.
func (s *Session) Disconnect() {
	s.connMu.Lock()
	conn := s.conn
	if conn == nil && s.state.Is(StateUnconnected) {
		s.connMu.Unlock()
		return
	}
	s.conn = nil
	s.logonSent = false
	s.logoutSent = false
	s.stopHeartbeatLocked()
	if err := s.state.Trigger(context.Background(), evDisconnect); err != nil {
		s.logger.Error("disconnect transition failed", "error", err)
	}
	s.connMu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.metrics.disconnect(s.key)
	s.event("Disconnected")
	s.emit(Event{Kind: EventDisconnect})
}

// Detach 在连接读循环结束时调用，仅当 conn 仍是当前连接时才断开会话.
func (s *Session) Detach(conn net.Conn) {
	s.connMu.Lock()
	current := s.conn == conn
	s.connMu.Unlock()
	if current {
		s.Disconnect()
	}
}

// OnData 追加收到的字节，按顺序逐条处理其中完整的报文.
func (s *Session) OnData(ctx context.Context, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, data...)
	frames, consumed := ExtractRawMessages(s.buf)
	if consumed > 0 {
		// frames 仍引用旧的底层数组，这里必须复制而不是原地移动.
		s.buf = append([]byte(nil), s.buf[consumed:]...)
	} else if len(s.buf) > maxBufferSize {
		s.event(fmt.Sprintf("Discarding %d unframed bytes", len(s.buf)))
		s.buf = nil
	}

	for _, raw := range frames {
		s.processMessage(ctx, raw)
	}
}

func (s *Session) processMessage(ctx context.Context, raw []byte) {
	// 单条报文处理中的 panic 只记录为事件，批内后续报文继续处理.
	defer func() {
		if rec := recover(); rec != nil {
			s.errorEvent("Error processing message", fmt.Errorf("panic: %v", rec))
		}
	}()

	s.log.OnIncoming(raw)
	s.metrics.message(s.key, DirectionIn)
	s.lastReceived.Store(s.now().UnixNano())

	msg, err := Parse(raw, s.dict)
	if err != nil {
		s.errorEvent("Error processing message", err)
		return
	}
	if problems := Validate(msg, s.dict); len(problems) > 0 {
		s.event(fmt.Sprintf("Validation warnings for %s: %v", msg.MsgType(), problems))
	}

	seq, err := msg.MsgSeqNum()
	if err != nil {
		s.errorEvent("Error processing message", err)
		return
	}
	expected, err := s.store.NextTargetMsgSeqNum(ctx)
	if err != nil {
		s.errorEvent("Error processing message", err)
		return
	}

	switch {
	case seq > expected:
		s.event(fmt.Sprintf("Gap detected: expected %d, got %d", expected, seq))
		s.logger.WarnContext(ctx, "inbound sequence gap",
			"error", fmt.Errorf("%w: got %d, want %d", ErrSeqNumGap, seq, expected))
		s.metrics.gap(s.key)
		if err := s.send(ctx, NewResendRequest(s.id, expected, seq-1), true); err != nil {
			s.errorEvent("Error sending ResendRequest", err)
		}
		return
	case seq < expected:
		s.event(fmt.Sprintf("Duplicate message: expected %d, got %d", expected, seq))
		s.logger.DebugContext(ctx, "inbound duplicate discarded",
			"error", fmt.Errorf("%w: got %d, want %d", ErrSeqNumTooLow, seq, expected))
		return
	}

	if err := s.store.IncrNextTargetMsgSeqNum(ctx); err != nil {
		s.errorEvent("Error processing message", err)
		return
	}

	if IsAdminMsgType(msg.MsgType()) {
		s.handleAdmin(ctx, msg)
		return
	}
	s.callback("fromApp", func() error { return s.app.FromApp(msg, s.id) })
	s.emit(Event{Kind: EventMessage, Message: msg})
}

func (s *Session) handleAdmin(ctx context.Context, msg *Message) {
	s.callback("fromAdmin", func() error { return s.app.FromAdmin(msg, s.id) })

	var err error
	switch msg.MsgType() {
	case MsgTypeLogon:
		err = s.handleLogon(ctx)
	case MsgTypeLogout:
		err = s.handleLogout(ctx)
	case MsgTypeHeartbeat:
		if id := msg.Get(TagTestReqID); id != "" {
			s.connMu.Lock()
			if id == s.testReqID {
				s.clearTestRequestLocked()
			}
			s.connMu.Unlock()
		}
	case MsgTypeTestRequest:
		err = s.send(ctx, NewHeartbeat(s.id, msg.Get(TagTestReqID)), true)
	case MsgTypeResendRequest:
		err = s.handleResendRequest(ctx, msg)
	case MsgTypeSequenceReset:
		err = s.handleSequenceReset(ctx, msg)
	}
	if err != nil {
		s.errorEvent("Error handling "+msg.MsgType(), err)
	}
}

func (s *Session) handleLogon(ctx context.Context) error {
	s.event("Logon received")
	if s.LoggedOn() {
		return nil
	}

	// 对端先发起登录时回复 Logon.
	s.connMu.Lock()
	reply := !s.logonSent
	s.connMu.Unlock()
	if reply {
		if err := s.Logon(ctx); err != nil {
			return err
		}
	}

	s.connMu.Lock()
	err := s.state.Trigger(ctx, evLogon)
	s.connMu.Unlock()
	if err != nil {
		return err
	}

	s.callback("onLogon", func() error { s.app.OnLogon(s.id); return nil })
	s.startHeartbeat()
	s.logger.InfoContext(ctx, "session logged on")
	s.emit(Event{Kind: EventLogon})
	return nil
}

func (s *Session) handleLogout(ctx context.Context) error {
	s.event("Logout received")

	s.connMu.Lock()
	reply := !s.logoutSent
	s.logoutSent = true
	s.connMu.Unlock()
	var err error
	if reply && s.Connected() {
		err = s.send(ctx, NewLogout(s.id, ""), true)
	}

	s.leaveLoggedOn()
	s.callback("onLogout", func() error { s.app.OnLogout(s.id); return nil })
	s.logger.InfoContext(ctx, "session logged out")
	s.emit(Event{Kind: EventLogout})
	return err
}

func (s *Session) leaveLoggedOn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.state.Is(StateLoggedOn) {
		_ = s.state.Trigger(context.Background(), evLogout)
	}
	s.stopHeartbeatLocked()
}

func (s *Session) handleResendRequest(ctx context.Context, msg *Message) error {
	begin, err := msg.Body.GetInt(TagBeginSeqNo)
	if err != nil {
		return err
	}
	end, err := msg.Body.GetInt(TagEndSeqNo)
	if err != nil {
		return err
	}
	s.event(fmt.Sprintf("Resend request: %d to %d", begin, end))
	s.metrics.resend(s.key)

	stored, err := s.store.GetMessages(ctx, begin, end)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	for _, m := range stored {
		if err := s.write(m.Raw); err != nil {
			return err
		}
		s.log.OnOutgoing(m.Raw)
		s.metrics.message(s.key, DirectionOut)
	}
	if len(stored) > 0 {
		s.lastSent.Store(s.now().UnixNano())
	}
	return nil
}

func (s *Session) handleSequenceReset(ctx context.Context, msg *Message) error {
	newSeq, err := msg.Body.GetInt(TagNewSeqNo)
	if err != nil {
		return err
	}
	s.event(fmt.Sprintf("Sequence reset to %d", newSeq))
	return s.store.SetNextTargetMsgSeqNum(ctx, newSeq)
}

// send 是所有出站报文的唯一路径.
func (s *Session) send(ctx context.Context, m *Message, admin bool) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	seq, err := s.store.NextSenderMsgSeqNum(ctx)
	if err != nil {
		return fmt.Errorf("next sender seq: %w", err)
	}
	m.SetMsgSeqNum(seq)
	m.Header.SetField(TagSendingTime, s.now().UTC().Format(SendingTimeFormat))

	if admin {
		s.callback("toAdmin", func() error { return s.app.ToAdmin(m, s.id) })
	} else {
		s.callback("toApp", func() error { return s.app.ToApp(m, s.id) })
	}

	raw := Encode(m)
	s.log.OnOutgoing(raw)
	s.metrics.message(s.key, DirectionOut)

	writeErr := s.write(raw)
	if writeErr != nil && !errors.Is(writeErr, ErrNotConnected) {
		s.errorEvent("Error writing message", writeErr)
	}

	if err := s.store.IncrNextSenderMsgSeqNum(ctx); err != nil {
		return fmt.Errorf("incr sender seq: %w", err)
	}
	if err := s.store.SaveMessage(ctx, seq, raw); err != nil {
		return fmt.Errorf("save message %d: %w", seq, err)
	}
	s.lastSent.Store(s.now().UnixNano())

	if writeErr != nil && !errors.Is(writeErr, ErrNotConnected) {
		s.Disconnect()
	}
	return nil
}

func (s *Session) write(raw []byte) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	_, err := conn.Write(raw)
	return err
}

func (s *Session) startHeartbeat() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.stopHeartbeatLocked()

	interval := s.settings.HeartbeatInterval
	stop := make(chan struct{})
	s.heartbeatStop = stop
	async.SafeGo(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.checkHeartbeat(context.Background())
			}
		}
	})
}

func (s *Session) stopHeartbeatLocked() {
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
	s.clearTestRequestLocked()
}

func (s *Session) clearTestRequestLocked() {
	if s.testReqTimer != nil {
		s.testReqTimer.Stop()
		s.testReqTimer = nil
	}
	s.testReqID = ""
}

// checkHeartbeat 在每个心跳周期执行一次.
func (s *Session) checkHeartbeat(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.LoggedOn() {
		return
	}

	now := s.now()
	interval := s.settings.HeartbeatInterval
	if now.Sub(time.Unix(0, s.lastSent.Load())) >= interval {
		if err := s.send(ctx, NewHeartbeat(s.id, ""), true); err != nil {
			s.errorEvent("Error sending Heartbeat", err)
		}
	}

	if now.Sub(time.Unix(0, s.lastReceived.Load())) < interval*3/2 {
		return
	}
	s.connMu.Lock()
	outstanding := s.testReqID != ""
	s.connMu.Unlock()
	if outstanding {
		s.event("No response to test request - disconnecting")
		s.Disconnect()
		return
	}
	s.sendTestRequest(ctx)
}

func (s *Session) sendTestRequest(ctx context.Context) {
	id := "TEST_" + strconv.FormatInt(s.ids.Generate(), 10)
	if err := s.send(ctx, NewTestRequest(s.id, id), true); err != nil {
		s.errorEvent("Error sending TestRequest", err)
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return
	}
	s.testReqID = id
	var t *time.Timer
	t = time.AfterFunc(s.settings.HeartbeatInterval, func() {
		s.onTestRequestTimeout(t)
	})
	s.testReqTimer = t
}

func (s *Session) onTestRequestTimeout(t *time.Timer) {
	s.connMu.Lock()
	if s.testReqTimer != t {
		s.connMu.Unlock()
		return
	}
	s.testReqTimer = nil
	s.testReqID = ""
	s.connMu.Unlock()

	s.event("Test request timeout - disconnecting")
	s.Disconnect()
}

// callback 执行业务回调，错误与 panic 只记录为事件.
func (s *Session) callback(name string, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.errorEvent("Error in "+name+" callback", fmt.Errorf("panic: %v", rec))
		}
	}()
	if err := fn(); err != nil {
		s.errorEvent("Error in "+name+" callback", err)
	}
}

func (s *Session) event(text string) {
	s.log.OnEvent(text)
}

func (s *Session) errorEvent(text string, err error) {
	s.log.OnEvent(text + ": " + err.Error())
	s.logger.Warn(text, "error", err)
}

type nopLog struct{}

func (nopLog) OnIncoming([]byte) {}
func (nopLog) OnOutgoing([]byte) {}
func (nopLog) OnEvent(string)    {}
