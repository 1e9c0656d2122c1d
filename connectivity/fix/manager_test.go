package fix_test

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/fixengine/connectivity/fix"
	"github.com/wyfcoding/fixengine/connectivity/fix/store"
	"github.com/wyfcoding/fixengine/limiter"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// frameReader 从连接中按序读出完整报文.
type frameReader struct {
	conn  net.Conn
	buf   []byte
	queue []*fix.Message
}

func newFrameReader(conn net.Conn) *frameReader {
	return &frameReader{conn: conn}
}

func (r *frameReader) Next(t *testing.T) *fix.Message {
	t.Helper()
	require.NoError(t, r.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	chunk := make([]byte, 4096)
	for len(r.queue) == 0 {
		n, err := r.conn.Read(chunk)
		require.NoError(t, err)
		r.buf = append(r.buf, chunk[:n]...)

		frames, consumed := fix.ExtractRawMessages(r.buf)
		for _, f := range frames {
			m, err := fix.Parse(f, nil)
			require.NoError(t, err)
			r.queue = append(r.queue, m)
		}
		r.buf = append([]byte(nil), r.buf[consumed:]...)
	}
	m := r.queue[0]
	r.queue = r.queue[1:]
	return m
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 1024)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			require.False(t, errors.As(err, &ne) && ne.Timeout(), "connection was not closed")
			return
		}
	}
}

func clientLogon(seq int) []byte {
	m := fix.NewLogon(remoteID, 30)
	m.SetMsgSeqNum(seq)
	m.Header.SetField(fix.TagSendingTime, time.Now().UTC().Format(fix.SendingTimeFormat))
	return fix.Encode(m)
}

type createApp struct {
	fix.NopApplication
	mu      sync.Mutex
	created []fix.SessionID
}

func (a *createApp) OnCreate(id fix.SessionID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created = append(a.created, id)
}

func startAcceptor(t *testing.T, opts ...fix.ManagerOption) (*fix.Acceptor, *fix.Session, *createApp) {
	t.Helper()
	settings := fix.DefaultSettings(localID)
	settings.ConnectionType = fix.RoleAcceptor
	settings.AcceptHost = "127.0.0.1"
	settings.AcceptPort = freePort(t)

	other := fix.DefaultSettings(fix.SessionID{BeginString: "FIX.4.4", SenderCompID: "X", TargetCompID: "Y"})

	app := &createApp{}
	a, err := fix.NewAcceptor(app, store.MemoryStoreFactory{}, nil, []fix.SessionSettings{settings, other}, opts...)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	s, ok := a.Session(localID)
	require.True(t, ok)
	return a, s, app
}

func TestAcceptorBindsKnownIdentity(t *testing.T) {
	reg := fix.NewRegistry()
	a, s, app := startAcceptor(t, fix.WithRegistry(reg))
	assert.Equal(t, []fix.SessionID{localID}, app.created)
	assert.Len(t, a.Sessions(), 1)
	assert.Equal(t, 1, reg.Len())

	conn, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(clientLogon(1))
	require.NoError(t, err)

	reader := newFrameReader(conn)
	reply := reader.Next(t)
	assert.Equal(t, fix.MsgTypeLogon, reply.MsgType())
	assert.Equal(t, "SERVER", reply.SenderCompID())
	assert.Equal(t, "CLIENT", reply.TargetCompID())
	require.Eventually(t, s.LoggedOn, 2*time.Second, 10*time.Millisecond)

	// 同一身份的第二条连接被拒绝.
	dup, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	defer dup.Close()
	_, err = dup.Write(clientLogon(2))
	require.NoError(t, err)
	expectClosed(t, dup)
	assert.True(t, s.LoggedOn())

	// 停止时对已登录会话发送 Logout.
	require.NoError(t, a.Stop(context.Background()))
	logout := reader.Next(t)
	assert.Equal(t, fix.MsgTypeLogout, logout.MsgType())
	assert.False(t, s.Connected())
}

func TestAcceptorRejectsUnknownIdentity(t *testing.T) {
	a, s, _ := startAcceptor(t)

	conn, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	m := fix.NewLogon(fix.SessionID{BeginString: "FIX.4.2", SenderCompID: "STRANGER", TargetCompID: "SERVER"}, 30)
	m.SetMsgSeqNum(1)
	_, err = conn.Write(fix.Encode(m))
	require.NoError(t, err)

	expectClosed(t, conn)
	assert.False(t, s.Connected())
}

func TestAcceptorDisconnectsWhenPeerCloses(t *testing.T) {
	a, s, _ := startAcceptor(t)

	conn, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write(clientLogon(1))
	require.NoError(t, err)
	_ = newFrameReader(conn).Next(t)
	require.Eventually(t, s.LoggedOn, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return !s.Connected() }, 2*time.Second, 10*time.Millisecond)

	// 会话可以重新接受连接.
	conn2, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	defer conn2.Close()
	_, err = conn2.Write(clientLogon(2))
	require.NoError(t, err)
	reply := newFrameReader(conn2).Next(t)
	assert.Equal(t, fix.MsgTypeLogon, reply.MsgType())
}

func TestAcceptorMaxConnections(t *testing.T) {
	a, _, _ := startAcceptor(t, fix.WithMaxConnections(limiter.NewConnCap(1)))

	first, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	_, err = first.Write(clientLogon(1))
	require.NoError(t, err)
	_ = newFrameReader(first).Next(t)

	second, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	defer second.Close()
	expectClosed(t, second)
}

func TestAcceptorIdentifyTimeout(t *testing.T) {
	a, _, _ := startAcceptor(t, fix.WithIdentifyTimeout(100*time.Millisecond))

	conn, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("8=FIX.4.2\x01"))
	require.NoError(t, err)
	expectClosed(t, conn)
}

func TestNewAcceptorRequiresSessions(t *testing.T) {
	_, err := fix.NewAcceptor(nil, store.MemoryStoreFactory{}, nil,
		[]fix.SessionSettings{fix.DefaultSettings(localID)})
	require.ErrorIs(t, err, fix.ErrNoAcceptorSessions)

	s := fix.DefaultSettings(localID)
	s.ConnectionType = fix.RoleAcceptor
	_, err = fix.NewAcceptor(nil, store.MemoryStoreFactory{}, nil, []fix.SessionSettings{s, s})
	require.ErrorIs(t, err, fix.ErrDuplicateSession)

	q := s
	q.ID.Qualifier = "second"
	_, err = fix.NewAcceptor(nil, store.MemoryStoreFactory{}, nil, []fix.SessionSettings{s, q})
	require.ErrorIs(t, err, fix.ErrDuplicateSession)
}

func startInitiator(t *testing.T, port int, mutate ...func(*fix.SessionSettings)) (*fix.Initiator, *fix.Session) {
	t.Helper()
	settings := fix.DefaultSettings(remoteID)
	settings.ConnectHost = "127.0.0.1"
	settings.ConnectPort = port
	settings.ReconnectInterval = 50 * time.Millisecond
	for _, fn := range mutate {
		fn(&settings)
	}

	i, err := fix.NewInitiator(nil, store.MemoryStoreFactory{}, nil, []fix.SessionSettings{settings})
	require.NoError(t, err)
	require.NoError(t, i.Start(context.Background()))
	t.Cleanup(func() { _ = i.Stop(context.Background()) })

	s, ok := i.Session(remoteID)
	require.True(t, ok)
	return i, s
}

func acceptWithin(t *testing.T, ln *net.TCPListener, d time.Duration) (net.Conn, error) {
	t.Helper()
	require.NoError(t, ln.SetDeadline(time.Now().Add(d)))
	return ln.Accept()
}

func TestInitiatorReconnectsOncePerDisconnect(t *testing.T) {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer ln.Close()

	i, s := startInitiator(t, ln.Addr().(*net.TCPAddr).Port)
	assert.True(t, i.Started())
	assert.Equal(t, remoteID, s.ID())

	first, err := acceptWithin(t, ln, 3*time.Second)
	require.NoError(t, err)
	logon := newFrameReader(first).Next(t)
	assert.Equal(t, fix.MsgTypeLogon, logon.MsgType())
	assert.Equal(t, "CLIENT", logon.SenderCompID())
	seq, err := logon.MsgSeqNum()
	require.NoError(t, err)
	assert.Equal(t, 1, seq)

	require.NoError(t, first.Close())
	assert.LessOrEqual(t, i.PendingReconnects(), 1)

	second, err := acceptWithin(t, ln, 3*time.Second)
	require.NoError(t, err)
	defer second.Close()
	logon = newFrameReader(second).Next(t)
	seq, err = logon.MsgSeqNum()
	require.NoError(t, err)
	assert.Equal(t, 2, seq)

	// 连接保持期间不会再有重连.
	_, err = acceptWithin(t, ln, 300*time.Millisecond)
	require.Error(t, err)
	assert.Zero(t, i.PendingReconnects())
}

func TestInitiatorResetOnLogon(t *testing.T) {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer ln.Close()

	_, _ = startInitiator(t, ln.Addr().(*net.TCPAddr).Port, func(s *fix.SessionSettings) {
		s.ResetOnLogon = true
	})

	for range 2 {
		conn, err := acceptWithin(t, ln, 3*time.Second)
		require.NoError(t, err)
		logon := newFrameReader(conn).Next(t)
		seq, err := logon.MsgSeqNum()
		require.NoError(t, err)
		assert.Equal(t, 1, seq)
		require.NoError(t, conn.Close())
	}
}

func TestInitiatorDialFailureKeepsSingleTimer(t *testing.T) {
	i, s := startInitiator(t, freePort(t), func(s *fix.SessionSettings) {
		s.ReconnectInterval = 20 * time.Millisecond
	})

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		assert.LessOrEqual(t, i.PendingReconnects(), 1)
		time.Sleep(5 * time.Millisecond)
	}
	assert.False(t, s.Connected())

	require.NoError(t, i.Stop(context.Background()))
	assert.Zero(t, i.PendingReconnects())
}

func TestInitiatorSkipsAcceptorSettings(t *testing.T) {
	acc := fix.DefaultSettings(localID)
	acc.ConnectionType = fix.RoleAcceptor
	i, err := fix.NewInitiator(nil, store.MemoryStoreFactory{}, nil, []fix.SessionSettings{acc})
	require.NoError(t, err)
	assert.Empty(t, i.Sessions())
}

func TestInitiatorStopDuringDial(t *testing.T) {
	settings := fix.DefaultSettings(remoteID)
	i, err := fix.NewInitiator(nil, store.MemoryStoreFactory{}, nil, []fix.SessionSettings{settings})
	require.NoError(t, err)

	dialing := make(chan struct{})
	peers := make(chan net.Conn, 1)
	i.SetDialFunc(func(ctx context.Context, _, _ string) (net.Conn, error) {
		close(dialing)
		// 拨号在 Stop 开始之后才完成.
		<-ctx.Done()
		local, peer := net.Pipe()
		peers <- peer
		return local, nil
	})
	require.NoError(t, i.Start(context.Background()))

	select {
	case <-dialing:
	case <-time.After(3 * time.Second):
		t.Fatal("dial was not attempted")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, i.Stop(ctx))

	s, ok := i.Session(remoteID)
	require.True(t, ok)
	assert.False(t, s.Connected())
	assert.False(t, s.LoggedOn())
	assert.Zero(t, i.PendingReconnects())

	peer := <-peers
	defer peer.Close()
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := peer.Read(make([]byte, 256))
	assert.Zero(t, n, "no Logon may be sent after Stop")
	assert.ErrorIs(t, err, io.EOF)
}
