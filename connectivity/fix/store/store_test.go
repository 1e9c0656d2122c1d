package store_test

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/fixengine/config"
	"github.com/wyfcoding/fixengine/connectivity/fix"
	"github.com/wyfcoding/fixengine/connectivity/fix/store"
	"github.com/wyfcoding/fixengine/database"
	"github.com/wyfcoding/fixengine/logging"
)

var testID = fix.SessionID{BeginString: "FIX.4.2", SenderCompID: "A", TargetCompID: "B"}

func newRedisFactory(t *testing.T) store.RedisStoreFactory {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return store.RedisStoreFactory{Client: client, Prefix: "test"}
}

func openSQLite(t *testing.T, path string) *database.DB {
	t.Helper()
	db, err := database.NewDB(config.DatabaseConfig{Driver: "sqlite", DSN: path}, nil, logging.NewLogger("test", "store", "error"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newSQLFactory(t *testing.T) fix.StoreFactory {
	t.Helper()
	f, err := store.NewSQLStoreFactory(openSQLite(t, filepath.Join(t.TempDir(), "fix.db")))
	require.NoError(t, err)
	return f
}

func TestStoreContract(t *testing.T) {
	factories := map[string]func(t *testing.T) fix.StoreFactory{
		"memory": func(*testing.T) fix.StoreFactory { return store.MemoryStoreFactory{} },
		"redis":  func(t *testing.T) fix.StoreFactory { return newRedisFactory(t) },
		"sql":    newSQLFactory,
	}

	for name, newFactory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, err := newFactory(t).Create(testID)
			require.NoError(t, err)

			sender, err := s.NextSenderMsgSeqNum(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, sender)
			target, err := s.NextTargetMsgSeqNum(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, target)

			for seq := 1; seq <= 3; seq++ {
				require.NoError(t, s.SaveMessage(ctx, seq, []byte{byte('0' + seq)}))
				require.NoError(t, s.IncrNextSenderMsgSeqNum(ctx))
			}
			sender, err = s.NextSenderMsgSeqNum(ctx)
			require.NoError(t, err)
			assert.Equal(t, 4, sender)

			require.NoError(t, s.IncrNextTargetMsgSeqNum(ctx))
			target, err = s.NextTargetMsgSeqNum(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, target)

			require.NoError(t, s.SetNextTargetMsgSeqNum(ctx, 10))
			target, err = s.NextTargetMsgSeqNum(ctx)
			require.NoError(t, err)
			assert.Equal(t, 10, target)

			msgs, err := s.GetMessages(ctx, 2, 3)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.Equal(t, 2, msgs[0].SeqNum)
			assert.Equal(t, []byte("2"), msgs[0].Raw)
			assert.Equal(t, 3, msgs[1].SeqNum)

			msgs, err = s.GetMessages(ctx, 2, 0)
			require.NoError(t, err)
			assert.Len(t, msgs, 2)

			msgs, err = s.GetMessages(ctx, 1, 0)
			require.NoError(t, err)
			assert.Len(t, msgs, 3)

			require.NoError(t, s.Reset(ctx))
			sender, err = s.NextSenderMsgSeqNum(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, sender)
			target, err = s.NextTargetMsgSeqNum(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, target)
			msgs, err = s.GetMessages(ctx, 1, 0)
			require.NoError(t, err)
			assert.Empty(t, msgs)
		})
	}
}

func TestRedisStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	f := newRedisFactory(t)

	s, err := f.Create(testID)
	require.NoError(t, err)
	require.NoError(t, s.IncrNextSenderMsgSeqNum(ctx))
	require.NoError(t, s.SaveMessage(ctx, 1, []byte("raw")))

	reopened, err := f.Create(testID)
	require.NoError(t, err)
	sender, err := reopened.NextSenderMsgSeqNum(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sender)

	other, err := f.Create(testID.Reverse())
	require.NoError(t, err)
	sender, err = other.NextSenderMsgSeqNum(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sender)
}

func TestSQLStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fix.db")

	f, err := store.NewSQLStoreFactory(openSQLite(t, path))
	require.NoError(t, err)
	s, err := f.Create(testID)
	require.NoError(t, err)
	require.NoError(t, s.IncrNextSenderMsgSeqNum(ctx))
	require.NoError(t, s.IncrNextTargetMsgSeqNum(ctx))
	require.NoError(t, s.SaveMessage(ctx, 1, []byte("raw")))

	f2, err := store.NewSQLStoreFactory(openSQLite(t, path))
	require.NoError(t, err)
	reopened, err := f2.Create(testID)
	require.NoError(t, err)

	sender, target, err := seqs(ctx, reopened)
	require.NoError(t, err)
	assert.Equal(t, 2, sender)
	assert.Equal(t, 2, target)

	msgs, err := reopened.GetMessages(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("raw"), msgs[0].Raw)
}

func seqs(ctx context.Context, s fix.Store) (int, int, error) {
	sender, err := s.NextSenderMsgSeqNum(ctx)
	if err != nil {
		return 0, 0, err
	}
	target, err := s.NextTargetMsgSeqNum(ctx)
	return sender, target, err
}

func TestMemoryStoreCopiesSavedBytes(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	raw := []byte("abc")
	require.NoError(t, s.SaveMessage(ctx, 1, raw))
	raw[0] = 'x'

	msgs, err := s.GetMessages(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("abc"), msgs[0].Raw)
}

func TestRedisStoreCapsRangeAtLastSent(t *testing.T) {
	ctx := context.Background()
	s, err := newRedisFactory(t).Create(testID)
	require.NoError(t, err)

	const total = 1100
	for seq := 1; seq <= total; seq++ {
		require.NoError(t, s.IncrNextSenderMsgSeqNum(ctx))
		require.NoError(t, s.SaveMessage(ctx, seq, []byte(strconv.Itoa(seq))))
	}

	msgs, err := s.GetMessages(ctx, 1, 1<<40)
	require.NoError(t, err)
	require.Len(t, msgs, total)
	for i, m := range msgs {
		assert.Equal(t, i+1, m.SeqNum)
	}
	assert.Equal(t, []byte("1100"), msgs[total-1].Raw)

	msgs, err = s.GetMessages(ctx, 1050, 999999999)
	require.NoError(t, err)
	assert.Len(t, msgs, 51)

	msgs, err = s.GetMessages(ctx, total+1, 999999999)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

// recordConn 记录写出的字节.
type recordConn struct {
	net.Conn
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *recordConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(b)
}

func (c *recordConn) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]byte(nil), c.buf.Bytes()...)
	c.buf.Reset()
	return out
}

func (c *recordConn) Close() error         { return nil }
func (c *recordConn) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000} }

func TestRedisStoreResendToInfinity(t *testing.T) {
	ctx := context.Background()
	st, err := newRedisFactory(t).Create(testID)
	require.NoError(t, err)

	settings := fix.DefaultSettings(testID)
	settings.ConnectionType = fix.RoleAcceptor
	session := fix.NewSession(settings, st, nil, nil)
	conn := &recordConn{}
	require.NoError(t, session.SetConnection(conn))
	t.Cleanup(session.Disconnect)

	for range 2 {
		order := fix.NewMessage()
		order.SetMsgType("D")
		require.NoError(t, session.Send(ctx, order))
	}
	stored, err := st.GetMessages(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	want := append(append([]byte{}, stored[0].Raw...), stored[1].Raw...)
	_ = conn.Bytes()

	req := fix.NewResendRequest(testID.Reverse(), 1, 999999999)
	req.SetMsgSeqNum(1)
	require.NotPanics(t, func() { session.OnData(ctx, fix.Encode(req)) })

	assert.Equal(t, want, conn.Bytes())
	assert.True(t, session.Connected())
}
