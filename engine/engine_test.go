package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/fixengine/config"
	"github.com/wyfcoding/fixengine/connectivity/fix"
	"github.com/wyfcoding/fixengine/engine"
	"github.com/wyfcoding/fixengine/server"
	"github.com/wyfcoding/fixengine/xerrors"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// loopbackConfig 让同一进程内的 initiator 连接自己的 acceptor.
func loopbackConfig(t *testing.T) *config.Config {
	t.Helper()
	fixPort := freePort(t)

	cfg := &config.Config{Version: "test"}
	cfg.Server.Name = "fixengine-test"
	cfg.Server.Admin.Enabled = true
	cfg.Server.Admin.Addr = fmt.Sprintf("127.0.0.1:%d", freePort(t))
	cfg.Log.Level = "error"
	cfg.Metrics.Enabled = true
	cfg.Snowflake.MachineID = 7
	cfg.Store.Type = "memory"
	cfg.FixLog.Outputs = []string{"file"}
	cfg.FixLog.Dir = t.TempDir()
	cfg.Default = config.SessionConfig{
		BeginString:       "FIX.4.2",
		HeartbeatInterval: 30 * time.Second,
		ReconnectInterval: 100 * time.Millisecond,
	}
	cfg.Sessions = []config.SessionConfig{
		{
			SenderCompID:   "SERVER",
			TargetCompID:   "CLIENT",
			ConnectionType: "acceptor",
			AcceptHost:     "127.0.0.1",
			AcceptPort:     fixPort,
		},
		{
			SenderCompID:   "CLIENT",
			TargetCompID:   "SERVER",
			ConnectionType: "initiator",
			ConnectHost:    "127.0.0.1",
			ConnectPort:    fixPort,
		},
	}
	return cfg
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestEngineLoopback(t *testing.T) {
	cfg := loopbackConfig(t)
	eng, err := engine.New(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, eng.Acceptor())
	require.NotNil(t, eng.Initiator())
	assert.Equal(t, 2, eng.Registry().Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, s := range eng.Registry().List() {
			if !s.LoggedOn() {
				return false
			}
		}
		return eng.Admin().Addr() != nil
	}, 5*time.Second, 20*time.Millisecond)

	base := "http://" + eng.Admin().Addr().String()

	var list struct {
		Code int                  `json:"code"`
		Data []server.SessionInfo `json:"data"`
	}
	getJSON(t, base+"/sessions", &list)
	assert.Equal(t, 0, list.Code)
	require.Len(t, list.Data, 2)
	roles := []string{list.Data[0].Role, list.Data[1].Role}
	assert.ElementsMatch(t, []string{"acceptor", "initiator"}, roles)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "fix_messages_total")
	assert.Contains(t, string(body), `build_info`)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not stop")
	}

	for _, s := range eng.Registry().List() {
		assert.False(t, s.Connected(), s.ID().String())
	}
	assert.Equal(t, 0, eng.Initiator().PendingReconnects())

	acceptorID := fix.SessionID{BeginString: "FIX.4.2", SenderCompID: "SERVER", TargetCompID: "CLIENT"}
	raw, err := os.ReadFile(filepath.Join(cfg.FixLog.Dir, acceptorID.String()+".log"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "35=A")
}

func TestEngineWithoutAdmin(t *testing.T) {
	cfg := loopbackConfig(t)
	cfg.Server.Admin.Enabled = false
	cfg.Sessions = cfg.Sessions[1:]

	eng, err := engine.New(cfg, fix.NopApplication{})
	require.NoError(t, err)
	assert.Nil(t, eng.Admin())
	assert.Nil(t, eng.Acceptor())
	assert.NotNil(t, eng.Initiator())
}

func TestNewErrors(t *testing.T) {
	t.Run("invalid sessions", func(t *testing.T) {
		cfg := loopbackConfig(t)
		cfg.Sessions = append(cfg.Sessions, cfg.Sessions[0])
		_, err := engine.New(cfg, nil)
		require.Error(t, err)
		require.ErrorIs(t, err, fix.ErrDuplicateSession)
		e, ok := xerrors.FromError(err)
		require.True(t, ok)
		assert.Equal(t, xerrors.ErrInvalidArg, e.Type)
	})

	t.Run("unsupported store", func(t *testing.T) {
		cfg := loopbackConfig(t)
		cfg.Store.Type = "etcd"
		_, err := engine.New(cfg, nil)
		require.ErrorIs(t, err, xerrors.ErrUnsupportedStore)
	})

	t.Run("bad snowflake start", func(t *testing.T) {
		cfg := loopbackConfig(t)
		cfg.Snowflake.StartTime = "yesterday"
		_, err := engine.New(cfg, nil)
		require.Error(t, err)
	})
}
