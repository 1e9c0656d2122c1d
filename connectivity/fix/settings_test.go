package fix_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/fixengine/connectivity/fix"
	"github.com/wyfcoding/fixengine/connectivity/fix/store"
)

func TestSettingsDefaults(t *testing.T) {
	s := fix.SessionSettings{ID: localID}.WithDefaults()
	assert.Equal(t, fix.RoleInitiator, s.ConnectionType)
	assert.Equal(t, "0.0.0.0:5001", s.AcceptAddr())
	assert.Equal(t, "localhost:5001", s.ConnectAddr())
	assert.Equal(t, 30*time.Second, s.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, s.ReconnectInterval)
	assert.False(t, s.ResetOnLogon)
	assert.Equal(t, 30, s.HeartBtInt())

	s.HeartbeatInterval = 200 * time.Millisecond
	assert.Equal(t, 1, s.HeartBtInt())
}

func TestSettingsValidate(t *testing.T) {
	ok := fix.DefaultSettings(localID)
	require.NoError(t, ok.Validate())

	missing := ok
	missing.ID.TargetCompID = ""
	require.ErrorIs(t, missing.Validate(), fix.ErrInvalidSettings)

	badType := ok
	badType.ConnectionType = "both"
	require.ErrorIs(t, badType.Validate(), fix.ErrInvalidSettings)

	for _, comp := range []string{"A:X", "A->B", "->"} {
		bad := ok
		bad.ID.SenderCompID = comp
		require.ErrorIs(t, bad.Validate(), fix.ErrInvalidSettings, comp)
		bad = ok
		bad.ID.TargetCompID = comp
		require.ErrorIs(t, bad.Validate(), fix.ErrInvalidSettings, comp)
	}

	// 允许的 CompID 必须能经 String 与 ParseSessionID 还原.
	dashed := ok
	dashed.ID.SenderCompID = "A-"
	dashed.ID.TargetCompID = ">B"
	dashed.ID.Qualifier = "q:1"
	require.NoError(t, dashed.Validate())
	parsed, err := fix.ParseSessionID(dashed.ID.String())
	require.NoError(t, err)
	assert.Equal(t, dashed.ID, parsed)

	require.ErrorIs(t, fix.ValidateAll([]fix.SessionSettings{ok, ok}), fix.ErrDuplicateSession)

	other := fix.DefaultSettings(remoteID)
	require.NoError(t, fix.ValidateAll([]fix.SessionSettings{ok, other}))

	found, exists := fix.Lookup([]fix.SessionSettings{ok, other}, remoteID)
	require.True(t, exists)
	assert.Equal(t, remoteID, found.ID)
	_, exists = fix.Lookup(nil, remoteID)
	assert.False(t, exists)
}

func TestRegistry(t *testing.T) {
	r := fix.NewRegistry()
	b := fix.NewSession(fix.DefaultSettings(localID), store.NewMemoryStore(), nil, nil)
	a := fix.NewSession(fix.DefaultSettings(remoteID), store.NewMemoryStore(), nil, nil)

	require.NoError(t, r.Add(b))
	require.NoError(t, r.Add(a))
	require.ErrorIs(t, r.Add(a), fix.ErrDuplicateSession)
	assert.Equal(t, 2, r.Len())

	got, ok := r.Lookup("FIX.4.2:SERVER->CLIENT")
	require.True(t, ok)
	assert.Same(t, b, got)
	_, ok = r.Lookup("not a session")
	assert.False(t, ok)

	list := r.List()
	require.Len(t, list, 2)
	assert.Same(t, a, list[0])
	assert.Same(t, b, list[1])
}

func TestDictionaryLoad(t *testing.T) {
	d := fix.NewDataDictionary("FIX.4.2")
	require.NoError(t, d.LoadJSON([]byte(`{
		"header": [8, 9, 35, 49, 56, 34, 52],
		"trailer": [10],
		"fields": [{"tag": "55", "name": "Symbol", "type": "STRING"}, {"tag": 11, "name": "ClOrdID", "type": "STRING"}],
		"messages": [{"msgtype": "D", "name": "NewOrderSingle", "fields": [{"tag": 11, "name": "ClOrdID", "required": true}]}]
	}`)))

	assert.True(t, d.IsHeaderField(49))
	assert.False(t, d.IsHeaderField(55))
	assert.True(t, d.IsTrailerField(10))

	f, ok := d.Field(55)
	require.True(t, ok)
	assert.Equal(t, "Symbol", f.Name)
	f, ok = d.FieldByName("ClOrdID")
	require.True(t, ok)
	assert.Equal(t, 11, f.Tag)

	msg, ok := d.MessageByName("NewOrderSingle")
	require.True(t, ok)
	assert.Equal(t, "D", msg.MsgType)
	assert.True(t, d.IsRequiredField("D", 11))
	assert.False(t, d.IsRequiredField("D", 55))
	assert.Nil(t, d.MessageFields("Z"))

	require.Error(t, d.LoadJSON([]byte(`{"header": ["x"]}`)))
}

func TestLoadDictionaryMissingFile(t *testing.T) {
	_, err := fix.LoadDictionary("FIX.4.2", t.TempDir()+"/missing.json")
	require.Error(t, err)
}
