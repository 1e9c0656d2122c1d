package database

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/wyfcoding/fixengine/config"
	"github.com/wyfcoding/fixengine/logging"
	"github.com/wyfcoding/fixengine/xerrors"
)

type heartbeatRow struct {
	ID   uint `gorm:"primaryKey"`
	Text string
}

func openSQLite(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "fix.db"),
	}, nil, logging.NewLogger("fixengine-test", "database", "error"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNewDBSQLite(t *testing.T) {
	db := openSQLite(t)
	assert.Equal(t, "sqlite", db.Driver())
	require.NoError(t, db.AutoMigrate(&heartbeatRow{}))

	require.NoError(t, db.Do(func(tx *gorm.DB) error {
		return tx.Create(&heartbeatRow{Text: "ping"}).Error
	}))
	var count int64
	require.NoError(t, db.Model(&heartbeatRow{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestTransactionRollsBack(t *testing.T) {
	db := openSQLite(t)
	require.NoError(t, db.AutoMigrate(&heartbeatRow{}))

	boom := errors.New("boom")
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&heartbeatRow{Text: "lost"}).Error; err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	e, ok := xerrors.FromError(err)
	require.True(t, ok)
	assert.Equal(t, ErrTransactionFailed.Error(), e.Message)

	var count int64
	require.NoError(t, db.Model(&heartbeatRow{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestNewDBUnsupportedDriver(t *testing.T) {
	_, err := NewDB(config.DatabaseConfig{Driver: "oracle"}, nil, logging.NewLogger("fixengine-test", "database", "error"))
	require.Error(t, err)
	assert.Equal(t, 400, xerrors.HTTPStatusOf(err))
}
