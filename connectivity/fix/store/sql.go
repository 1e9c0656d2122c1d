package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wyfcoding/fixengine/connectivity/fix"
	"github.com/wyfcoding/fixengine/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionRecord 保存一个会话的序列号.
type SessionRecord struct {
	CreatedAt  time.Time
	UpdatedAt  time.Time
	SessionID  string `gorm:"primaryKey;size:191"`
	NextSender int    `gorm:"not null;default:1"`
	NextTarget int    `gorm:"not null;default:1"`
}

func (SessionRecord) TableName() string { return "fix_sessions" }

// MessageRecord 保存一条已发送报文，用于 ResendRequest 重发.
type MessageRecord struct {
	CreatedAt time.Time
	SessionID string `gorm:"primaryKey;size:191"`
	Raw       []byte `gorm:"not null"`
	SeqNum    int    `gorm:"primaryKey;autoIncrement:false"`
}

func (MessageRecord) TableName() string { return "fix_messages" }

// SQLStore 基于 GORM 的持久化存储，支持 mysql、postgres 与 sqlite.
type SQLStore struct {
	db  *database.DB
	key string
	// mu 串行化同一会话的读改写.
	mu sync.Mutex
}

// NewSQLStore 创建 SQLStore，调用方需先执行 Migrate.
func NewSQLStore(db *database.DB, id fix.SessionID) *SQLStore {
	return &SQLStore{db: db, key: id.String()}
}

// Migrate 创建或更新表结构.
func Migrate(db *database.DB) error {
	return db.DB.AutoMigrate(&SessionRecord{}, &MessageRecord{})
}

// Initialize 确保会话行存在，已存在时保持原序列号.
func (s *SQLStore) Initialize(ctx context.Context) error {
	return s.db.Do(func(tx *gorm.DB) error {
		return tx.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&SessionRecord{SessionID: s.key, NextSender: 1, NextTarget: 1}).Error
	})
}

func (s *SQLStore) record(ctx context.Context) (SessionRecord, error) {
	var rec SessionRecord
	err := s.db.Do(func(tx *gorm.DB) error {
		return tx.WithContext(ctx).Where("session_id = ?", s.key).Take(&rec).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SessionRecord{SessionID: s.key, NextSender: 1, NextTarget: 1}, nil
	}
	return rec, err
}

func (s *SQLStore) update(ctx context.Context, values map[string]any) error {
	return s.db.Do(func(tx *gorm.DB) error {
		return tx.WithContext(ctx).Model(&SessionRecord{}).Where("session_id = ?", s.key).Updates(values).Error
	})
}

func (s *SQLStore) NextSenderMsgSeqNum(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(ctx)
	return rec.NextSender, err
}

func (s *SQLStore) IncrNextSenderMsgSeqNum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(ctx, map[string]any{"next_sender": gorm.Expr("next_sender + ?", 1)})
}

func (s *SQLStore) NextTargetMsgSeqNum(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(ctx)
	return rec.NextTarget, err
}

func (s *SQLStore) IncrNextTargetMsgSeqNum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(ctx, map[string]any{"next_target": gorm.Expr("next_target + ?", 1)})
}

func (s *SQLStore) SetNextTargetMsgSeqNum(ctx context.Context, seq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(ctx, map[string]any{"next_target": seq})
}

func (s *SQLStore) SaveMessage(ctx context.Context, seq int, raw []byte) error {
	return s.db.Do(func(tx *gorm.DB) error {
		return tx.WithContext(ctx).
			Clauses(clause.OnConflict{UpdateAll: true}).
			Create(&MessageRecord{SessionID: s.key, SeqNum: seq, Raw: raw}).Error
	})
}

func (s *SQLStore) GetMessages(ctx context.Context, begin, end int) ([]fix.StoredMessage, error) {
	var records []MessageRecord
	err := s.db.Do(func(tx *gorm.DB) error {
		q := tx.WithContext(ctx).Where("session_id = ? AND seq_num >= ?", s.key, begin)
		if end > 0 {
			q = q.Where("seq_num <= ?", end)
		}
		return q.Order("seq_num").Find(&records).Error
	})
	if err != nil {
		return nil, err
	}

	out := make([]fix.StoredMessage, 0, len(records))
	for _, r := range records {
		out = append(out, fix.StoredMessage{SeqNum: r.SeqNum, Raw: r.Raw})
	}
	return out, nil
}

// Reset 将序列号恢复为 1 并删除已保存的报文.
func (s *SQLStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Transaction(func(tx *gorm.DB) error {
		tx = tx.WithContext(ctx)
		if err := tx.Where("session_id = ?", s.key).Delete(&MessageRecord{}).Error; err != nil {
			return err
		}
		return tx.Model(&SessionRecord{}).Where("session_id = ?", s.key).
			Updates(map[string]any{"next_sender": 1, "next_target": 1}).Error
	})
}

// SQLStoreFactory 使用共享连接为每个会话创建 SQLStore.
type SQLStoreFactory struct {
	DB *database.DB
}

// NewSQLStoreFactory 执行表结构迁移并返回工厂.
func NewSQLStoreFactory(db *database.DB) (*SQLStoreFactory, error) {
	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate fix store tables: %w", err)
	}
	return &SQLStoreFactory{DB: db}, nil
}

// Create 创建会话存储并确保会话行存在.
func (f *SQLStoreFactory) Create(id fix.SessionID) (fix.Store, error) {
	s := NewSQLStore(f.DB, id)
	if err := s.Initialize(context.Background()); err != nil {
		return nil, fmt.Errorf("initialize sql store for %s: %w", id, err)
	}
	return s, nil
}
