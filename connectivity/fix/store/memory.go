// Package store 提供会话序列号与已发送报文的持久化实现.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/wyfcoding/fixengine/connectivity/fix"
)

// MemoryStore 进程内存储，进程重启后序列号从 1 开始.
type MemoryStore struct {
	messages   map[int][]byte
	nextSender int
	nextTarget int
	mu         sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:   make(map[int][]byte),
		nextSender: 1,
		nextTarget: 1,
	}
}

func (s *MemoryStore) NextSenderMsgSeqNum(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSender, nil
}

func (s *MemoryStore) IncrNextSenderMsgSeqNum(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSender++
	return nil
}

func (s *MemoryStore) NextTargetMsgSeqNum(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextTarget, nil
}

func (s *MemoryStore) IncrNextTargetMsgSeqNum(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTarget++
	return nil
}

func (s *MemoryStore) SetNextTargetMsgSeqNum(_ context.Context, seq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTarget = seq
	return nil
}

// SetNextSenderMsgSeqNum 直接设置下一个发送序列号.
func (s *MemoryStore) SetNextSenderMsgSeqNum(_ context.Context, seq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSender = seq
	return nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, seq int, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[seq] = append([]byte(nil), raw...)
	return nil
}

func (s *MemoryStore) GetMessages(_ context.Context, begin, end int) ([]fix.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]fix.StoredMessage, 0)
	for seq, raw := range s.messages {
		if inRange(seq, begin, end) {
			out = append(out, fix.StoredMessage{SeqNum: seq, Raw: raw})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeqNum < out[j].SeqNum })
	return out, nil
}

func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSender = 1
	s.nextTarget = 1
	clear(s.messages)
	return nil
}

// inRange 判断 seq 是否在 [begin, end] 内，end 为 0 表示不设上限.
func inRange(seq, begin, end int) bool {
	return seq >= begin && (end == 0 || seq <= end)
}

// MemoryStoreFactory 为每个会话创建独立的 MemoryStore.
type MemoryStoreFactory struct{}

func (MemoryStoreFactory) Create(fix.SessionID) (fix.Store, error) {
	return NewMemoryStore(), nil
}
