package fix

import (
	"fmt"
	"sort"
	"sync"
)

// Registry 集中管理进程内所有会话，供 Acceptor、Initiator 与管理接口共享.
type Registry struct {
	sessions map[SessionID]*Session
	mu       sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[SessionID]*Session),
	}
}

// Add 注册会话，同一 SessionID 只能注册一次.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.ID())
	}
	r.sessions[s.ID()] = s
	return nil
}

func (r *Registry) Get(id SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Lookup 按规范字符串形式查找会话.
func (r *Registry) Lookup(key string) (*Session, bool) {
	id, err := ParseSessionID(key)
	if err != nil {
		return nil, false
	}
	return r.Get(id)
}

// List 按 SessionID 字符串排序返回所有会话.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].key < list[j].key
	})
	return list
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
