// Package fsm 提供通用的有限状态机 (Finite State Machine) 基础设施.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrInvalidTransition 无效的状态转移.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrHandlerFailed 处理器执行失败.
	ErrHandlerFailed = errors.New("fsm handler failed")
)

// Handler 定义状态流转时执行的回调函数.
type Handler[S comparable] func(ctx context.Context, from, to S, args ...any) error

// Listener 在状态流转完成后被调用，调用时不持有状态机的锁.
type Listener[S comparable, E comparable] func(from, to S, event E)

// Machine 封装了有限状态机的核心状态与流转逻辑.
type Machine[S comparable, E comparable] struct {
	transitions map[S]map[E]S
	handlers    map[S]map[S]Handler[S]
	listeners   []Listener[S, E]
	logger      *slog.Logger
	current     S
	mu          sync.RWMutex
}

// Option 配置状态机.
type Option[S comparable, E comparable] func(*Machine[S, E])

// WithLogger 设置状态流转日志，默认为 slog.Default().
func WithLogger[S comparable, E comparable](logger *slog.Logger) Option[S, E] {
	return func(m *Machine[S, E]) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMachine 创建一个新的状态机.
func NewMachine[S comparable, E comparable](initial S, opts ...Option[S, E]) *Machine[S, E] {
	m := &Machine[S, E]{
		current:     initial,
		transitions: make(map[S]map[E]S),
		handlers:    make(map[S]map[S]Handler[S]),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddTransition 添加一条状态转移规则.
func (m *Machine[S, E]) AddTransition(from S, event E, to S) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transitions[from]; !ok {
		m.transitions[from] = make(map[E]S)
	}

	m.transitions[from][event] = to
}

// AddTransitionFrom 为多个源状态添加同一事件的转移规则.
func (m *Machine[S, E]) AddTransitionFrom(froms []S, event E, to S) {
	for _, from := range froms {
		m.AddTransition(from, event, to)
	}
}

// AddHandler 为特定的状态转移注册回调动作.
func (m *Machine[S, E]) AddHandler(from, to S, handler Handler[S]) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.handlers[from]; !ok {
		m.handlers[from] = make(map[S]Handler[S])
	}

	m.handlers[from][to] = handler
}

// OnTransition 注册状态流转监听器.
func (m *Machine[S, E]) OnTransition(l Listener[S, E]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Current 获取状态机当前所处的状态.
func (m *Machine[S, E]) Current() S {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.current
}

// Is 判断当前是否处于 state.
func (m *Machine[S, E]) Is(state S) bool {
	return m.Current() == state
}

// Can 判断当前状态下 event 是否可触发.
func (m *Machine[S, E]) Can(event E) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.transitions[m.current][event]
	return ok
}

// Trigger 触发一个事件.
func (m *Machine[S, E]) Trigger(ctx context.Context, event E, args ...any) error {
	m.mu.Lock()

	from := m.current
	to, ok := m.transitions[from][event]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: event %v for state %v", ErrInvalidTransition, event, from)
	}

	if handler, okH := m.handlers[from][to]; okH {
		if err := handler(ctx, from, to, args...); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("%w (%v -> %v): %w", ErrHandlerFailed, from, to, err)
		}
	}

	m.current = to
	listeners := m.listeners
	m.mu.Unlock()

	m.logger.DebugContext(ctx, "fsm state transitioned",
		"from", from,
		"to", to,
		"event", event,
	)
	for _, l := range listeners {
		l(from, to, event)
	}

	return nil
}
