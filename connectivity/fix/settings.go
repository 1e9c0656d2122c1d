package fix

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConnectionType 会话角色.
type ConnectionType string

const (
	RoleAcceptor  ConnectionType = "acceptor"
	RoleInitiator ConnectionType = "initiator"
)

// 会话配置默认值.
const (
	DefaultAcceptHost        = "0.0.0.0"
	DefaultConnectHost       = "localhost"
	DefaultPort              = 5001
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectInterval = 30 * time.Second
)

var (
	// ErrDuplicateSession 同一 SessionID 被配置了多次.
	ErrDuplicateSession = errors.New("duplicate session id")
	// ErrInvalidSettings 会话配置不合法.
	ErrInvalidSettings = errors.New("invalid session settings")
)

// SessionSettings 单个会话的连接与心跳配置.
type SessionSettings struct {
	ID                SessionID
	ConnectionType    ConnectionType
	AcceptHost        string
	ConnectHost       string
	AcceptPort        int
	ConnectPort       int
	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
	ResetOnLogon      bool
}

// DefaultSettings 返回填充默认值的配置.
func DefaultSettings(id SessionID) SessionSettings {
	return SessionSettings{
		ID:                id,
		ConnectionType:    RoleInitiator,
		AcceptHost:        DefaultAcceptHost,
		AcceptPort:        DefaultPort,
		ConnectHost:       DefaultConnectHost,
		ConnectPort:       DefaultPort,
		HeartbeatInterval: DefaultHeartbeatInterval,
		ReconnectInterval: DefaultReconnectInterval,
	}
}

// WithDefaults 为零值字段补齐默认值.
func (s SessionSettings) WithDefaults() SessionSettings {
	d := DefaultSettings(s.ID)
	if s.ConnectionType == "" {
		s.ConnectionType = d.ConnectionType
	}
	if s.AcceptHost == "" {
		s.AcceptHost = d.AcceptHost
	}
	if s.AcceptPort == 0 {
		s.AcceptPort = d.AcceptPort
	}
	if s.ConnectHost == "" {
		s.ConnectHost = d.ConnectHost
	}
	if s.ConnectPort == 0 {
		s.ConnectPort = d.ConnectPort
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = d.HeartbeatInterval
	}
	if s.ReconnectInterval <= 0 {
		s.ReconnectInterval = d.ReconnectInterval
	}
	return s
}

// HeartBtInt 返回 Logon 中 108 字段使用的秒数，不足一秒按一秒计.
func (s SessionSettings) HeartBtInt() int {
	secs := int(s.HeartbeatInterval / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// AcceptAddr 返回监听地址.
func (s SessionSettings) AcceptAddr() string {
	return fmt.Sprintf("%s:%d", s.AcceptHost, s.AcceptPort)
}

// ConnectAddr 返回主动连接地址.
func (s SessionSettings) ConnectAddr() string {
	return fmt.Sprintf("%s:%d", s.ConnectHost, s.ConnectPort)
}

// Validate 检查会话配置.
func (s SessionSettings) Validate() error {
	if s.ID.BeginString == "" || s.ID.SenderCompID == "" || s.ID.TargetCompID == "" {
		return fmt.Errorf("%w: incomplete session id %q", ErrInvalidSettings, s.ID)
	}
	// 含这些分隔符的 CompID 无法由 ParseSessionID 还原.
	for _, part := range []string{s.ID.BeginString, s.ID.SenderCompID, s.ID.TargetCompID} {
		if strings.Contains(part, ":") || strings.Contains(part, "->") {
			return fmt.Errorf("%w: %q contains ':' or '->'", ErrInvalidSettings, part)
		}
	}
	if s.ConnectionType != RoleAcceptor && s.ConnectionType != RoleInitiator {
		return fmt.Errorf("%w: unknown connection type %q", ErrInvalidSettings, s.ConnectionType)
	}
	return nil
}

// ValidateAll 检查一组配置，并拒绝重复的 SessionID.
func ValidateAll(settings []SessionSettings) error {
	seen := make(map[SessionID]struct{}, len(settings))
	for _, s := range settings {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, ok := seen[s.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateSession, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// Lookup 按 SessionID 查找配置.
func Lookup(settings []SessionSettings, id SessionID) (SessionSettings, bool) {
	for _, s := range settings {
		if s.ID == id {
			return s, true
		}
	}
	return SessionSettings{}, false
}
