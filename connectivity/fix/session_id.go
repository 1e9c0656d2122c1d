package fix

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSessionID SessionID 字符串格式非法.
var ErrInvalidSessionID = errors.New("invalid session id")

// SessionID 唯一标识一个对手方会话，可直接作为 map key 比较.
type SessionID struct {
	BeginString  string
	SenderCompID string
	TargetCompID string
	Qualifier    string
}

// String 返回规范形式 BEGIN:SENDER->TARGET[:QUALIFIER]，所有会话表均以此为 key.
func (id SessionID) String() string {
	s := id.BeginString + ":" + id.SenderCompID + "->" + id.TargetCompID
	if id.Qualifier != "" {
		s += ":" + id.Qualifier
	}
	return s
}

// Reverse 交换 Sender 与 Target，用于从对端视角映射本地会话.
func (id SessionID) Reverse() SessionID {
	return SessionID{
		BeginString:  id.BeginString,
		SenderCompID: id.TargetCompID,
		TargetCompID: id.SenderCompID,
		Qualifier:    id.Qualifier,
	}
}

// ParseSessionID 解析 String 的输出.
// BeginString 本身不含 ':'，因此按第一个 ':' 切分版本号.
func ParseSessionID(s string) (SessionID, error) {
	begin, rest, ok := strings.Cut(s, ":")
	if !ok || begin == "" {
		return SessionID{}, fmt.Errorf("%w: %q", ErrInvalidSessionID, s)
	}
	comps, qualifier, _ := strings.Cut(rest, ":")
	sender, target, ok := strings.Cut(comps, "->")
	if !ok || sender == "" || target == "" {
		return SessionID{}, fmt.Errorf("%w: %q", ErrInvalidSessionID, s)
	}
	return SessionID{
		BeginString:  begin,
		SenderCompID: sender,
		TargetCompID: target,
		Qualifier:    qualifier,
	}, nil
}
