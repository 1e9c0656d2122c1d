package fix

import "context"

// StoredMessage 是存储层保存的一条已发送原始报文.
type StoredMessage struct {
	Raw    []byte
	SeqNum int
}

// Store 按 SessionID 持久化序列号与已发送报文，使会话能跨进程重启恢复.
// 实现需保证同一 SessionID 的自增与读取串行.
type Store interface {
	NextSenderMsgSeqNum(ctx context.Context) (int, error)
	IncrNextSenderMsgSeqNum(ctx context.Context) error
	NextTargetMsgSeqNum(ctx context.Context) (int, error)
	IncrNextTargetMsgSeqNum(ctx context.Context) error
	SetNextTargetMsgSeqNum(ctx context.Context, seq int) error
	SaveMessage(ctx context.Context, seq int, raw []byte) error
	// GetMessages 按序返回 [begin, end] 区间内的报文，end 为 0 表示不设上限.
	GetMessages(ctx context.Context, begin, end int) ([]StoredMessage, error)
	Reset(ctx context.Context) error
}

// Initializer 是 Store 与 Log 可选的初始化钩子.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Log 记录收发报文与会话事件.
type Log interface {
	OnIncoming(raw []byte)
	OnOutgoing(raw []byte)
	OnEvent(text string)
}

// Clearer 是 Log 可选的清理钩子.
type Clearer interface {
	Clear() error
}

// Application 是业务层回调，由 Session 同步调用.
// 回调返回的错误或 panic 只会被记录为事件，不会中断会话.
type Application interface {
	OnCreate(id SessionID)
	OnLogon(id SessionID)
	OnLogout(id SessionID)
	ToAdmin(msg *Message, id SessionID) error
	FromAdmin(msg *Message, id SessionID) error
	ToApp(msg *Message, id SessionID) error
	FromApp(msg *Message, id SessionID) error
}

// NopApplication 提供 Application 的空实现，可嵌入后按需覆盖.
type NopApplication struct{}

func (NopApplication) OnCreate(SessionID)                  {}
func (NopApplication) OnLogon(SessionID)                   {}
func (NopApplication) OnLogout(SessionID)                  {}
func (NopApplication) ToAdmin(*Message, SessionID) error   { return nil }
func (NopApplication) FromAdmin(*Message, SessionID) error { return nil }
func (NopApplication) ToApp(*Message, SessionID) error     { return nil }
func (NopApplication) FromApp(*Message, SessionID) error   { return nil }

// StoreFactory 为每个会话创建 Store.
type StoreFactory interface {
	Create(id SessionID) (Store, error)
}

// LogFactory 为每个会话创建 Log.
type LogFactory interface {
	Create(id SessionID) (Log, error)
}
