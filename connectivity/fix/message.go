package fix

import (
	"strings"
)

const (
	// SOH 字段分隔符.
	SOH = "\x01"
	soh = byte(1)
)

// Tag definitions (会话层常用 Tag)
const (
	TagBeginSeqNo    = 7
	TagBeginString   = 8
	TagBodyLength    = 9
	TagCheckSum      = 10
	TagEndSeqNo      = 16
	TagMsgSeqNum     = 34
	TagMsgType       = 35
	TagNewSeqNo      = 36
	TagSenderCompID  = 49
	TagSendingTime   = 52
	TagTargetCompID  = 56
	TagText          = 58
	TagEncryptMethod = 98
	TagHeartBtInt    = 108
	TagTestReqID     = 112
	TagGapFillFlag   = 123

	TagClOrdID  = 11
	TagSymbol   = 55
	TagSide     = 54
	TagOrderQty = 38
	TagPrice    = 44
	TagOrdType  = 40
)

// MsgType 取值.
const (
	MsgTypeHeartbeat     = "0"
	MsgTypeTestRequest   = "1"
	MsgTypeResendRequest = "2"
	MsgTypeReject        = "3"
	MsgTypeSequenceReset = "4"
	MsgTypeLogout        = "5"
	MsgTypeLogon         = "A"
)

// IsAdminMsgType 判断是否为会话层管理消息.
func IsAdminMsgType(msgType string) bool {
	switch msgType {
	case MsgTypeHeartbeat, MsgTypeTestRequest, MsgTypeResendRequest, MsgTypeReject,
		MsgTypeSequenceReset, MsgTypeLogout, MsgTypeLogon:
		return true
	}
	return false
}

// Message 代表一条 FIX 报文，由 Header、Body、Trailer 三个 FieldMap 组成.
type Message struct {
	Header  *FieldMap
	Body    *FieldMap
	Trailer *FieldMap
}

func NewMessage() *Message {
	return &Message{
		Header:  NewFieldMap(),
		Body:    NewFieldMap(),
		Trailer: NewFieldMap(),
	}
}

// Set 设置 Body 字段
func (m *Message) Set(tag int, value string) {
	m.Body.SetField(tag, value)
}

// Get 获取 Body 字段，不存在时返回空串
func (m *Message) Get(tag int) string {
	return m.Body.GetString(tag)
}

// Has 判断 Body 中是否存在字段.
func (m *Message) Has(tag int) bool {
	return m.Body.Has(tag)
}

func (m *Message) MsgType() string {
	return m.Header.GetString(TagMsgType)
}

func (m *Message) SetMsgType(v string) {
	m.Header.SetField(TagMsgType, v)
}

func (m *Message) BeginString() string {
	return m.Header.GetString(TagBeginString)
}

func (m *Message) SetBeginString(v string) {
	m.Header.SetField(TagBeginString, v)
}

func (m *Message) SenderCompID() string {
	return m.Header.GetString(TagSenderCompID)
}

func (m *Message) SetSenderCompID(v string) {
	m.Header.SetField(TagSenderCompID, v)
}

func (m *Message) TargetCompID() string {
	return m.Header.GetString(TagTargetCompID)
}

func (m *Message) SetTargetCompID(v string) {
	m.Header.SetField(TagTargetCompID, v)
}

// MsgSeqNum 返回报文序列号，缺失或非法时返回错误.
func (m *Message) MsgSeqNum() (int, error) {
	return m.Header.GetInt(TagMsgSeqNum)
}

func (m *Message) SetMsgSeqNum(seq int) {
	m.Header.SetInt(TagMsgSeqNum, seq)
}

// String 以 '|' 代替 SOH 输出 header、body、trailer，便于日志阅读.
func (m *Message) String() string {
	var buf strings.Builder
	for _, fm := range []*FieldMap{m.Header, m.Body, m.Trailer} {
		for _, f := range fm.Fields() {
			if buf.Len() > 0 {
				buf.WriteByte('|')
			}
			buf.WriteString(f.String())
		}
	}
	return buf.String()
}
