package fix

import "strconv"

// 会话层管理消息构造器.
// 构造器只写入 BeginString/SenderCompID/TargetCompID/MsgType，
// MsgSeqNum 与 SendingTime 由 Session 在发送时写入.

func newAdminMessage(id SessionID, msgType string) *Message {
	m := NewMessage()
	m.SetBeginString(id.BeginString)
	m.SetMsgType(msgType)
	m.SetSenderCompID(id.SenderCompID)
	m.SetTargetCompID(id.TargetCompID)
	return m
}

// NewLogon 构造 Logon(A)，EncryptMethod 固定为 0.
func NewLogon(id SessionID, heartBtInt int) *Message {
	m := newAdminMessage(id, MsgTypeLogon)
	m.Set(TagEncryptMethod, "0")
	m.Set(TagHeartBtInt, strconv.Itoa(heartBtInt))
	return m
}

// NewLogout 构造 Logout(5)，text 为空时不写 Text.
func NewLogout(id SessionID, text string) *Message {
	m := newAdminMessage(id, MsgTypeLogout)
	if text != "" {
		m.Set(TagText, text)
	}
	return m
}

// NewHeartbeat 构造 Heartbeat(0)，响应 TestRequest 时回带 TestReqID.
func NewHeartbeat(id SessionID, testReqID string) *Message {
	m := newAdminMessage(id, MsgTypeHeartbeat)
	if testReqID != "" {
		m.Set(TagTestReqID, testReqID)
	}
	return m
}

func NewTestRequest(id SessionID, testReqID string) *Message {
	m := newAdminMessage(id, MsgTypeTestRequest)
	m.Set(TagTestReqID, testReqID)
	return m
}

// NewResendRequest 构造 ResendRequest(2)，endSeqNo 为 0 表示直到最新.
func NewResendRequest(id SessionID, beginSeqNo, endSeqNo int) *Message {
	m := newAdminMessage(id, MsgTypeResendRequest)
	m.Set(TagBeginSeqNo, strconv.Itoa(beginSeqNo))
	m.Set(TagEndSeqNo, strconv.Itoa(endSeqNo))
	return m
}

func NewSequenceReset(id SessionID, newSeqNo int, gapFill bool) *Message {
	m := newAdminMessage(id, MsgTypeSequenceReset)
	m.Set(TagNewSeqNo, strconv.Itoa(newSeqNo))
	if gapFill {
		m.Set(TagGapFillFlag, "Y")
	}
	return m
}
