package fix

import (
	"context"
	"net"
)

// CheckHeartbeat 暴露心跳检查，测试中配合可控时钟使用.
func (s *Session) CheckHeartbeat(ctx context.Context) { s.checkHeartbeat(ctx) }

func (i *Initiator) Started() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.started
}

// SetDialFunc 替换拨号函数，须在 Start 之前调用.
func (i *Initiator) SetDialFunc(fn func(ctx context.Context, network, address string) (net.Conn, error)) {
	i.dial = fn
}
