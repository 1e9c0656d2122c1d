// Package fixlog 提供 fix.Log 的多种实现：slog、滚动文件、Kafka 审计流与空实现.
package fixlog

import (
	"log/slog"
	"strings"

	"github.com/wyfcoding/fixengine/connectivity/fix"
)

// SlogLog 把报文与事件输出到结构化日志.
type SlogLog struct {
	logger *slog.Logger
}

func NewSlogLog(logger *slog.Logger, id fix.SessionID) *SlogLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLog{logger: logger.With("session", id.String())}
}

func (l *SlogLog) OnIncoming(raw []byte) {
	l.logger.Info("fix incoming", "raw", printable(raw))
}

func (l *SlogLog) OnOutgoing(raw []byte) {
	l.logger.Info("fix outgoing", "raw", printable(raw))
}

func (l *SlogLog) OnEvent(text string) {
	l.logger.Info("fix event", "text", text)
}

// SlogLogFactory 为每个会话创建 SlogLog.
type SlogLogFactory struct {
	Logger *slog.Logger
}

func (f SlogLogFactory) Create(id fix.SessionID) (fix.Log, error) {
	return NewSlogLog(f.Logger, id), nil
}

// printable 把 SOH 替换为 '|'.
func printable(raw []byte) string {
	return strings.ReplaceAll(string(raw), fix.SOH, "|")
}
