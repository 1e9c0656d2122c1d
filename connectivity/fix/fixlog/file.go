package fixlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/wyfcoding/fixengine/connectivity/fix"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "20060102-15:04:05.000"

// FileOptions 定义滚动文件参数，语义同 lumberjack.
type FileOptions struct {
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// FileLog 把报文写入 <key>.log，把事件写入 <key>.event.log.
type FileLog struct {
	messages *lumberjack.Logger
	events   *lumberjack.Logger
	now      func() time.Time
	mu       sync.Mutex
}

// NewFileLog 在 dir 下为会话创建日志文件.
func NewFileLog(dir string, id fix.SessionID, opts FileOptions) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}
	prefix := filepath.Join(dir, fileKey(id))
	newWriter := func(name string) *lumberjack.Logger {
		return &lumberjack.Logger{
			Filename:   name,
			MaxSize:    opts.MaxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAge,
			Compress:   opts.Compress,
		}
	}
	return &FileLog{
		messages: newWriter(prefix + ".log"),
		events:   newWriter(prefix + ".event.log"),
		now:      time.Now,
	}, nil
}

// MessagesPath 返回报文日志路径.
func (l *FileLog) MessagesPath() string { return l.messages.Filename }

// EventsPath 返回事件日志路径.
func (l *FileLog) EventsPath() string { return l.events.Filename }

func (l *FileLog) OnIncoming(raw []byte) { l.write(l.messages, string(raw)) }

func (l *FileLog) OnOutgoing(raw []byte) { l.write(l.messages, string(raw)) }

func (l *FileLog) OnEvent(text string) { l.write(l.events, text) }

func (l *FileLog) write(w *lumberjack.Logger, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = fmt.Fprintf(w, "%s : %s\n", l.now().UTC().Format(timestampFormat), text)
}

// Clear 清空两个日志文件.
func (l *FileLog) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for _, w := range []*lumberjack.Logger{l.messages, l.events} {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := os.Truncate(w.Filename, 0); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return errors.Join(l.messages.Close(), l.events.Close())
}

// FileLogFactory 在同一目录下为每个会话创建 FileLog.
type FileLogFactory struct {
	Dir     string
	Options FileOptions
}

func (f FileLogFactory) Create(id fix.SessionID) (fix.Log, error) {
	return NewFileLog(f.Dir, id, f.Options)
}

// fileKey 是 SessionID 字符串去掉路径分隔符后的形式.
func fileKey(id fix.SessionID) string {
	return strings.NewReplacer("/", "_", `\`, "_").Replace(id.String())
}
