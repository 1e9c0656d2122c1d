package fixlog

import (
	"context"
	"errors"
	"io"

	"github.com/wyfcoding/fixengine/connectivity/fix"
)

type NullLog struct{}

func (NullLog) OnIncoming([]byte) {}
func (NullLog) OnOutgoing([]byte) {}
func (NullLog) OnEvent(string)    {}

type NullLogFactory struct{}

func (NullLogFactory) Create(fix.SessionID) (fix.Log, error) { return NullLog{}, nil }

// MultiLog 把每条记录依次转发给所有子日志.
type MultiLog []fix.Log

func (m MultiLog) OnIncoming(raw []byte) {
	for _, l := range m {
		l.OnIncoming(raw)
	}
}

func (m MultiLog) OnOutgoing(raw []byte) {
	for _, l := range m {
		l.OnOutgoing(raw)
	}
}

func (m MultiLog) OnEvent(text string) {
	for _, l := range m {
		l.OnEvent(text)
	}
}

func (m MultiLog) Initialize(ctx context.Context) error {
	for _, l := range m {
		if i, ok := l.(fix.Initializer); ok {
			if err := i.Initialize(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m MultiLog) Clear() error {
	var errs []error
	for _, l := range m {
		if c, ok := l.(fix.Clearer); ok {
			errs = append(errs, c.Clear())
		}
	}
	return errors.Join(errs...)
}

func (m MultiLog) Close() error {
	var errs []error
	for _, l := range m {
		if c, ok := l.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// MultiLogFactory 组合多个工厂，只有一个工厂时直接返回其结果.
type MultiLogFactory []fix.LogFactory

func (f MultiLogFactory) Create(id fix.SessionID) (fix.Log, error) {
	if len(f) == 0 {
		return NullLog{}, nil
	}
	logs := make(MultiLog, 0, len(f))
	for _, factory := range f {
		l, err := factory.Create(id)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	if len(logs) == 1 {
		return logs[0], nil
	}
	return logs, nil
}
