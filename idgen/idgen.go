// Package idgen 提供了分布式唯一 ID 生成器的实现.
// 基于 Sonyflake 算法，用于生成 TestReqID 等会话内唯一标识.
package idgen

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sony/sonyflake"
)

var (
	// ErrParseTime 解析时间失败.
	ErrParseTime = errors.New("failed to parse start time")
	// ErrCreateSonyflake 创建 Sonyflake 实例失败.
	ErrCreateSonyflake = errors.New("failed to create sonyflake instance")
	// ErrInvalidMachineID 错误的机器 ID.
	ErrInvalidMachineID = errors.New("machine_id must be between 0 and 65535")
)

const maxRetries = 3

// Config 定义 Sonyflake 参数.
type Config struct {
	StartTime string // 起始日期，格式 2006-01-02
	MachineID int64
}

// Generator 定义 ID 生成器接口.
type Generator interface {
	Generate() int64
}

// SonyflakeGenerator 使用 Sonyflake 算法实现 Generator.
// 特点：每 10 毫秒可生成 256 个 ID，支持 65536 台机器，可用约 174 年.
type SonyflakeGenerator struct {
	sf *sonyflake.Sonyflake
}

// NewSonyflakeGenerator 创建一个新的 SonyflakeGenerator.
// 机器 ID 显式取自配置，不依赖私有网卡地址.
func NewSonyflakeGenerator(cfg Config) (*SonyflakeGenerator, error) {
	startTime := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	if cfg.StartTime != "" {
		st, err := time.Parse("2006-01-02", cfg.StartTime)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParseTime, err)
		}
		startTime = st
	}

	if cfg.MachineID < 0 || cfg.MachineID > 65535 {
		return nil, ErrInvalidMachineID
	}
	machineID := uint16(cfg.MachineID)

	sonyFlake, err := sonyflake.New(sonyflake.Settings{
		StartTime: startTime,
		MachineID: func() (uint16, error) {
			return machineID, nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreateSonyflake, err)
	}

	slog.Debug("sonyflake generator initialized", "machine_id", cfg.MachineID, "start_time", startTime)

	return &SonyflakeGenerator{sf: sonyFlake}, nil
}

// Generate 生成一个新的 ID，连续失败时返回基于时间的兜底值.
func (g *SonyflakeGenerator) Generate() int64 {
	for i := range maxRetries {
		id, err := g.sf.NextID()
		if err == nil {
			return int64(id & 0x7FFFFFFFFFFFFFFF)
		}

		slog.Warn("Sonyflake generator failed, retrying...", "retry", i+1, "error", err)
		time.Sleep(10 * time.Millisecond)
	}

	slog.Error("Sonyflake generator failed after multiple retries")

	return time.Now().UnixNano()
}

// 全局默认生成器.
var (
	defaultGenerator Generator
	once             sync.Once
)

// Default 返回进程级默认生成器，机器 ID 取进程号低 16 位.
func Default() Generator {
	once.Do(func() {
		g, err := NewSonyflakeGenerator(Config{MachineID: int64(os.Getpid() & 0xFFFF)})
		if err != nil {
			slog.Error("failed to initialize default id generator", "error", err)
			defaultGenerator = timeGenerator{}
			return
		}
		defaultGenerator = g
	})
	return defaultGenerator
}

type timeGenerator struct{}

func (timeGenerator) Generate() int64 { return time.Now().UnixNano() }
