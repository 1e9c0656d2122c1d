// Package config 提供了统一的配置加载与管理能力.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/wyfcoding/fixengine/connectivity/fix"
	"github.com/wyfcoding/fixengine/logging"
)

// Config 引擎顶级配置结构.
type Config struct {
	Version        string               `mapstructure:"version"        toml:"version"`
	Server         ServerConfig         `mapstructure:"server"         toml:"server"`
	Log            LogConfig            `mapstructure:"log"            toml:"log"`
	Metrics        MetricsConfig        `mapstructure:"metrics"        toml:"metrics"`
	Snowflake      SnowflakeConfig      `mapstructure:"snowflake"      toml:"snowflake"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuitbreaker" toml:"circuitbreaker"`
	Store          StoreConfig          `mapstructure:"store"          toml:"store"`
	FixLog         FixLogConfig         `mapstructure:"fixlog"         toml:"fixlog"`
	Dictionary     DictionaryConfig     `mapstructure:"dictionary"     toml:"dictionary"`
	Acceptor       AcceptorConfig       `mapstructure:"acceptor"       toml:"acceptor"`
	Default        SessionConfig        `mapstructure:"default"        toml:"default"`
	Sessions       []SessionConfig      `mapstructure:"sessions"       toml:"sessions"       validate:"required,min=1,dive"`
}

// ServerConfig 定义进程名与管理接口地址.
type ServerConfig struct {
	Name        string `mapstructure:"name"        toml:"name"        validate:"required"`
	Environment string `mapstructure:"environment" toml:"environment" validate:"omitempty,oneof=dev test prod"`
	Admin       struct {
		Addr         string        `mapstructure:"addr"          toml:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"  toml:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout" toml:"write_timeout"`
		Enabled      bool          `mapstructure:"enabled"       toml:"enabled"`
	} `mapstructure:"admin" toml:"admin"`
}

// LogConfig 定义日志输出、级别与切割策略.
type LogConfig struct {
	Level      string `mapstructure:"level"       toml:"level"       validate:"omitempty,oneof=debug info warn error"`
	Format     string `mapstructure:"format"      toml:"format"      validate:"omitempty,oneof=json text"`
	File       string `mapstructure:"file"        toml:"file"`
	MaxSize    int    `mapstructure:"max_size"    toml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"     toml:"max_age"`
	Console    bool   `mapstructure:"console"     toml:"console"`
	Compress   bool   `mapstructure:"compress"    toml:"compress"`
}

// MetricsConfig 普罗米修斯指标暴露配置，指标挂载在管理接口上.
type MetricsConfig struct {
	Path    string `mapstructure:"path"    toml:"path"`
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
}

// SnowflakeConfig TestReqID 生成器参数.
type SnowflakeConfig struct {
	StartTime string `mapstructure:"start_time" toml:"start_time"`
	MachineID int64  `mapstructure:"machine_id" toml:"machine_id" validate:"min=0,max=65535"`
}

// CircuitBreakerConfig 定义远程存储熔断策略.
type CircuitBreakerConfig struct {
	Interval    time.Duration `mapstructure:"interval"     toml:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"      toml:"timeout"`
	MaxRequests uint32        `mapstructure:"max_requests" toml:"max_requests"`
	Enabled     bool          `mapstructure:"enabled"      toml:"enabled"`
}

// StoreConfig 选择序列号与报文的持久化后端.
type StoreConfig struct {
	Type      string         `mapstructure:"type"       toml:"type"       validate:"oneof=memory redis sql"`
	KeyPrefix string         `mapstructure:"key_prefix" toml:"key_prefix"`
	Redis     RedisConfig    `mapstructure:"redis"      toml:"redis"`
	Database  DatabaseConfig `mapstructure:"database"   toml:"database"`
}

// DatabaseConfig 定义单数据库实例连接与连接池参数.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"            toml:"driver"`
	DSN             string        `mapstructure:"dsn"               toml:"dsn"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" toml:"conn_max_lifetime"`
	SlowThreshold   time.Duration `mapstructure:"slow_threshold"    toml:"slow_threshold"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    toml:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"    toml:"max_open_conns"`
}

// RedisConfig 定义 Redis 连接与池化参数.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"           toml:"addr"`
	Password     string        `mapstructure:"password"       toml:"password"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"   toml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"  toml:"write_timeout"`
	DB           int           `mapstructure:"db"             toml:"db"`
	PoolSize     int           `mapstructure:"pool_size"      toml:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns" toml:"min_idle_conns"`
}

// FixLogConfig 定义会话报文与事件日志的输出目标，可同时启用多个.
type FixLogConfig struct {
	Outputs    []string    `mapstructure:"outputs"     toml:"outputs"     validate:"dive,oneof=slog file kafka null"`
	Dir        string      `mapstructure:"dir"         toml:"dir"`
	MaxSize    int         `mapstructure:"max_size"    toml:"max_size"`
	MaxBackups int         `mapstructure:"max_backups" toml:"max_backups"`
	MaxAge     int         `mapstructure:"max_age"     toml:"max_age"`
	Compress   bool        `mapstructure:"compress"    toml:"compress"`
	Kafka      KafkaConfig `mapstructure:"kafka"       toml:"kafka"`
}

// KafkaConfig 定义 Kafka 生产者参数.
type KafkaConfig struct {
	Topic        string        `mapstructure:"topic"         toml:"topic"`
	Brokers      []string      `mapstructure:"brokers"       toml:"brokers"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" toml:"write_timeout"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" toml:"batch_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"  toml:"max_attempts"`
	RequiredAcks int           `mapstructure:"required_acks" toml:"required_acks"`
	Async        bool          `mapstructure:"async"         toml:"async"`
}

// DictionaryConfig 数据字典文件路径，为空时不做字典校验.
type DictionaryConfig struct {
	Version string `mapstructure:"version" toml:"version"`
	Path    string `mapstructure:"path"    toml:"path"`
}

// AcceptorConfig 入站连接保护参数.
type AcceptorConfig struct {
	IdentifyTimeout time.Duration `mapstructure:"identify_timeout" toml:"identify_timeout"`
	MaxAcceptRate   float64       `mapstructure:"max_accept_rate"  toml:"max_accept_rate"`
	AcceptBurst     int           `mapstructure:"accept_burst"     toml:"accept_burst"`
	MaxConnections  int           `mapstructure:"max_connections"  toml:"max_connections"`
}

// SessionConfig 单个会话配置，未设置的字段取 [default] 段的值.
type SessionConfig struct {
	BeginString       string        `mapstructure:"begin_string"       toml:"begin_string"`
	SenderCompID      string        `mapstructure:"sender_comp_id"     toml:"sender_comp_id"`
	TargetCompID      string        `mapstructure:"target_comp_id"     toml:"target_comp_id"`
	Qualifier         string        `mapstructure:"qualifier"          toml:"qualifier"`
	ConnectionType    string        `mapstructure:"connection_type"    toml:"connection_type"    validate:"omitempty,oneof=acceptor initiator"`
	AcceptHost        string        `mapstructure:"accept_host"        toml:"accept_host"`
	ConnectHost       string        `mapstructure:"connect_host"       toml:"connect_host"`
	AcceptPort        int           `mapstructure:"accept_port"        toml:"accept_port"        validate:"min=0,max=65535"`
	ConnectPort       int           `mapstructure:"connect_port"       toml:"connect_port"       validate:"min=0,max=65535"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" toml:"heartbeat_interval"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval" toml:"reconnect_interval"`
	ResetOnLogon      *bool         `mapstructure:"reset_on_logon"     toml:"reset_on_logon"`
}

// merge 用 c 中非零字段覆盖 def.
func (c SessionConfig) merge(def SessionConfig) SessionConfig {
	out := def
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&out.BeginString, c.BeginString)
	set(&out.SenderCompID, c.SenderCompID)
	set(&out.TargetCompID, c.TargetCompID)
	set(&out.Qualifier, c.Qualifier)
	set(&out.ConnectionType, c.ConnectionType)
	set(&out.AcceptHost, c.AcceptHost)
	set(&out.ConnectHost, c.ConnectHost)
	if c.AcceptPort != 0 {
		out.AcceptPort = c.AcceptPort
	}
	if c.ConnectPort != 0 {
		out.ConnectPort = c.ConnectPort
	}
	if c.HeartbeatInterval != 0 {
		out.HeartbeatInterval = c.HeartbeatInterval
	}
	if c.ReconnectInterval != 0 {
		out.ReconnectInterval = c.ReconnectInterval
	}
	if c.ResetOnLogon != nil {
		out.ResetOnLogon = c.ResetOnLogon
	}
	return out
}

// ToSettings 转换为会话配置，def 为 [default] 段.
func (c SessionConfig) ToSettings(def SessionConfig) fix.SessionSettings {
	m := c.merge(def)
	st := fix.SessionSettings{
		ID: fix.SessionID{
			BeginString:  m.BeginString,
			SenderCompID: m.SenderCompID,
			TargetCompID: m.TargetCompID,
			Qualifier:    m.Qualifier,
		},
		ConnectionType:    fix.ConnectionType(m.ConnectionType),
		AcceptHost:        m.AcceptHost,
		AcceptPort:        m.AcceptPort,
		ConnectHost:       m.ConnectHost,
		ConnectPort:       m.ConnectPort,
		HeartbeatInterval: m.HeartbeatInterval,
		ReconnectInterval: m.ReconnectInterval,
	}
	if m.ResetOnLogon != nil {
		st.ResetOnLogon = *m.ResetOnLogon
	}
	return st.WithDefaults()
}

// SessionSettings 返回所有会话合并默认值后的配置，并检查重复与缺失字段.
func (c *Config) SessionSettings() ([]fix.SessionSettings, error) {
	out := make([]fix.SessionSettings, 0, len(c.Sessions))
	for _, sc := range c.Sessions {
		out = append(out, sc.ToSettings(c.Default))
	}
	if err := fix.ValidateAll(out); err != nil {
		return nil, err
	}
	return out, nil
}

var (
	mu        sync.Mutex
	vInstance = viper.New()
	onReload  []func(*Config)
	validate  = validator.New()
)

// RegisterReloadHook 注册配置热更新回调。
func RegisterReloadHook(hook func(*Config)) {
	if hook == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	onReload = append(onReload, hook)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "fixengine")
	v.SetDefault("server.admin.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("store.type", "memory")
	v.SetDefault("store.key_prefix", "fix")
	v.SetDefault("fixlog.outputs", []string{"slog"})
	v.SetDefault("fixlog.dir", "logs/fix")
	v.SetDefault("default.begin_string", fix.DefaultBeginString)
	v.SetDefault("acceptor.identify_timeout", "30s")
}

// Load 读取 TOML 配置、叠加 APP_ 前缀环境变量并校验.
// 配置文件变更时重新加载，自动更新日志级别并调用热更新回调.
func Load(path string, conf *Config) error {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config error: %w", err)
	}
	if err := v.Unmarshal(conf); err != nil {
		return fmt.Errorf("unmarshal config error: %w", err)
	}
	if err := validate.Struct(conf); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	mu.Lock()
	vInstance = v
	mu.Unlock()

	v.OnConfigChange(func(event fsnotify.Event) {
		slog.Info("detecting config change", "file", event.Name)
		const debounceTimeout = 500 * time.Millisecond
		time.Sleep(debounceTimeout)

		var next Config
		if err := v.Unmarshal(&next); err != nil {
			slog.Error("reload config unmarshal failed", "error", err)
			return
		}
		if err := validate.Struct(&next); err != nil {
			slog.Error("reload config validation failed", "error", err)
			return
		}

		// 会话与存储配置在运行期不可变，只应用日志级别等可热更新项.
		logging.SetLevel(next.Log.Level)
		slog.Info("config hot-reloaded and validated successfully", "log_level", next.Log.Level)

		mu.Lock()
		hooks := append([]func(*Config){}, onReload...)
		mu.Unlock()
		for _, hook := range hooks {
			hook(&next)
		}
	})
	v.WatchConfig()

	return nil
}

// PrintWithMask 脱敏打印当前配置.
func PrintWithMask(conf any) {
	data, err := json.Marshal(conf)
	if err != nil {
		slog.Error("failed to marshal config for printing", "error", err)
		return
	}

	var configMap map[string]any
	if err := json.Unmarshal(data, &configMap); err != nil {
		slog.Error("failed to unmarshal config for masking", "error", err)
		return
	}

	mask(configMap)

	maskedJSON, err := json.MarshalIndent(configMap, "  ", "  ")
	if err != nil {
		slog.Error("failed to marshal masked config", "error", err)
		return
	}

	slog.Info("Current effective configuration", "config", string(maskedJSON))
}

func mask(configMap map[string]any) {
	sensitiveKeys := []string{"password", "secret", "dsn", "token"}

	for key, val := range configMap {
		if subMap, ok := val.(map[string]any); ok {
			mask(subMap)
			continue
		}

		if slice, ok := val.([]any); ok {
			for _, item := range slice {
				if itemMap, ok := item.(map[string]any); ok {
					mask(itemMap)
				}
			}
			continue
		}

		for _, sensitiveKey := range sensitiveKeys {
			if strings.Contains(strings.ToLower(key), sensitiveKey) {
				configMap[key] = "******"
				break
			}
		}
	}
}

// GetViper 返回最近一次 Load 使用的 Viper 实例.
func GetViper() *viper.Viper {
	mu.Lock()
	defer mu.Unlock()
	return vInstance
}
