package engine

import (
	"fmt"

	"github.com/wyfcoding/fixengine/breaker"
	"github.com/wyfcoding/fixengine/config"
	"github.com/wyfcoding/fixengine/connectivity/fix"
	"github.com/wyfcoding/fixengine/connectivity/fix/fixlog"
	"github.com/wyfcoding/fixengine/connectivity/fix/store"
	"github.com/wyfcoding/fixengine/database"
	"github.com/wyfcoding/fixengine/logging"
	"github.com/wyfcoding/fixengine/messagequeue/kafka"
	"github.com/wyfcoding/fixengine/metrics"
	"github.com/wyfcoding/fixengine/redis"
	"github.com/wyfcoding/fixengine/xerrors"
)

// newStoreFactory 按 store.type 构建存储工厂，返回的清理函数释放底层连接.
func newStoreFactory(cfg *config.Config, logger *logging.Logger, m *metrics.Metrics) (fix.StoreFactory, func(), error) {
	newBreaker := func(name string) *breaker.Breaker {
		return breaker.NewBreaker(breaker.Settings{
			Name:   name,
			Config: cfg.CircuitBreaker,
			State:  breaker.NewStateGauge(m),
		})
	}

	// 每种后端只创建一个熔断器，状态指标不会重复注册.
	switch cfg.Store.Type {
	case "", "memory":
		return store.MemoryStoreFactory{}, func() {}, nil
	case "redis":
		client, cleanup, err := redis.NewClient(cfg.Store.Redis, logger, m)
		if err != nil {
			return nil, nil, xerrors.Wrap(err, xerrors.ErrUnavailable, "connect redis store")
		}
		return store.RedisStoreFactory{
			Client:  client,
			Breaker: newBreaker("fix-store-redis"),
			Prefix:  cfg.Store.KeyPrefix,
		}, cleanup, nil
	case "sql":
		db, err := database.NewDB(cfg.Store.Database, newBreaker("fix-store-sql"), logger)
		if err != nil {
			return nil, nil, xerrors.Wrap(err, xerrors.ErrUnavailable, "connect sql store")
		}
		f, err := store.NewSQLStoreFactory(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, xerrors.WrapInternal(err, "migrate sql store")
		}
		cleanup := func() {
			if err := db.Close(); err != nil {
				logger.Error("failed to close sql store", "error", err)
			}
		}
		return f, cleanup, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", xerrors.ErrUnsupportedStore, cfg.Store.Type)
	}
}

// newLogFactory 组合 fixlog.outputs 中的所有输出.
func newLogFactory(cfg config.FixLogConfig, logger *logging.Logger, m *metrics.Metrics) (fix.LogFactory, func(), error) {
	var (
		factories fixlog.MultiLogFactory
		cleanups  []func()
	)
	cleanup := func() {
		for _, c := range cleanups {
			c()
		}
	}

	for _, out := range cfg.Outputs {
		switch out {
		case "slog":
			factories = append(factories, fixlog.SlogLogFactory{Logger: logger.WithModule("fixlog").Logger})
		case "file":
			factories = append(factories, fixlog.FileLogFactory{
				Dir: cfg.Dir,
				Options: fixlog.FileOptions{
					MaxSize:    cfg.MaxSize,
					MaxBackups: cfg.MaxBackups,
					MaxAge:     cfg.MaxAge,
					Compress:   cfg.Compress,
				},
			})
		case "kafka":
			if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" {
				cleanup()
				return nil, nil, xerrors.InvalidArg("fixlog kafka output requires brokers and topic")
			}
			p := kafka.NewProducer(fixlogKafkaConfig(cfg.Kafka), logger.WithModule("fixlog-kafka"), m)
			cleanups = append(cleanups, func() { _ = p.Close() })
			factories = append(factories, fixlog.KafkaLogFactory{Publisher: p})
		case "null":
			factories = append(factories, fixlog.NullLogFactory{})
		default:
			cleanup()
			return nil, nil, fmt.Errorf("%w: %q", xerrors.ErrUnsupportedLogOutput, out)
		}
	}
	return factories, cleanup, nil
}

// fixlogKafkaConfig 强制异步写入. 审计记录在会话锁内发布，同步写会让每条收发报文
// 等待一个 BatchTimeout.
func fixlogKafkaConfig(cfg config.KafkaConfig) config.KafkaConfig {
	cfg.Async = true
	return cfg
}

func loadDictionary(cfg config.DictionaryConfig) (fix.Dictionary, error) {
	if cfg.Path == "" {
		return nil, nil
	}
	version := cfg.Version
	if version == "" {
		version = fix.DefaultBeginString
	}
	d, err := fix.LoadDictionary(version, cfg.Path)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.ErrInvalidArg, fmt.Sprintf("load dictionary %s", cfg.Path))
	}
	return d, nil
}
