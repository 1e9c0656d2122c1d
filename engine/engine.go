// Package engine 按配置装配 FIX 会话引擎：存储、日志、会话管理器与管理接口.
package engine

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/wyfcoding/fixengine/app"
	"github.com/wyfcoding/fixengine/config"
	"github.com/wyfcoding/fixengine/connectivity/fix"
	"github.com/wyfcoding/fixengine/idgen"
	"github.com/wyfcoding/fixengine/limiter"
	"github.com/wyfcoding/fixengine/logging"
	"github.com/wyfcoding/fixengine/metrics"
	"github.com/wyfcoding/fixengine/server"
	"github.com/wyfcoding/fixengine/xerrors"
)

// 按对端地址的限流状态保留时长.
const acceptLimiterTTL = 10 * time.Minute

// Engine 持有一个进程内全部的会话与其依赖.
type Engine struct {
	app       *app.App
	logger    *logging.Logger
	metrics   *metrics.Metrics
	registry  *fix.Registry
	acceptor  *fix.Acceptor
	initiator *fix.Initiator
	admin     *server.GinServer
	cleanups  []func()
}

// New 根据配置创建引擎，application 为空时使用 fix.NopApplication.
// 失败时已经创建的外部连接会被释放.
func New(cfg *config.Config, application fix.Application) (eng *Engine, err error) {
	if application == nil {
		application = fix.NopApplication{}
	}

	logger := logging.NewFromConfig(logging.Config{
		Service:    cfg.Server.Name,
		Module:     "engine",
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		Console:    cfg.Log.Console,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(logger.Logger)

	m := metrics.NewMetrics(cfg.Server.Name)
	m.RegisterBuildInfo(cfg.Server.Name, cfg.Version)

	e := &Engine{
		logger:   logger,
		metrics:  m,
		registry: fix.NewRegistry(),
	}
	defer func() {
		if err != nil {
			e.cleanup()
		}
	}()

	settings, err := cfg.SessionSettings()
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.ErrInvalidArg, "invalid session settings")
	}

	storeFactory, storeCleanup, err := newStoreFactory(cfg, logger.WithModule("store"), m)
	if err != nil {
		return nil, err
	}
	e.cleanups = append(e.cleanups, storeCleanup)

	logFactory, logCleanup, err := newLogFactory(cfg.FixLog, logger, m)
	if err != nil {
		return nil, err
	}
	e.cleanups = append(e.cleanups, logCleanup)

	dict, err := loadDictionary(cfg.Dictionary)
	if err != nil {
		return nil, err
	}

	ids, err := idgen.NewSonyflakeGenerator(idgen.Config{
		StartTime: cfg.Snowflake.StartTime,
		MachineID: cfg.Snowflake.MachineID,
	})
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.ErrInvalidArg, "invalid snowflake config")
	}

	sessionOpts := []fix.Option{
		fix.WithSessionMetrics(fix.NewSessionMetrics(m)),
		fix.WithIDGenerator(ids),
	}
	if dict != nil {
		sessionOpts = append(sessionOpts, fix.WithDictionary(dict))
	}

	managerOpts := []fix.ManagerOption{
		fix.WithManagerLogger(logger.WithModule("fix").Logger),
		fix.WithRegistry(e.registry),
		fix.WithSessionOptions(sessionOpts...),
	}
	if cfg.Acceptor.IdentifyTimeout > 0 {
		managerOpts = append(managerOpts, fix.WithIdentifyTimeout(cfg.Acceptor.IdentifyTimeout))
	}
	if cfg.Acceptor.MaxAcceptRate > 0 {
		burst := max(cfg.Acceptor.AcceptBurst, 1)
		managerOpts = append(managerOpts, fix.WithAcceptRateLimiter(
			limiter.NewKeyedLimiter(rate.Limit(cfg.Acceptor.MaxAcceptRate), burst, acceptLimiterTTL)))
	}
	if cfg.Acceptor.MaxConnections > 0 {
		managerOpts = append(managerOpts, fix.WithMaxConnections(
			limiter.NewConnCap(cfg.Acceptor.MaxConnections)))
	}

	var hooks []app.Hook
	if hasRole(settings, fix.RoleAcceptor) {
		e.acceptor, err = fix.NewAcceptor(application, storeFactory, logFactory, settings, managerOpts...)
		if err != nil {
			return nil, xerrors.Wrap(err, xerrors.ErrInvalidArg, "create acceptor")
		}
		hooks = append(hooks, app.Hook{
			Name:    "fix-acceptor",
			OnStart: e.acceptor.Start,
			OnStop:  e.acceptor.Stop,
		})
	}
	if hasRole(settings, fix.RoleInitiator) {
		e.initiator, err = fix.NewInitiator(application, storeFactory, logFactory, settings, managerOpts...)
		if err != nil {
			return nil, xerrors.Wrap(err, xerrors.ErrInvalidArg, "create initiator")
		}
		hooks = append(hooks, app.Hook{
			Name:    "fix-initiator",
			OnStart: e.initiator.Start,
			OnStop:  e.initiator.Stop,
		})
	}

	opts := []app.Option{app.WithHook(hooks...)}
	if cfg.Server.Admin.Enabled {
		var (
			exposed     *metrics.Metrics
			metricsPath string
		)
		if cfg.Metrics.Enabled {
			exposed, metricsPath = m, cfg.Metrics.Path
		}
		adminLogger := logger.WithModule("admin").Logger
		router := server.NewAdminEngine(e.registry, exposed, adminLogger, metricsPath)
		e.admin = server.NewGinServer(router, cfg.Server.Admin.Addr, adminLogger, server.GinOptions{
			ReadTimeout:  cfg.Server.Admin.ReadTimeout,
			WriteTimeout: cfg.Server.Admin.WriteTimeout,
		})
		opts = append(opts, app.WithServer(e.admin))
	}
	opts = append(opts, app.WithCleanup(e.cleanup))

	e.app = app.New(cfg.Server.Name, logger.Logger, opts...)
	return e, nil
}

func hasRole(settings []fix.SessionSettings, role fix.ConnectionType) bool {
	for _, s := range settings {
		if s.ConnectionType == role {
			return true
		}
	}
	return false
}

// cleanup 先关闭会话的存储与日志，再释放外部连接.
func (e *Engine) cleanup() {
	for _, s := range e.registry.List() {
		if err := s.Close(); err != nil {
			e.logger.Warn("failed to close session", "session", s.ID().String(), "error", err)
		}
	}
	for i := len(e.cleanups) - 1; i >= 0; i-- {
		e.cleanups[i]()
	}
	e.cleanups = nil
}

// Run 启动所有会话管理器与管理接口，阻塞到 ctx 取消后优雅退出.
func (e *Engine) Run(ctx context.Context) error {
	return e.app.Run(ctx)
}

func (e *Engine) Registry() *fix.Registry { return e.registry }

// Acceptor 未配置 acceptor 会话时返回 nil.
func (e *Engine) Acceptor() *fix.Acceptor { return e.acceptor }

// Initiator 未配置 initiator 会话时返回 nil.
func (e *Engine) Initiator() *fix.Initiator { return e.initiator }

func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Admin 未启用管理接口时返回 nil.
func (e *Engine) Admin() *server.GinServer { return e.admin }
