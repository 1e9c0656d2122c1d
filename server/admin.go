package server

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/fixengine/connectivity/fix"
	"github.com/wyfcoding/fixengine/metrics"
	"github.com/wyfcoding/fixengine/response"
	"github.com/wyfcoding/fixengine/xerrors"
)

const defaultMetricsPath = "/metrics"

// SessionInfo 是管理接口返回的会话视图.
type SessionInfo struct {
	ID            string `json:"id"`
	Role          string `json:"role"`
	State         string `json:"state"`
	NextSenderSeq int    `json:"next_sender_seq,omitempty"`
	NextTargetSeq int    `json:"next_target_seq,omitempty"`
}

type logoutRequest struct {
	Text string `json:"text"`
}

type adminHandler struct {
	registry *fix.Registry
	logger   *slog.Logger
}

// NewAdminEngine 注册会话查询与运维路由. m 为 nil 时不暴露指标.
func NewAdminEngine(registry *fix.Registry, m *metrics.Metrics, logger *slog.Logger, metricsPath string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	h := &adminHandler{registry: registry, logger: logger}
	engine.GET("/healthz", h.health)
	sessions := engine.Group("/sessions")
	sessions.GET("", h.list)
	sessions.GET("/:id", h.get)
	sessions.POST("/:id/logout", h.logout)
	sessions.POST("/:id/reset", h.reset)

	if m != nil {
		if metricsPath == "" {
			metricsPath = defaultMetricsPath
		}
		engine.GET(metricsPath, gin.WrapH(m.Handler()))
	}
	return engine
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.DebugContext(c.Request.Context(), "admin request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

func info(s *fix.Session) SessionInfo {
	return SessionInfo{
		ID:    s.ID().String(),
		Role:  string(s.Settings().ConnectionType),
		State: string(s.State()),
	}
}

func (h *adminHandler) health(c *gin.Context) {
	loggedOn := 0
	list := h.registry.List()
	for _, s := range list {
		if s.LoggedOn() {
			loggedOn++
		}
	}
	response.Success(c, gin.H{"status": "ok", "sessions": len(list), "logged_on": loggedOn})
}

func (h *adminHandler) list(c *gin.Context) {
	list := h.registry.List()
	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, info(s))
	}
	response.Success(c, out)
}

func (h *adminHandler) lookup(c *gin.Context) (*fix.Session, bool) {
	s, ok := h.registry.Lookup(c.Param("id"))
	if !ok {
		response.Error(c, xerrors.ErrSessionNotFound)
	}
	return s, ok
}

func (h *adminHandler) get(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	view := info(s)
	sender, target, err := s.SeqNums(c.Request.Context())
	if err != nil {
		response.Error(c, xerrors.Wrap(err, xerrors.ErrUnavailable, "read sequence numbers"))
		return
	}
	view.NextSenderSeq, view.NextTargetSeq = sender, target
	response.Success(c, view)
}

func (h *adminHandler) logout(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	if !s.LoggedOn() {
		response.Error(c, xerrors.ErrSessionNotLoggedOn)
		return
	}
	var req logoutRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, xerrors.InvalidArg(err.Error()))
			return
		}
	}
	if err := s.Logout(c.Request.Context(), req.Text); err != nil {
		response.Error(c, xerrors.WrapInternal(err, "send logout"))
		return
	}
	h.logger.InfoContext(c.Request.Context(), "logout requested via admin api", "session", s.ID().String())
	response.Success(c, info(s))
}

func (h *adminHandler) reset(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := s.Reset(c.Request.Context()); err != nil {
		response.Error(c, xerrors.Wrap(err, xerrors.ErrUnavailable, "reset session store"))
		return
	}
	h.logger.InfoContext(c.Request.Context(), "session reset via admin api", "session", s.ID().String())
	response.Success(c, info(s))
}
