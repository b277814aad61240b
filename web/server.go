package web

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradepilot/config"
	"tradepilot/event"
	"tradepilot/exchange"
	"tradepilot/fault"
	"tradepilot/logger"
	"tradepilot/store"
	"tradepilot/vault"
)

// HealthRunner 手动触发一轮健康检查（由监控循环实现）
type HealthRunner interface {
	RunOnce() error
}

// EdgeScheduler 面板轮询的自适应退避状态机（由监控包实现）
// 状态放在服务端，面板刷新后退避进度不丢
type EdgeScheduler interface {
	Report(ok bool) time.Duration
	Interval() time.Duration
	Disabled() bool
	Failures() int
	Retry()
}

// Server 控制台 HTTP 服务
type Server struct {
	cfg     *config.Config
	store   *store.Store
	vault   *vault.Vault
	bus     *event.Bus
	gateway *exchange.Gateway
	agents  *AgentClient
	checker HealthRunner
	edge    EdgeScheduler
	hub     *Hub
}

// SetEdgeScheduler 注入边缘退避状态机
func (s *Server) SetEdgeScheduler(edge EdgeScheduler) {
	s.edge = edge
}

// NewServer 创建控制台服务
func NewServer(cfg *config.Config, s *store.Store, v *vault.Vault, bus *event.Bus, checker HealthRunner) *Server {
	srv := &Server{
		cfg:     cfg,
		store:   s,
		vault:   v,
		bus:     bus,
		gateway: exchange.NewGateway(s),
		agents:  NewAgentClient(cfg.Server.ServiceToken),
		checker: checker,
		hub:     NewHub(),
	}
	return srv
}

// Router 构建路由
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), corsMiddleware(), s.logMiddleware())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"service": "tradepilot", "status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	pprofGroup := r.Group("/debug/pprof")
	{
		pprofGroup.GET("/", gin.WrapF(pprof.Index))
		pprofGroup.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		pprofGroup.GET("/profile", gin.WrapF(pprof.Profile))
		pprofGroup.GET("/symbol", gin.WrapF(pprof.Symbol))
		pprofGroup.GET("/trace", gin.WrapF(pprof.Trace))
		pprofGroup.GET("/heap", gin.WrapH(pprof.Handler("heap")))
		pprofGroup.GET("/goroutine", gin.WrapH(pprof.Handler("goroutine")))
		pprofGroup.GET("/allocs", gin.WrapH(pprof.Handler("allocs")))
	}

	api := r.Group("/api", s.authMiddleware())
	{
		// 云厂商
		api.POST("/provider-cloud/:provider/credentials", s.handleSaveCredentials)
		api.POST("/provider-cloud/:provider/validate", s.handleValidateCredentials)
		api.POST("/provider-cloud/:provider/deploy", s.handleDeploy)
		api.POST("/provider-cloud/:provider/adopt-or-deploy", s.handleAdoptOrDeploy)
		api.GET("/provider-cloud/:provider/status/:instance", s.handleInstanceStatus)
		api.POST("/provider-cloud/:provider/start/:instance", s.handleInstanceStart)
		api.POST("/provider-cloud/:provider/stop/:instance", s.handleInstanceStop)
		api.POST("/provider-cloud/:provider/restart/:instance", s.handleInstanceRestart)
		api.POST("/provider-cloud/:provider/terminate/:instance", s.handleInstanceTerminate)

		// 主机与故障转移
		api.GET("/hosts", s.handleListHosts)
		api.GET("/failover/entries", s.handleListFailoverEntries)
		api.POST("/failover/entries", s.handleSaveFailoverEntry)
		api.POST("/health-check/run", s.handleHealthCheckRun)
		api.GET("/health/events", s.handleListHealthEvents)
		api.GET("/edge-backoff", s.handleEdgeBackoffState)
		api.POST("/edge-backoff/report", s.handleEdgeBackoffReport)
		api.POST("/edge-backoff/retry", s.handleEdgeBackoffRetry)
		api.GET("/failover/events", s.handleListFailoverEvents)

		// 机器人控制
		api.POST("/bot-control", s.handleBotControl)
		api.GET("/bot/status", s.handleBotStatus)
		api.POST("/kill-switch", s.handleSetKillSwitch)
		api.GET("/kill-switch", s.handleGetKillSwitch)

		// 交易所
		api.POST("/exchanges/:exchange/credentials", s.handleSaveExchangeCredentials)
		api.GET("/exchanges", s.handleListExchanges)
		api.POST("/exchanges/:exchange/refresh-balance", s.handleRefreshBalance)
		api.POST("/orders", s.handlePlaceOrder)

		// 数据
		api.POST("/reset-trading-data", s.handleResetTradingData)
		api.GET("/signals", s.handleListSignals)
		api.GET("/audit/logs", s.handleListAuditEvents)
		api.GET("/logs", s.handleListLogs)
		api.GET("/latency", s.handleListLatency)
	}

	// 实时推送不经过令牌中间件，连接时单独校验
	r.GET("/ws", s.handleWebSocket)

	return r
}

// Run 启动服务并接上事件推送
func (s *Server) Run() error {
	s.hub.Start(s.bus, s.debounceWindow())
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	logger.Info("🚀 控制台启动，监听 %s", addr)
	return s.Router().Run(addr)
}

// corsMiddleware 跨域响应头与预检
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// authMiddleware 服务令牌校验，未配置令牌时放行（本地单机模式）
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := s.cfg.Server.ServiceToken
		if token == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+token {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "无效服务令牌"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// logMiddleware 请求日志
func (s *Server) logMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Writer.Status() >= 500 {
			logger.Error("❌ %s %s -> %d", c.Request.Method, c.Request.URL.Path, c.Writer.Status())
		}
	}
}

// respondFault 按错误类别选状态码
func respondFault(c *gin.Context, err error) {
	kind := fault.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case fault.KindAuth:
		status = http.StatusUnauthorized
	case fault.KindState:
		status = http.StatusConflict
	case fault.KindProtocol:
		status = http.StatusBadRequest
	case fault.KindCapacity:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"success": false, "error": err.Error(), "kind": string(kind)})
}

func (s *Server) debounceWindow() int {
	ms := s.cfg.Monitor.EdgeBackoff.DebounceMs
	if ms <= 0 {
		ms = 400
	}
	return ms
}
