package agent

import (
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"tradepilot/exchange"
	"tradepilot/logger"
)

// Version 版本号，随 /health 上报
var Version = "1.2.0"

// Config 代理进程配置
type Config struct {
	// DataDir 信号文件和环境文件所在目录
	DataDir string
	// ComposeDir docker-compose.yml 所在目录
	ComposeDir string
	// Port 监听端口，只绑定回环地址
	Port int
	// Token 控制台访问令牌，为空时不校验
	Token string
}

// Agent 宿主机上与机器人同机部署的代理
// 信号文件是机器人是否应该运行的唯一事实来源
type Agent struct {
	cfg       *Config
	compose   composeRunner
	startedAt time.Time

	// killSwitch 控制台下发的全局禁止下单标志
	killSwitch atomic.Bool

	mu       sync.Mutex
	adapters map[string]exchange.Exchange
	// placed 本地幂等表：同一客户端订单号只会提交一次
	placed map[string]*pendingOrder
}

// pendingOrder 幂等表条目，done 关闭前表示同号订单仍在途
type pendingOrder struct {
	done   chan struct{}
	result *exchange.OrderResult
	err    error
}

// New 创建代理
func New(cfg *Config) *Agent {
	return &Agent{
		cfg:       cfg,
		compose:   &dockerCompose{dir: cfg.ComposeDir},
		startedAt: time.Now(),
		adapters:  make(map[string]exchange.Exchange),
		placed:    make(map[string]*pendingOrder),
	}
}

// signalPath 信号文件路径
func (a *Agent) signalPath() string {
	return filepath.Join(a.cfg.DataDir, "START_SIGNAL")
}

// envPath 交易所环境文件路径
func (a *Agent) envPath() string {
	return filepath.Join(a.cfg.DataDir, ".env.exchanges")
}

// Router 构建路由
func (a *Agent) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), corsMiddleware(), a.authMiddleware())

	r.GET("/health", a.handleHealth)
	r.GET("/status", a.handleStatus)
	r.GET("/signal-check", a.handleSignalCheck)
	r.POST("/control", a.handleControl)
	r.GET("/logs", a.handleLogs)
	r.GET("/ping-exchanges", a.handlePingExchanges)
	r.POST("/balance", a.handleBalance)
	r.POST("/place-order", a.handlePlaceOrder)
	r.POST("/kill-switch", a.handleKillSwitch)

	return r
}

// Run 启动 HTTP 服务，只监听回环地址
func (a *Agent) Run() error {
	addr := "127.0.0.1:" + strconv.Itoa(a.cfg.Port)
	logger.Info("🚀 代理启动，监听 %s，数据目录 %s", addr, a.cfg.DataDir)
	return a.Router().Run(addr)
}

// corsMiddleware 允许控制台跨域访问
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// authMiddleware 令牌校验，配置为空时放行
func (a *Agent) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.cfg.Token == "" || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+a.cfg.Token {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "无效令牌"})
			c.Abort()
			return
		}
		c.Next()
	}
}
