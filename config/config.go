package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 运维控制台系统配置
type Config struct {
	// 控制台服务配置
	Server struct {
		Host         string `yaml:"host"`          // 监听地址，默认 0.0.0.0
		Port         int    `yaml:"port"`          // 监听端口，默认 8080
		ServiceToken string `yaml:"service_token"` // 服务令牌（为空时从 SUPABASE_SERVICE_ROLE_KEY 读取）
	} `yaml:"server"`

	// 主机代理配置（agent 进程使用）
	Agent struct {
		Host        string `yaml:"host"`         // 监听地址，默认 127.0.0.1（由反向代理转发80端口）
		Port        int    `yaml:"port"`         // 监听端口，默认 3000
		DataDir     string `yaml:"data_dir"`     // 数据目录（信号文件所在），默认 ./data
		ConfigDir   string `yaml:"config_dir"`   // 配置目录（.env.exchanges 所在），默认 ./config
		ComposeFile string `yaml:"compose_file"` // docker compose 文件路径，默认 docker-compose.yml
		BotService  string `yaml:"bot_service"`  // 交易机器人服务名，默认 trading-bot
		LogFile     string `yaml:"log_file"`     // 机器人日志文件，默认 logs/bot.log
	} `yaml:"agent"`

	// 数据库配置（支持 SQLite、PostgreSQL、MySQL）
	Database struct {
		Type            string `yaml:"type"`              // 数据库类型: sqlite, postgres, mysql，默认 sqlite
		DSN             string `yaml:"dsn"`               // 数据源名称（为空时从 SUPABASE_URL 推导）
		MaxOpenConns    int    `yaml:"max_open_conns"`    // 最大打开连接数，默认100
		MaxIdleConns    int    `yaml:"max_idle_conns"`    // 最大空闲连接数，默认10
		ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 连接最大生命周期（秒），默认3600
		LogLevel        string `yaml:"log_level"`         // 日志级别: silent, error, warn, info，默认 error
	} `yaml:"database"`

	// 健康检查与故障转移配置
	Monitor struct {
		Enabled          bool `yaml:"enabled"`           // 是否启用健康检查循环，默认true
		Interval         int  `yaml:"interval"`          // 正常轮询间隔（秒），默认30
		DegradedInterval int  `yaml:"degraded_interval"` // 主节点降级时的轮询间隔（秒），默认10
		ProbeTimeout     int  `yaml:"probe_timeout"`     // 探测超时（秒），默认10
		FailureThreshold int  `yaml:"failure_threshold"` // 触发故障转移的连续失败次数，默认3

		// 边缘侧自适应退避（面向浏览器轮询）
		EdgeBackoff struct {
			HealthyInterval  int `yaml:"healthy_interval"`  // 健康时的基准间隔（秒），默认60
			DegradedInterval int `yaml:"degraded_interval"` // 失败后的间隔（秒），默认30
			DisableThreshold int `yaml:"disable_threshold"` // 连续边缘失败多少次后停止探测，默认5
			DebounceMs       int `yaml:"debounce_ms"`       // 存储变更通知防抖（毫秒），默认400
		} `yaml:"edge_backoff"`
	} `yaml:"monitor"`

	// 凭证保险库配置
	Vault struct {
		EncryptionKey string `yaml:"encryption_key"` // 加密密钥（为空时从 ENCRYPTION_KEY 环境变量读取）
		KeyCacheTTL   int    `yaml:"key_cache_ttl"`  // 密钥缓存TTL（秒），默认300
	} `yaml:"vault"`

	// 分布式锁配置（主节点选举序列化）
	DistributedLock struct {
		Enabled    bool   `yaml:"enabled"`     // 是否启用 Redis 锁，默认false（退化为数据库CAS）
		Prefix     string `yaml:"prefix"`      // 锁键前缀，默认 "tradepilot:lock:"
		DefaultTTL int    `yaml:"default_ttl"` // 默认锁过期时间（秒），默认5

		Redis struct {
			Addr     string `yaml:"addr"`      // Redis 地址，默认 localhost:6379
			Password string `yaml:"password"`  // Redis 密码，默认为空
			DB       int    `yaml:"db"`        // Redis 数据库，默认0
			PoolSize int    `yaml:"pool_size"` // 连接池大小，默认10
		} `yaml:"redis"`
	} `yaml:"distributed_lock"`

	// 通知配置
	Notifications struct {
		Enabled bool `yaml:"enabled"`

		Telegram struct {
			Enabled  bool   `yaml:"enabled"`
			BotToken string `yaml:"bot_token"`
			ChatID   string `yaml:"chat_id"`
		} `yaml:"telegram"`

		Webhook struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url"`
			Timeout int    `yaml:"timeout"` // 超时时间（秒，默认3）
		} `yaml:"webhook"`

		// 通知冷却时间（分钟），默认30，避免重复告警刷屏
		CooldownMinutes int `yaml:"cooldown_minutes"`
	} `yaml:"notifications"`

	System struct {
		LogLevel    string `yaml:"log_level"`    // 日志级别，默认 INFO
		LogLanguage string `yaml:"log_language"` // 通知语言，如 "zh-CN" 或 "en-US"
	} `yaml:"system"`
}

// Load 加载配置文件
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default 返回带默认值的配置（允许无配置文件启动 agent）
func Default() *Config {
	cfg := &Config{}
	cfg.Monitor.Enabled = true
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

// applyDefaults 填充默认值
func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Agent.Host == "" {
		c.Agent.Host = "127.0.0.1"
	}
	if c.Agent.Port == 0 {
		c.Agent.Port = 3000
	}
	if c.Agent.DataDir == "" {
		c.Agent.DataDir = "./data"
	}
	if c.Agent.ConfigDir == "" {
		c.Agent.ConfigDir = "./config"
	}
	if c.Agent.ComposeFile == "" {
		c.Agent.ComposeFile = "docker-compose.yml"
	}
	if c.Agent.BotService == "" {
		c.Agent.BotService = "trading-bot"
	}
	if c.Agent.LogFile == "" {
		c.Agent.LogFile = "logs/bot.log"
	}

	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Type == "sqlite" {
		c.Database.DSN = "./data/tradepilot.db"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 100
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 3600
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "error"
	}

	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = 30
	}
	if c.Monitor.DegradedInterval == 0 {
		c.Monitor.DegradedInterval = 10
	}
	if c.Monitor.ProbeTimeout == 0 {
		c.Monitor.ProbeTimeout = 10
	}
	if c.Monitor.FailureThreshold == 0 {
		c.Monitor.FailureThreshold = 3
	}
	if c.Monitor.EdgeBackoff.HealthyInterval == 0 {
		c.Monitor.EdgeBackoff.HealthyInterval = 60
	}
	if c.Monitor.EdgeBackoff.DegradedInterval == 0 {
		c.Monitor.EdgeBackoff.DegradedInterval = 30
	}
	if c.Monitor.EdgeBackoff.DisableThreshold == 0 {
		c.Monitor.EdgeBackoff.DisableThreshold = 5
	}
	if c.Monitor.EdgeBackoff.DebounceMs == 0 {
		c.Monitor.EdgeBackoff.DebounceMs = 400
	}

	if c.Vault.KeyCacheTTL == 0 {
		c.Vault.KeyCacheTTL = 300
	}

	if c.DistributedLock.Prefix == "" {
		c.DistributedLock.Prefix = "tradepilot:lock:"
	}
	if c.DistributedLock.DefaultTTL == 0 {
		c.DistributedLock.DefaultTTL = 5
	}
	if c.DistributedLock.Redis.Addr == "" {
		c.DistributedLock.Redis.Addr = "localhost:6379"
	}
	if c.DistributedLock.Redis.PoolSize == 0 {
		c.DistributedLock.Redis.PoolSize = 10
	}

	if c.Notifications.Webhook.Timeout == 0 {
		c.Notifications.Webhook.Timeout = 3
	}
	if c.Notifications.CooldownMinutes == 0 {
		c.Notifications.CooldownMinutes = 30
	}

	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.System.LogLanguage == "" {
		c.System.LogLanguage = "zh-CN"
	}
}

// applyEnv 从环境变量补齐敏感项（不写回配置文件）
func (c *Config) applyEnv() {
	if c.Server.ServiceToken == "" {
		c.Server.ServiceToken = os.Getenv("SUPABASE_SERVICE_ROLE_KEY")
	}
	if c.Database.DSN == "" {
		// Supabase 项目直接暴露 Postgres 连接串
		if dsn := os.Getenv("SUPABASE_URL"); dsn != "" {
			c.Database.Type = "postgres"
			c.Database.DSN = dsn
		}
	}
	if c.Vault.EncryptionKey == "" {
		c.Vault.EncryptionKey = os.Getenv("ENCRYPTION_KEY")
	}
}

// validate 校验配置
func (c *Config) validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres", "postgresql", "mysql":
	default:
		return fmt.Errorf("不支持的数据库类型: %s", c.Database.Type)
	}

	if c.Monitor.DegradedInterval > c.Monitor.Interval {
		return fmt.Errorf("降级轮询间隔(%d)不能大于正常间隔(%d)", c.Monitor.DegradedInterval, c.Monitor.Interval)
	}

	return nil
}
