package store

import "time"

// 主机生命周期状态
const (
	HostProvisioning = "provisioning"
	HostRunning      = "running"
	HostStopped      = "stopped"
	HostTerminated   = "terminated"
	HostError        = "error"
)

// 机器人状态
const (
	BotIdle     = "idle"
	BotStarting = "starting"
	BotRunning  = "running"
	BotStopping = "stopping"
	BotStopped  = "stopped"
	BotError    = "error"
)

// 健康状态
const (
	StatusHealthy = "healthy"
	StatusWarning = "warning"
	StatusDown    = "down"
)

// HostRecord 云主机记录
// lifecycle_status 只有在云厂商 API 确认 running 且分配了公网 IP 后才置为 running
type HostRecord struct {
	ID              string    `gorm:"primaryKey;size:64" json:"id"`
	Provider        string    `gorm:"size:32;index" json:"provider"`
	Region          string    `gorm:"size:64" json:"region"`
	InstanceType    string    `gorm:"size:64" json:"instance_type"`
	PublicIP        string    `gorm:"size:64;index" json:"public_ip"`
	SSHKeyID        string    `gorm:"size:128" json:"ssh_key_id,omitempty"`
	LifecycleStatus string    `gorm:"size:32;index" json:"lifecycle_status"`
	CreatedAt       time.Time `json:"created_at"`
}

// FailoverEntry 故障转移条目
// 不变式：启用条目中最多只有一条 is_primary=true，由选举代码保证
type FailoverEntry struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	Provider            string     `gorm:"size:32;uniqueIndex" json:"provider"`
	Priority            int        `gorm:"index" json:"priority"`
	IsPrimary           bool       `gorm:"index" json:"is_primary"`
	IsEnabled           bool       `json:"is_enabled"`
	HealthURL           string     `gorm:"size:256" json:"health_url,omitempty"`
	TimeoutMs           int        `json:"timeout_ms"`
	Region              string     `gorm:"size:64" json:"region"`
	LatencyMs           int64      `json:"latency_ms"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	AutoFailoverEnabled bool       `json:"auto_failover_enabled"`
	LastHealthCheck     *time.Time `json:"last_health_check,omitempty"`
}

// BotDeployment 机器人部署状态的缓存投影
// 主机侧 agent 是 bot_status 的真相来源，这里只做观察记录
type BotDeployment struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	HostID        string    `gorm:"size:64;uniqueIndex" json:"host_id"`
	IP            string    `gorm:"size:64" json:"ip"`
	BotStatus     string    `gorm:"size:32" json:"bot_status"`
	SignalPresent bool      `json:"signal_present"`
	DockerUp      bool      `json:"docker_up"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ExchangeConnection 交易所连接
// Credentials 为加密信封，明文永不落库
type ExchangeConnection struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	ExchangeName     string     `gorm:"size:32;uniqueIndex" json:"exchange_name"`
	Credentials      string     `gorm:"type:text" json:"-"`
	IsConnected      bool       `json:"is_connected"`
	BalanceUSDT      float64    `json:"balance_usdt"`
	BalanceUpdatedAt *time.Time `json:"balance_updated_at,omitempty"`
	LastPingMs       int64      `json:"last_ping_ms"`
}

// CloudCredential 云厂商凭证（加密信封）
type CloudCredential struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Provider       string     `gorm:"size:32;uniqueIndex" json:"provider"`
	Secret         string     `gorm:"type:text" json:"-"`
	Fingerprint    string     `gorm:"size:128" json:"fingerprint,omitempty"`
	LastVerifiedAt *time.Time `json:"last_verified_at,omitempty"`
}

// Signal 交易信号，仅追加
type Signal struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Symbol          string    `gorm:"size:32;index" json:"symbol"`
	Side            string    `gorm:"size:8" json:"side"`
	Confidence      int       `json:"confidence"`
	ExpectedMovePct float64   `json:"expected_move_pct,omitempty"`
	TimeframeMin    int       `json:"timeframe_min,omitempty"`
	CurrentPrice    float64   `json:"current_price,omitempty"`
	Exchange        string    `gorm:"size:32" json:"exchange"`
	CreatedAt       time.Time `gorm:"index" json:"created_at"`
}

// HealthEvent 健康事件，仅追加
type HealthEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Ts        time.Time `gorm:"index" json:"ts"`
	Provider  string    `gorm:"size:32;index" json:"provider"`
	Status    string    `gorm:"size:16" json:"status"`
	LatencyMs int64     `json:"latency_ms"`
	Message   string    `gorm:"size:512" json:"message,omitempty"`
}

// FailoverEvent 故障转移事件，仅追加
type FailoverEvent struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Ts           time.Time `gorm:"index" json:"ts"`
	FromProvider string    `gorm:"size:32" json:"from_provider"`
	ToProvider   string    `gorm:"size:32" json:"to_provider"`
	Reason       string    `gorm:"size:256" json:"reason"`
	Automatic    bool      `json:"automatic"`
}

// AuditEvent 审计事件，每个改变状态的操作写一条
type AuditEvent struct {
	ID       uint      `gorm:"primaryKey" json:"id"`
	Ts       time.Time `gorm:"index" json:"ts"`
	Actor    string    `gorm:"size:64" json:"actor"`
	Action   string    `gorm:"size:64;index" json:"action"`
	Resource string    `gorm:"size:128" json:"resource"`
	Before   string    `gorm:"size:512" json:"before,omitempty"`
	After    string    `gorm:"size:512" json:"after,omitempty"`
	ClientIP string    `gorm:"size:64" json:"client_ip,omitempty"`
}

// LatencySample 延迟采样（健康探测与订单执行共用）
type LatencySample struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Source    string    `gorm:"size:32;index" json:"source"` // 提供商或交易所名
	Kind      string    `gorm:"size:16" json:"kind"`         // probe, placement, fill
	LatencyMs int64     `json:"latency_ms"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// LogRecord 日志落库记录（logger 包的持久化下游）
type LogRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Level     string    `gorm:"size:8;index" json:"level"`
	Message   string    `gorm:"type:text" json:"message"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// Setting 键值设置（kill_switch、加密密钥等）
type Setting struct {
	Key       string    `gorm:"primaryKey;size:64" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// 设置键
const (
	SettingKillSwitch    = "kill_switch"
	SettingEncryptionKey = "encryption_key"
)
