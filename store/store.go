package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Store GORM 存储实现，支持 sqlite / postgres(Supabase) / mysql
type Store struct {
	db *gorm.DB
}

// Config 存储配置
type Config struct {
	Type            string        // sqlite, postgres, mysql
	DSN             string        // 数据源名称
	MaxOpenConns    int           // 最大打开连接数
	MaxIdleConns    int           // 最大空闲连接数
	ConnMaxLifetime time.Duration // 连接最大生命周期
	LogLevel        string        // 日志级别: silent, error, warn, info
}

// New 创建存储实例并自动迁移
func New(config *Config) (*Store, error) {
	var dialector gorm.Dialector

	switch config.Type {
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("不支持的数据库类型: %s", config.Type)
	}

	logLevel := gormlogger.Silent
	switch config.LogLevel {
	case "error":
		logLevel = gormlogger.Error
	case "warn":
		logLevel = gormlogger.Warn
	case "info":
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层连接失败: %w", err)
	}

	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&HostRecord{},
		&FailoverEntry{},
		&BotDeployment{},
		&ExchangeConnection{},
		&CloudCredential{},
		&Signal{},
		&HealthEvent{},
		&FailoverEvent{},
		&AuditEvent{},
		&LatencySample{},
		&LogRecord{},
		&Setting{},
	); err != nil {
		return nil, fmt.Errorf("自动迁移失败: %w", err)
	}

	return &Store{db: db}, nil
}

// Ping 健康检查
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ==================== 主机记录 ====================

// SaveHost 保存主机记录（存在则更新）
func (s *Store) SaveHost(ctx context.Context, host *HostRecord) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(host).Error
}

// UpdateHostStatus 更新主机生命周期状态
func (s *Store) UpdateHostStatus(ctx context.Context, id, status string) error {
	return s.db.WithContext(ctx).Model(&HostRecord{}).
		Where("id = ?", id).
		Update("lifecycle_status", status).Error
}

// GetHost 根据 ID 获取主机记录
func (s *Store) GetHost(ctx context.Context, id string) (*HostRecord, error) {
	var host HostRecord
	if err := s.db.WithContext(ctx).First(&host, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &host, nil
}

// FindHostByIP 根据公网 IP 查找主机记录
func (s *Store) FindHostByIP(ctx context.Context, ip string) (*HostRecord, error) {
	var host HostRecord
	err := s.db.WithContext(ctx).First(&host, "public_ip = ?", ip).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &host, nil
}

// ListHosts 列出所有主机记录
func (s *Store) ListHosts(ctx context.Context) ([]*HostRecord, error) {
	var hosts []*HostRecord
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&hosts).Error; err != nil {
		return nil, err
	}
	return hosts, nil
}

// ==================== 故障转移条目 ====================

// ListFailoverEntries 列出启用的条目，按优先级排序
func (s *Store) ListFailoverEntries(ctx context.Context) ([]*FailoverEntry, error) {
	var entries []*FailoverEntry
	if err := s.db.WithContext(ctx).
		Where("is_enabled = ?", true).
		Order("priority ASC, provider ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// GetFailoverEntry 按提供商获取条目
func (s *Store) GetFailoverEntry(ctx context.Context, provider string) (*FailoverEntry, error) {
	var entry FailoverEntry
	if err := s.db.WithContext(ctx).First(&entry, "provider = ?", provider).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// SaveFailoverEntry 保存条目（按提供商唯一）
func (s *Store) SaveFailoverEntry(ctx context.Context, entry *FailoverEntry) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}},
		UpdateAll: true,
	}).Create(entry).Error
}

// RecordProbeResult 更新单次探测结果
func (s *Store) RecordProbeResult(ctx context.Context, provider string, latencyMs int64, failures int, checkedAt time.Time) error {
	return s.db.WithContext(ctx).Model(&FailoverEntry{}).
		Where("provider = ?", provider).
		Updates(map[string]interface{}{
			"latency_ms":           latencyMs,
			"consecutive_failures": failures,
			"last_health_check":    checkedAt,
		}).Error
}

// GetPrimary 获取当前主节点条目，不存在时返回 nil
func (s *Store) GetPrimary(ctx context.Context) (*FailoverEntry, error) {
	var entry FailoverEntry
	err := s.db.WithContext(ctx).
		First(&entry, "is_primary = ? AND is_enabled = ?", true, true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// PromotePrimary 原子切换主节点：带 CAS 条件地摘掉现任，提升继任者并清零失败计数
// expectedIncumbent 为空表示当前没有主节点（首次提升）
func (s *Store) PromotePrimary(ctx context.Context, expectedIncumbent, successor string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if expectedIncumbent != "" {
			res := tx.Model(&FailoverEntry{}).
				Where("provider = ? AND is_primary = ?", expectedIncumbent, true).
				Update("is_primary", false)
			if res.Error != nil {
				return res.Error
			}
			// CAS 失败说明别的实例已经完成了切换
			if res.RowsAffected == 0 {
				return fmt.Errorf("主节点已被并发切换: %s 不再是主节点", expectedIncumbent)
			}
		} else {
			// 防御性清场：保证提升后全表只有一个主节点
			if err := tx.Model(&FailoverEntry{}).
				Where("is_primary = ?", true).
				Update("is_primary", false).Error; err != nil {
				return err
			}
		}

		res := tx.Model(&FailoverEntry{}).
			Where("provider = ? AND is_enabled = ?", successor, true).
			Updates(map[string]interface{}{
				"is_primary":           true,
				"consecutive_failures": 0,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("继任者不存在或未启用: %s", successor)
		}
		return nil
	})
}

// ==================== 机器人部署 ====================

// UpsertDeployment 记录主机侧观察到的机器人状态
func (s *Store) UpsertDeployment(ctx context.Context, d *BotDeployment) error {
	d.UpdatedAt = time.Now()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "host_id"}},
		UpdateAll: true,
	}).Create(d).Error
}

// GetDeployment 获取主机的部署记录
func (s *Store) GetDeployment(ctx context.Context, hostID string) (*BotDeployment, error) {
	var d BotDeployment
	err := s.db.WithContext(ctx).First(&d, "host_id = ?", hostID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ==================== 交易所连接 ====================

// UpsertExchangeConnection 保存交易所连接（按交易所名唯一）
func (s *Store) UpsertExchangeConnection(ctx context.Context, conn *ExchangeConnection) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "exchange_name"}},
		UpdateAll: true,
	}).Create(conn).Error
}

// GetExchangeConnection 按交易所名获取连接
func (s *Store) GetExchangeConnection(ctx context.Context, name string) (*ExchangeConnection, error) {
	var conn ExchangeConnection
	if err := s.db.WithContext(ctx).First(&conn, "exchange_name = ?", name).Error; err != nil {
		return nil, err
	}
	return &conn, nil
}

// ListExchangeConnections 列出所有交易所连接
func (s *Store) ListExchangeConnections(ctx context.Context) ([]*ExchangeConnection, error) {
	var conns []*ExchangeConnection
	if err := s.db.WithContext(ctx).Find(&conns).Error; err != nil {
		return nil, err
	}
	return conns, nil
}

// UpdateBalance 更新交易所余额缓存
func (s *Store) UpdateBalance(ctx context.Context, name string, balanceUSDT float64, at time.Time) error {
	return s.db.WithContext(ctx).Model(&ExchangeConnection{}).
		Where("exchange_name = ?", name).
		Updates(map[string]interface{}{
			"balance_usdt":       balanceUSDT,
			"balance_updated_at": at,
			"is_connected":       true,
		}).Error
}

// ==================== 云凭证 ====================

// SaveCloudCredential 保存云厂商凭证（加密信封）
func (s *Store) SaveCloudCredential(ctx context.Context, cred *CloudCredential) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}},
		UpdateAll: true,
	}).Create(cred).Error
}

// GetCloudCredential 按提供商获取凭证
func (s *Store) GetCloudCredential(ctx context.Context, provider string) (*CloudCredential, error) {
	var cred CloudCredential
	if err := s.db.WithContext(ctx).First(&cred, "provider = ?", provider).Error; err != nil {
		return nil, err
	}
	return &cred, nil
}

// ==================== 信号 ====================

// SaveSignal 追加交易信号
func (s *Store) SaveSignal(ctx context.Context, sig *Signal) error {
	return s.db.WithContext(ctx).Create(sig).Error
}

// ListSignals 列出最近的信号
func (s *Store) ListSignals(ctx context.Context, limit int) ([]*Signal, error) {
	if limit <= 0 {
		limit = 50
	}
	var signals []*Signal
	if err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&signals).Error; err != nil {
		return nil, err
	}
	return signals, nil
}

// ==================== 事件 ====================

// SaveHealthEvent 追加健康事件
func (s *Store) SaveHealthEvent(ctx context.Context, e *HealthEvent) error {
	return s.db.WithContext(ctx).Create(e).Error
}

// ListHealthEvents 列出健康事件，provider 为空表示全部
func (s *Store) ListHealthEvents(ctx context.Context, provider string, limit int) ([]*HealthEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Model(&HealthEvent{})
	if provider != "" {
		query = query.Where("provider = ?", provider)
	}
	var events []*HealthEvent
	if err := query.Order("ts DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// SaveFailoverEvent 追加故障转移事件
func (s *Store) SaveFailoverEvent(ctx context.Context, e *FailoverEvent) error {
	return s.db.WithContext(ctx).Create(e).Error
}

// ListFailoverEvents 列出故障转移事件
func (s *Store) ListFailoverEvents(ctx context.Context, limit int) ([]*FailoverEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []*FailoverEvent
	if err := s.db.WithContext(ctx).Order("ts DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// SaveAuditEvent 追加审计事件
func (s *Store) SaveAuditEvent(ctx context.Context, e *AuditEvent) error {
	return s.db.WithContext(ctx).Create(e).Error
}

// ListAuditEvents 列出审计事件，action 为空表示全部
func (s *Store) ListAuditEvents(ctx context.Context, action string, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Model(&AuditEvent{})
	if action != "" {
		query = query.Where("action = ?", action)
	}
	var events []*AuditEvent
	if err := query.Order("ts DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// SaveLatencySample 追加延迟采样
func (s *Store) SaveLatencySample(ctx context.Context, sample *LatencySample) error {
	return s.db.WithContext(ctx).Create(sample).Error
}

// ListLatencySamples 查询延迟采样，source 为空时不过滤
func (s *Store) ListLatencySamples(ctx context.Context, source string, limit int) ([]*LatencySample, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if source != "" {
		q = q.Where("source = ?", source)
	}
	var samples []*LatencySample
	if err := q.Find(&samples).Error; err != nil {
		return nil, fmt.Errorf("查询延迟采样失败: %w", err)
	}
	return samples, nil
}

// ==================== 日志 ====================

// SaveLog 写日志记录（logger 包的落库下游）
func (s *Store) SaveLog(level, message string) error {
	return s.db.Create(&LogRecord{
		Level:   level,
		Message: message,
	}).Error
}

// ListLogs 查询日志，level 为空表示全部
func (s *Store) ListLogs(ctx context.Context, level string, limit int) ([]*LogRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	query := s.db.WithContext(ctx).Model(&LogRecord{})
	if level != "" {
		query = query.Where("level = ?", level)
	}
	var logs []*LogRecord
	if err := query.Order("created_at DESC").Limit(limit).Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// ==================== 设置 ====================

// GetSetting 读取设置值，不存在返回空串
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var setting Setting
	err := s.db.WithContext(ctx).First(&setting, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return setting.Value, nil
}

// SetSetting 写设置值
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&Setting{Key: key, Value: value, UpdatedAt: time.Now()}).Error
}

// KillSwitchEnabled 全局下单禁止开关
func (s *Store) KillSwitchEnabled(ctx context.Context) (bool, error) {
	value, err := s.GetSetting(ctx, SettingKillSwitch)
	if err != nil {
		return false, err
	}
	return value == "true" || value == "1", nil
}

// SetKillSwitch 设置全局下单禁止开关
func (s *Store) SetKillSwitch(ctx context.Context, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}
	return s.SetSetting(ctx, SettingKillSwitch, value)
}
