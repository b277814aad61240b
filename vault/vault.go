// Package vault 管理云厂商与交易所的敏感凭证
// 凭证以对称信封加密落库，明文只在使用现场短暂存在；
// 日志与事件中只允许出现凭证指纹
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tradepilot/fault"
	"tradepilot/logger"
	"tradepilot/signer"
	"tradepilot/store"
)

// Vault 凭证库
type Vault struct {
	store       *store.Store
	fallbackKey string // 配置或环境变量提供的兜底密钥

	mu          sync.Mutex
	cachedKey   string
	cachedAt    time.Time
	keyCacheTTL time.Duration
}

// New 创建凭证库
// keyCacheTTL 控制加密密钥的进程内缓存时长，到期后重新从存储解析
func New(s *store.Store, fallbackKey string, keyCacheTTL time.Duration) *Vault {
	if keyCacheTTL <= 0 {
		keyCacheTTL = 5 * time.Minute
	}
	return &Vault{
		store:       s,
		fallbackKey: fallbackKey,
		keyCacheTTL: keyCacheTTL,
	}
}

// encryptionKey 解析加密密钥：优先存储中的设置，其次兜底密钥
// 结果在 TTL 内缓存，避免每次加解密都打一次库
func (v *Vault) encryptionKey(ctx context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cachedKey != "" && time.Since(v.cachedAt) < v.keyCacheTTL {
		return v.cachedKey, nil
	}

	key, err := v.store.GetSetting(ctx, store.SettingEncryptionKey)
	if err != nil {
		return "", fault.Wrap(fault.KindTransient, "读取加密密钥失败", err)
	}
	if key == "" {
		key = v.fallbackKey
	}
	if key == "" {
		return "", fault.New(fault.KindState, "加密密钥未配置")
	}

	v.cachedKey = key
	v.cachedAt = time.Now()
	return key, nil
}

// InvalidateKeyCache 手动失效密钥缓存（密钥轮换后调用）
func (v *Vault) InvalidateKeyCache() {
	v.mu.Lock()
	v.cachedKey = ""
	v.mu.Unlock()
}

// PutCloudCredential 加密保存云厂商凭证
func (v *Vault) PutCloudCredential(ctx context.Context, provider string, secret map[string]string) error {
	key, err := v.encryptionKey(ctx)
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(secret)
	if err != nil {
		return fault.Wrap(fault.KindProtocol, "序列化凭证失败", err)
	}

	envelope, err := signer.Encrypt(plaintext, key)
	if err != nil {
		return fault.Wrap(fault.KindIntegrity, "加密凭证失败", err)
	}

	fingerprint := signer.Fingerprint(plaintext)
	if err := v.store.SaveCloudCredential(ctx, &store.CloudCredential{
		Provider:    provider,
		Secret:      envelope,
		Fingerprint: fingerprint,
	}); err != nil {
		return fault.Wrap(fault.KindTransient, "保存凭证失败", err)
	}

	logger.Info("🔐 已保存 %s 凭证，指纹 %s", provider, fingerprint)
	return nil
}

// GetCloudCredential 解密读取云厂商凭证
func (v *Vault) GetCloudCredential(ctx context.Context, provider string) (map[string]string, error) {
	key, err := v.encryptionKey(ctx)
	if err != nil {
		return nil, err
	}

	record, err := v.store.GetCloudCredential(ctx, provider)
	if err != nil {
		return nil, fault.Wrap(fault.KindState, fmt.Sprintf("未找到 %s 的凭证", provider), err)
	}

	plaintext, err := signer.Decrypt(record.Secret, key)
	if err != nil {
		return nil, fault.Wrap(fault.KindIntegrity, "解密凭证失败", err)
	}

	var secret map[string]string
	if err := json.Unmarshal(plaintext, &secret); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "解析凭证失败", err)
	}
	return secret, nil
}

// MarkVerified 记录凭证最近一次通过验证的时间
func (v *Vault) MarkVerified(ctx context.Context, provider string) error {
	record, err := v.store.GetCloudCredential(ctx, provider)
	if err != nil {
		return fault.Wrap(fault.KindState, fmt.Sprintf("未找到 %s 的凭证", provider), err)
	}
	now := time.Now()
	record.LastVerifiedAt = &now
	return v.store.SaveCloudCredential(ctx, record)
}

// PutExchangeCredential 加密保存交易所凭证
func (v *Vault) PutExchangeCredential(ctx context.Context, exchange string, secret map[string]string) error {
	key, err := v.encryptionKey(ctx)
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(secret)
	if err != nil {
		return fault.Wrap(fault.KindProtocol, "序列化凭证失败", err)
	}

	envelope, err := signer.Encrypt(plaintext, key)
	if err != nil {
		return fault.Wrap(fault.KindIntegrity, "加密凭证失败", err)
	}

	if err := v.store.UpsertExchangeConnection(ctx, &store.ExchangeConnection{
		ExchangeName: exchange,
		Credentials:  envelope,
	}); err != nil {
		return fault.Wrap(fault.KindTransient, "保存凭证失败", err)
	}

	logger.Info("🔐 已保存 %s 交易所凭证，指纹 %s", exchange, signer.Fingerprint(plaintext))
	return nil
}

// GetExchangeCredential 解密读取交易所凭证
func (v *Vault) GetExchangeCredential(ctx context.Context, exchange string) (map[string]string, error) {
	key, err := v.encryptionKey(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := v.store.GetExchangeConnection(ctx, exchange)
	if err != nil {
		return nil, fault.Wrap(fault.KindState, fmt.Sprintf("未找到 %s 的凭证", exchange), err)
	}
	if conn.Credentials == "" {
		return nil, fault.New(fault.KindState, fmt.Sprintf("%s 未配置凭证", exchange))
	}

	plaintext, err := signer.Decrypt(conn.Credentials, key)
	if err != nil {
		return nil, fault.Wrap(fault.KindIntegrity, "解密凭证失败", err)
	}

	var secret map[string]string
	if err := json.Unmarshal(plaintext, &secret); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "解析凭证失败", err)
	}
	return secret, nil
}
