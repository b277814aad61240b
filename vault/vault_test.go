package vault

import (
	"context"
	"strings"
	"testing"
	"time"

	"tradepilot/fault"
	"tradepilot/store"
)

func newTestVault(t *testing.T) (*Vault, *store.Store) {
	t.Helper()
	s, err := store.New(&store.Config{
		Type: "sqlite",
		DSN:  "file:vault_" + t.Name() + "?mode=memory&cache=shared",
	})
	if err != nil {
		t.Fatalf("创建测试存储失败: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, "fallback-master-key", time.Minute), s
}

func TestCloudCredentialRoundTrip(t *testing.T) {
	v, s := newTestVault(t)
	ctx := context.Background()

	secret := map[string]string{
		"access_key_id":     "AKIDEXAMPLE",
		"secret_access_key": "wJalrXUtnFEMI",
	}
	if err := v.PutCloudCredential(ctx, "aws", secret); err != nil {
		t.Fatalf("保存凭证失败: %v", err)
	}

	// 落库的必须是信封，不能出现明文
	record, err := s.GetCloudCredential(ctx, "aws")
	if err != nil {
		t.Fatalf("读取凭证记录失败: %v", err)
	}
	if strings.Contains(record.Secret, "AKIDEXAMPLE") {
		t.Error("凭证明文不应该落库")
	}
	if !strings.HasPrefix(record.Fingerprint, "SHA256:") {
		t.Errorf("指纹格式错误: %s", record.Fingerprint)
	}

	got, err := v.GetCloudCredential(ctx, "aws")
	if err != nil {
		t.Fatalf("读取凭证失败: %v", err)
	}
	if got["access_key_id"] != "AKIDEXAMPLE" || got["secret_access_key"] != "wJalrXUtnFEMI" {
		t.Errorf("凭证内容错误: %v", got)
	}
}

func TestMissingCredential(t *testing.T) {
	v, _ := newTestVault(t)

	_, err := v.GetCloudCredential(context.Background(), "gcp")
	if err == nil {
		t.Fatal("未保存的凭证应该报错")
	}
	if !fault.Is(err, fault.KindState) {
		t.Errorf("缺失凭证应该是 state 类错误, 得到 %s", fault.KindOf(err))
	}
}

func TestEncryptionKeyPrecedence(t *testing.T) {
	v, s := newTestVault(t)
	ctx := context.Background()

	// 存储中的密钥优先于兜底密钥
	if err := s.SetSetting(ctx, store.SettingEncryptionKey, "store-key"); err != nil {
		t.Fatalf("写设置失败: %v", err)
	}
	key, err := v.encryptionKey(ctx)
	if err != nil {
		t.Fatalf("解析密钥失败: %v", err)
	}
	if key != "store-key" {
		t.Errorf("应该使用存储中的密钥, 得到 %s", key)
	}
}

func TestKeyCacheTTL(t *testing.T) {
	v, s := newTestVault(t)
	ctx := context.Background()

	key, err := v.encryptionKey(ctx)
	if err != nil {
		t.Fatalf("解析密钥失败: %v", err)
	}
	if key != "fallback-master-key" {
		t.Errorf("无存储密钥时应该用兜底密钥, 得到 %s", key)
	}

	// 缓存有效期内不重读存储
	if err := s.SetSetting(ctx, store.SettingEncryptionKey, "rotated-key"); err != nil {
		t.Fatalf("写设置失败: %v", err)
	}
	key, _ = v.encryptionKey(ctx)
	if key != "fallback-master-key" {
		t.Error("TTL 内应该命中缓存")
	}

	// 手动失效后拿到轮换后的密钥
	v.InvalidateKeyCache()
	key, _ = v.encryptionKey(ctx)
	if key != "rotated-key" {
		t.Errorf("缓存失效后应该读到新密钥, 得到 %s", key)
	}
}

func TestMissingEncryptionKey(t *testing.T) {
	s, err := store.New(&store.Config{
		Type: "sqlite",
		DSN:  "file:vault_nokey?mode=memory&cache=shared",
	})
	if err != nil {
		t.Fatalf("创建测试存储失败: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	v := New(s, "", time.Minute)
	err = v.PutCloudCredential(context.Background(), "aws", map[string]string{"k": "v"})
	if err == nil {
		t.Fatal("无加密密钥时应该拒绝保存")
	}
	if !fault.Is(err, fault.KindState) {
		t.Errorf("应该是 state 类错误, 得到 %s", fault.KindOf(err))
	}
}

func TestExchangeCredentialRoundTrip(t *testing.T) {
	v, s := newTestVault(t)
	ctx := context.Background()

	secret := map[string]string{"api_key": "k1", "api_secret": "s1", "passphrase": "p1"}
	if err := v.PutExchangeCredential(ctx, "okx", secret); err != nil {
		t.Fatalf("保存交易所凭证失败: %v", err)
	}

	conn, err := s.GetExchangeConnection(ctx, "okx")
	if err != nil {
		t.Fatalf("读取连接记录失败: %v", err)
	}
	if strings.Contains(conn.Credentials, "api_key") {
		t.Error("交易所凭证明文不应该落库")
	}

	got, err := v.GetExchangeCredential(ctx, "okx")
	if err != nil {
		t.Fatalf("读取交易所凭证失败: %v", err)
	}
	if got["passphrase"] != "p1" {
		t.Errorf("凭证内容错误: %v", got)
	}
}
