package signer

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	plaintext := []byte(`{"api_key":"abc123","secret":"def456"}`)
	passphrase := "test-encryption-key"

	envelope, err := Encrypt(plaintext, passphrase)
	if err != nil {
		t.Fatalf("加密失败: %v", err)
	}

	decrypted, err := Decrypt(envelope, passphrase)
	if err != nil {
		t.Fatalf("解密失败: %v", err)
	}

	if string(decrypted) != string(plaintext) {
		t.Errorf("解密结果错误: 期望 %s, 得到 %s", plaintext, decrypted)
	}
}

func TestEnvelopeFormat(t *testing.T) {
	envelope, err := Encrypt([]byte("hello"), "key")
	if err != nil {
		t.Fatalf("加密失败: %v", err)
	}

	// 信封必须是 {iv, salt, ct} 十六进制 JSON
	var parsed Envelope
	if err := json.Unmarshal([]byte(envelope), &parsed); err != nil {
		t.Fatalf("信封不是合法 JSON: %v", err)
	}

	iv, err := hex.DecodeString(parsed.IV)
	if err != nil {
		t.Fatalf("IV 不是十六进制: %v", err)
	}
	if len(iv) != 12 {
		t.Errorf("IV 长度错误: 期望 12 字节, 得到 %d", len(iv))
	}

	salt, err := hex.DecodeString(parsed.Salt)
	if err != nil {
		t.Fatalf("盐不是十六进制: %v", err)
	}
	if len(salt) != 16 {
		t.Errorf("盐长度错误: 期望 16 字节, 得到 %d", len(salt))
	}

	if _, err := hex.DecodeString(parsed.CT); err != nil {
		t.Fatalf("密文不是十六进制: %v", err)
	}
}

func TestEnvelopeWrongKey(t *testing.T) {
	envelope, err := Encrypt([]byte("secret data"), "correct-key")
	if err != nil {
		t.Fatalf("加密失败: %v", err)
	}

	if _, err := Decrypt(envelope, "wrong-key"); err == nil {
		t.Error("错误口令解密应该失败")
	}
}

func TestEnvelopeRandomized(t *testing.T) {
	// 相同明文每次加密的信封应该不同（随机 IV/盐）
	e1, _ := Encrypt([]byte("same"), "key")
	e2, _ := Encrypt([]byte("same"), "key")
	if e1 == e2 {
		t.Error("相同明文的两次加密不应产生相同信封")
	}
}

func TestEnvelopeLargePlaintext(t *testing.T) {
	// 1 MiB 明文往返
	plaintext := make([]byte, 1<<20)
	for i := range plaintext {
		plaintext[i] = byte(i % 251)
	}

	envelope, err := Encrypt(plaintext, "bulk-key")
	if err != nil {
		t.Fatalf("加密失败: %v", err)
	}

	decrypted, err := Decrypt(envelope, "bulk-key")
	if err != nil {
		t.Fatalf("解密失败: %v", err)
	}
	if len(decrypted) != len(plaintext) {
		t.Fatalf("解密长度错误: 期望 %d, 得到 %d", len(plaintext), len(decrypted))
	}
	for i := range plaintext {
		if decrypted[i] != plaintext[i] {
			t.Fatalf("解密内容在偏移 %d 处不一致", i)
		}
	}
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint([]byte("credential material"))
	if !strings.HasPrefix(fp, "SHA256:") {
		t.Errorf("指纹应以 SHA256: 开头, 得到 %s", fp)
	}
	if fp != Fingerprint([]byte("credential material")) {
		t.Error("相同输入应该产生相同指纹")
	}
	if fp == Fingerprint([]byte("other material")) {
		t.Error("不同输入不应该产生相同指纹")
	}
}

func TestSignServiceAccountJWT(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("生成测试密钥失败: %v", err)
	}

	claims := DefaultClaims("svc@example.iam", "https://www.googleapis.com/auth/compute",
		"https://oauth2.googleapis.com/token", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	jwt, err := SignServiceAccountJWT(claims, key)
	if err != nil {
		t.Fatalf("JWT 签名失败: %v", err)
	}

	// JWT 必须是三段式
	parts := strings.Split(jwt, ".")
	if len(parts) != 3 {
		t.Fatalf("JWT 段数错误: 期望 3, 得到 %d", len(parts))
	}
	for i, p := range parts {
		if p == "" {
			t.Errorf("JWT 第 %d 段为空", i)
		}
	}
}

func TestSignHTTPRequestRSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("生成测试密钥失败: %v", err)
	}

	body := []byte(`{"displayName":"test-instance"}`)
	req, err := http.NewRequest(http.MethodPost, "https://iaas.us-phoenix-1.oraclecloud.com/20160918/instances", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("创建请求失败: %v", err)
	}

	if err := SignHTTPRequestRSA(req, "tenancy/user/fingerprint", key, body); err != nil {
		t.Fatalf("请求签名失败: %v", err)
	}

	auth := req.Header.Get("Authorization")
	if auth == "" {
		t.Fatal("Authorization 头不能为空")
	}
	if !strings.Contains(auth, `algorithm="rsa-sha256"`) {
		t.Errorf("Authorization 头缺少算法标识: %s", auth)
	}
	if !strings.Contains(auth, "x-content-sha256") {
		t.Errorf("带请求体的签名必须覆盖 x-content-sha256: %s", auth)
	}
	if req.Header.Get("X-Content-Sha256") == "" {
		t.Error("缺少 X-Content-Sha256 头")
	}

	// GET 请求不带 body，签名头只覆盖基础三项
	getReq, _ := http.NewRequest(http.MethodGet, "https://iaas.us-phoenix-1.oraclecloud.com/20160918/instances/ocid1", nil)
	if err := SignHTTPRequestRSA(getReq, "tenancy/user/fingerprint", key, nil); err != nil {
		t.Fatalf("GET 请求签名失败: %v", err)
	}
	if strings.Contains(getReq.Header.Get("Authorization"), "x-content-sha256") {
		t.Error("无请求体时不应覆盖 x-content-sha256")
	}
}
