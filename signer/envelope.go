package signer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	envelopeIVSize     = 12     // 96-bit IV
	envelopeSaltSize   = 16     // 128-bit salt
	envelopeIterations = 100000 // PBKDF2 迭代次数
	envelopeKeySize    = 32     // AES-256
)

// Envelope 对称加密信封，字段均为十六进制编码
type Envelope struct {
	IV   string `json:"iv"`
	Salt string `json:"salt"`
	CT   string `json:"ct"`
}

// Encrypt 用口令加密明文，返回 JSON 信封
// 密钥由 PBKDF2-HMAC-SHA256（10万次迭代）从口令和随机盐派生
func Encrypt(plaintext []byte, passphrase string) (string, error) {
	if passphrase == "" {
		return "", errors.New("加密口令不能为空")
	}

	salt := make([]byte, envelopeSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("生成盐失败: %w", err)
	}

	iv := make([]byte, envelopeIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("生成IV失败: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, envelopeIterations, envelopeKeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("创建加密器失败: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, envelopeIVSize)
	if err != nil {
		return "", fmt.Errorf("创建GCM失败: %w", err)
	}

	ct := gcm.Seal(nil, iv, plaintext, nil)

	envelope := &Envelope{
		IV:   hex.EncodeToString(iv),
		Salt: hex.EncodeToString(salt),
		CT:   hex.EncodeToString(ct),
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("序列化信封失败: %w", err)
	}

	return string(data), nil
}

// Decrypt 解密 JSON 信封
func Decrypt(envelopeJSON string, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("解密口令不能为空")
	}

	var envelope Envelope
	if err := json.Unmarshal([]byte(envelopeJSON), &envelope); err != nil {
		return nil, fmt.Errorf("解析信封失败: %w", err)
	}

	iv, err := hex.DecodeString(envelope.IV)
	if err != nil {
		return nil, fmt.Errorf("解码IV失败: %w", err)
	}
	if len(iv) != envelopeIVSize {
		return nil, fmt.Errorf("IV长度错误: 期望 %d, 得到 %d", envelopeIVSize, len(iv))
	}

	salt, err := hex.DecodeString(envelope.Salt)
	if err != nil {
		return nil, fmt.Errorf("解码盐失败: %w", err)
	}
	if len(salt) != envelopeSaltSize {
		return nil, fmt.Errorf("盐长度错误: 期望 %d, 得到 %d", envelopeSaltSize, len(salt))
	}

	ct, err := hex.DecodeString(envelope.CT)
	if err != nil {
		return nil, fmt.Errorf("解码密文失败: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, envelopeIterations, envelopeKeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("创建解密器失败: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, envelopeIVSize)
	if err != nil {
		return nil, fmt.Errorf("创建GCM失败: %w", err)
	}

	plaintext, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("解密失败: %w", err)
	}

	return plaintext, nil
}

// Fingerprint 计算凭证指纹：SHA-256 后取标准 base64
// 事件与日志中只允许出现指纹，不允许出现明文
func Fingerprint(material []byte) string {
	sum := sha256.Sum256(material)
	return "SHA256:" + base64.StdEncoding.EncodeToString(sum[:])
}
