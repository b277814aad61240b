package signer

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

// HMACSHA256Hex 计算 HMAC-SHA256 并返回小写十六进制
// 用于 Binance 系（查询串签名）与 Bybit 系（ts+apiKey+recvWindow+query）
func HMACSHA256Hex(secret, message string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// HMACSHA256Base64 计算 HMAC-SHA256 并返回标准 base64
// 用于 OKX 系（timestamp + method + path + body）
func HMACSHA256Base64(secret, message string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// HMACSHA1Base64 计算 HMAC-SHA1 并返回标准 base64
// 用于阿里云风格的 Signature V1
func HMACSHA1Base64(secret, message string) string {
	h := hmac.New(sha1.New, []byte(secret))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// SecureCompare 常数时间比较，用于密钥材料和签名校验
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
