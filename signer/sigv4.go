package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// V4Request AWS 风格 Signature Version 4 的签名输入
type V4Request struct {
	Method  string
	URI     string // 规范化后的路径，默认 "/"
	Query   url.Values
	Headers map[string]string // 必须包含 host 与 x-amz-date
	Body    []byte
	Region  string
	Service string
}

const v4Algorithm = "AWS4-HMAC-SHA256"

// SignV4 按四段 HMAC 链派生签名密钥并返回 Authorization 头的值
// 规范请求 = method\nuri\nsorted-query\nsorted-lowercased-headers\n\nsigned-headers\nhex(SHA256(body))
func SignV4(req *V4Request, accessKey, secretKey string, now time.Time) (string, error) {
	if req.Method == "" {
		return "", fmt.Errorf("签名请求缺少 method")
	}
	if req.Headers == nil {
		return "", fmt.Errorf("签名请求缺少 headers")
	}

	amzDate := now.UTC().Format("20060102T150405Z")
	dateStamp := now.UTC().Format("20060102")

	uri := req.URI
	if uri == "" {
		uri = "/"
	}

	// 规范化查询串：键排序，RFC3986 编码
	canonicalQuery := canonicalQueryString(req.Query)

	// 规范化请求头：键小写排序，值去首尾空白
	keys := make([]string, 0, len(req.Headers))
	lowered := make(map[string]string, len(req.Headers))
	for k, v := range req.Headers {
		lk := strings.ToLower(k)
		keys = append(keys, lk)
		lowered[lk] = strings.TrimSpace(v)
	}
	sort.Strings(keys)

	var canonicalHeaders strings.Builder
	for _, k := range keys {
		canonicalHeaders.WriteString(k)
		canonicalHeaders.WriteString(":")
		canonicalHeaders.WriteString(lowered[k])
		canonicalHeaders.WriteString("\n")
	}
	signedHeaders := strings.Join(keys, ";")

	payloadHash := sha256Hex(req.Body)

	canonicalRequest := strings.Join([]string{
		req.Method,
		uri,
		canonicalQuery,
		canonicalHeaders.String(),
		signedHeaders,
		payloadHash,
	}, "\n")

	// 待签字符串
	scope := fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, req.Region, req.Service)
	stringToSign := strings.Join([]string{
		v4Algorithm,
		amzDate,
		scope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	// 四段密钥派生链：AWS4+secret → date → region → service → aws4_request
	kDate := hmacSHA256([]byte("AWS4"+secretKey), dateStamp)
	kRegion := hmacSHA256(kDate, req.Region)
	kService := hmacSHA256(kRegion, req.Service)
	kSigning := hmacSHA256(kService, "aws4_request")

	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	return fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		v4Algorithm, accessKey, scope, signedHeaders, signature), nil
}

// AmzDate 返回 x-amz-date 头的格式化时间
func AmzDate(now time.Time) string {
	return now.UTC().Format("20060102T150405Z")
}

func canonicalQueryString(query url.Values) string {
	if len(query) == 0 {
		return ""
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vals := append([]string(nil), query[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, percentEncode(k)+"="+percentEncode(v))
		}
	}
	return strings.Join(parts, "&")
}

// percentEncode RFC3986 编码（url.QueryEscape 会把空格编码为 +，这里修正）
func percentEncode(s string) string {
	encoded := url.QueryEscape(s)
	encoded = strings.ReplaceAll(encoded, "+", "%20")
	encoded = strings.ReplaceAll(encoded, "*", "%2A")
	encoded = strings.ReplaceAll(encoded, "%7E", "~")
	return encoded
}

func hmacSHA256(key []byte, message string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
