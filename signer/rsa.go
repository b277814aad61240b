package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SignHTTPRequestRSA OCI 风格的 HTTP 请求签名（draft-cavage）
// 签名串由 (request-target)、date、host 组成；带请求体时追加
// content-length、content-type、x-content-sha256（base64 SHA-256）
// 签名算法为 RSASSA-PKCS1v1.5-SHA256，结果写入 Authorization 头
func SignHTTPRequestRSA(req *http.Request, keyID string, key *rsa.PrivateKey, body []byte) error {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}

	target := strings.ToLower(req.Method) + " " + req.URL.RequestURI()

	headers := []string{"(request-target)", "date", "host"}
	lines := []string{
		"(request-target): " + target,
		"date: " + req.Header.Get("Date"),
		"host: " + req.Header.Get("Host"),
	}

	if len(body) > 0 {
		sum := sha256.Sum256(body)
		bodyHash := base64.StdEncoding.EncodeToString(sum[:])
		req.Header.Set("Content-Length", strconv.Itoa(len(body)))
		if req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("X-Content-Sha256", bodyHash)

		headers = append(headers, "content-length", "content-type", "x-content-sha256")
		lines = append(lines,
			"content-length: "+req.Header.Get("Content-Length"),
			"content-type: "+req.Header.Get("Content-Type"),
			"x-content-sha256: "+bodyHash,
		)
	}

	signingString := strings.Join(lines, "\n")

	digest := sha256.Sum256([]byte(signingString))
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return fmt.Errorf("请求签名失败: %w", err)
	}

	auth := fmt.Sprintf(
		`Signature version="1",keyId="%s",algorithm="rsa-sha256",headers="%s",signature="%s"`,
		keyID, strings.Join(headers, " "), base64.StdEncoding.EncodeToString(signature),
	)
	req.Header.Set("Authorization", auth)

	return nil
}
