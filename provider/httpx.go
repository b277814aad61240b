package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tradepilot/fault"
)

const maxErrorBody = 512

// Client 带限速的厂商 API 客户端
// 所有适配器通过它出站，网络错误统一归类为瞬时错误
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient 创建客户端，rps 为对厂商 API 的每秒请求上限
func NewClient(timeout time.Duration, rps float64) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
	}
}

// Do 执行请求并读取响应体，按状态码归类错误
func (c *Client) Do(req *http.Request) (int, []byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return 0, nil, fault.Wrap(fault.KindTransient, "限速等待被取消", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fault.Wrap(fault.KindTransient, "请求厂商 API 失败", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fault.Wrap(fault.KindTransient, "读取响应失败", err)
	}

	if resp.StatusCode >= 400 {
		return resp.StatusCode, body, ClassifyStatus(resp.StatusCode, body)
	}
	return resp.StatusCode, body, nil
}

// ClassifyStatus 把 HTTP 错误映射到错误类别
// 401/403 鉴权拒绝不重试；429/5xx 可重试；容量不足单独归类
func ClassifyStatus(status int, body []byte) error {
	snippet := truncate(body)

	if strings.Contains(string(body), "InsufficientCapacity") ||
		strings.Contains(string(body), "insufficient_capacity") {
		return fault.New(fault.KindCapacity, fmt.Sprintf("厂商容量不足: %s", snippet))
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.New(fault.KindAuth, fmt.Sprintf("凭证被拒绝 (%d): %s", status, snippet))
	case status == http.StatusTooManyRequests || status >= 500:
		return fault.New(fault.KindTransient, fmt.Sprintf("厂商临时错误 (%d): %s", status, snippet))
	case status >= 400:
		return fault.New(fault.KindProtocol, fmt.Sprintf("请求被拒绝 (%d): %s", status, snippet))
	}
	return nil
}

// truncate 截断响应体用于日志，避免刷屏
func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}

// RequireCreds 校验凭证必填键
func RequireCreds(creds Credentials, keys ...string) error {
	for _, key := range keys {
		if creds[key] == "" {
			return fault.New(fault.KindState, fmt.Sprintf("凭证缺少 %s", key))
		}
	}
	return nil
}

// NewRequest 构造带上下文的请求
func NewRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "构造请求失败", err)
	}
	return req, nil
}
