package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tradepilot/fault"
)

const agentPort = 8700

// AgentClient 控制台到宿主机代理的 HTTP 客户端
type AgentClient struct {
	token      string
	httpClient *http.Client
	// baseOverride 测试时指定代理地址，生产为空按主机 IP 拼接
	baseOverride string
}

// NewAgentClient 创建代理客户端
func NewAgentClient(token string) *AgentClient {
	return &AgentClient{
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// baseURL 代理地址
func (a *AgentClient) baseURL(hostIP string) string {
	if a.baseOverride != "" {
		return a.baseOverride
	}
	return fmt.Sprintf("http://%s:%d", hostIP, agentPort)
}

// ControlResponse 代理控制响应
type ControlResponse struct {
	Success       bool   `json:"success"`
	Status        string `json:"status"`
	SignalCreated bool   `json:"signal_created"`
	Error         string `json:"error"`
}

// SignalCheckResponse 代理信号检查响应
type SignalCheckResponse struct {
	Success       bool            `json:"success"`
	SignalExists  bool            `json:"signal_exists"`
	DockerRunning bool            `json:"docker_running"`
	SignalData    json.RawMessage `json:"signal_data"`
	SignalAgeMs   int64           `json:"signal_age_ms"`
}

// StatusResponse 代理状态响应
type StatusResponse struct {
	Success       bool            `json:"success"`
	BotStatus     string          `json:"bot_status"`
	SignalPresent bool            `json:"signal_present"`
	System        json.RawMessage `json:"system"`
}

func (a *AgentClient) do(ctx context.Context, method, url string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("序列化代理请求失败: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("创建代理请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "代理不可达", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "读取代理响应失败", err)
	}
	if resp.StatusCode >= 500 {
		return fault.New(fault.KindTransient, fmt.Sprintf("代理内部错误 %d: %s", resp.StatusCode, truncate(data)))
	}
	if resp.StatusCode >= 400 {
		return fault.New(fault.KindState, fmt.Sprintf("代理拒绝请求 %d: %s", resp.StatusCode, truncate(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fault.Wrap(fault.KindProtocol, "代理响应格式错误", err)
		}
	}
	return nil
}

func truncate(data []byte) string {
	if len(data) > 512 {
		data = data[:512]
	}
	return string(data)
}

// Control 下发控制指令
func (a *AgentClient) Control(ctx context.Context, hostIP, action, source, mode string, env map[string]string) (*ControlResponse, error) {
	var out ControlResponse
	err := a.do(ctx, http.MethodPost, a.baseURL(hostIP)+"/control", map[string]interface{}{
		"action": action,
		"source": source,
		"mode":   mode,
		"env":    env,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SetKillSwitch 下发全局禁止下单标志，代理侧缓存生效
func (a *AgentClient) SetKillSwitch(ctx context.Context, hostIP string, enabled bool) error {
	return a.do(ctx, http.MethodPost, a.baseURL(hostIP)+"/kill-switch", map[string]interface{}{
		"enabled": enabled,
	}, nil)
}

// SignalCheck 查询信号文件状态
func (a *AgentClient) SignalCheck(ctx context.Context, hostIP string) (*SignalCheckResponse, error) {
	var out SignalCheckResponse
	if err := a.do(ctx, http.MethodGet, a.baseURL(hostIP)+"/signal-check", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status 查询代理状态
func (a *AgentClient) Status(ctx context.Context, hostIP string) (*StatusResponse, error) {
	var out StatusResponse
	if err := a.do(ctx, http.MethodGet, a.baseURL(hostIP)+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
