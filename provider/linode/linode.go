// Package linode Linode 适配器，Bearer token 鉴权
package linode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"tradepilot/fault"
	"tradepilot/logger"
	"tradepilot/provider"
)

const apiBase = "https://api.linode.com/v4"

var typeIDs = map[string]string{
	"small":  "g6-nanode-1",
	"medium": "g6-standard-2",
	"large":  "g6-standard-4",
}

// Adapter Linode 适配器
type Adapter struct {
	client *provider.Client
	base   string
}

// New 创建适配器
func New() *Adapter {
	return &Adapter{
		client: provider.NewClient(30*time.Second, 5),
		base:   apiBase,
	}
}

// NewWithBase 测试用
func NewWithBase(base string) *Adapter {
	a := New()
	a.base = base
	return a
}

func (a *Adapter) Name() string { return "linode" }

func (a *Adapter) request(ctx context.Context, creds provider.Credentials, method, path string, payload interface{}) ([]byte, error) {
	body := bytes.NewBuffer(nil)
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fault.Wrap(fault.KindProtocol, "序列化请求失败", err)
		}
		body = bytes.NewBuffer(data)
	}

	req, err := provider.NewRequest(ctx, method, a.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+creds["token"])
	req.Header.Set("Content-Type", "application/json")

	_, respBody, err := a.client.Do(req)
	return respBody, err
}

// Validate 校验 token
func (a *Adapter) Validate(ctx context.Context, creds provider.Credentials) (*provider.ValidateResult, error) {
	if err := provider.RequireCreds(creds, "token"); err != nil {
		return nil, err
	}

	body, err := a.request(ctx, creds, http.MethodGet, "/account", nil)
	if err != nil {
		if fault.Is(err, fault.KindAuth) {
			return &provider.ValidateResult{Valid: false, Message: err.Error()}, nil
		}
		return nil, err
	}

	var resp struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "解析账号信息失败", err)
	}
	return &provider.ValidateResult{Valid: true, AccountID: resp.Email}, nil
}

// Deploy 开实例（authorized_keys 随建随注入）、配置云防火墙、轮询就绪
func (a *Adapter) Deploy(ctx context.Context, creds provider.Credentials, spec *provider.DeploySpec) (*provider.DeployResult, error) {
	if err := provider.RequireCreds(creds, "token"); err != nil {
		return nil, err
	}

	typeID := typeIDs[spec.Size]
	if typeID == "" {
		typeID = spec.Size
	}
	image := spec.Image
	if image == "" {
		image = "linode/ubuntu22.04"
	}

	payload := map[string]interface{}{
		"region": spec.Region,
		"type":   typeID,
		"image":  image,
		"label":  fmt.Sprintf("tradepilot-%d", time.Now().Unix()),
		"tags":   []string{"tradepilot"},
		// Linode 要求 root 密码，部署后仅以密钥登录
		"root_pass": randomRootPass(),
	}
	if spec.SSHPublicKey != "" {
		payload["authorized_keys"] = []string{spec.SSHPublicKey}
	}

	var linodeID int
	err := provider.Retry(ctx, "linode 创建实例", func() error {
		body, err := a.request(ctx, creds, http.MethodPost, "/linode/instances", payload)
		if err != nil {
			return err
		}
		var resp linodePayload
		if err := json.Unmarshal(body, &resp); err != nil {
			return fault.Wrap(fault.KindProtocol, "解析创建响应失败", err)
		}
		linodeID = resp.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	instanceID := fmt.Sprintf("%d", linodeID)

	if err := a.attachFirewall(ctx, creds, linodeID, spec.FirewallRules); err != nil {
		logger.Warn("⚠️ linode 防火墙配置失败: %v", err)
	}

	inst, err := provider.WaitRunning(ctx, a, creds, instanceID)
	if err != nil {
		return nil, err
	}

	return &provider.DeployResult{
		InstanceID: instanceID,
		PublicIP:   inst.PublicIP,
		Region:     spec.Region,
		Status:     inst.State,
	}, nil
}

func (a *Adapter) attachFirewall(ctx context.Context, creds provider.Credentials, linodeID int, rules []provider.FirewallRule) error {
	if len(rules) == 0 {
		rules = provider.DefaultFirewallRules()
	}

	inbound := make([]map[string]interface{}, 0, len(rules))
	for _, r := range rules {
		inbound = append(inbound, map[string]interface{}{
			"protocol": "TCP",
			"ports":    fmt.Sprintf("%d", r.Port),
			"action":   "ACCEPT",
			"addresses": map[string]interface{}{
				"ipv4": []string{"0.0.0.0/0"},
				"ipv6": []string{"::/0"},
			},
		})
	}

	payload := map[string]interface{}{
		"label": fmt.Sprintf("tradepilot-fw-%d", linodeID),
		"rules": map[string]interface{}{
			"inbound":         inbound,
			"inbound_policy":  "DROP",
			"outbound_policy": "ACCEPT",
		},
		"devices": map[string]interface{}{
			"linodes": []int{linodeID},
		},
	}
	_, err := a.request(ctx, creds, http.MethodPost, "/networking/firewalls", payload)
	return err
}

type linodePayload struct {
	ID     int      `json:"id"`
	Status string   `json:"status"` // running, offline, provisioning, booting
	IPv4   []string `json:"ipv4"`
	Region string   `json:"region"`
}

func (p *linodePayload) toInstance() *provider.Instance {
	state := provider.StateUnknown
	switch p.Status {
	case "running":
		state = provider.StateRunning
	case "offline", "stopped":
		state = provider.StateStopped
	case "provisioning", "booting", "migrating":
		state = provider.StateProvisioning
	case "deleting":
		state = provider.StateTerminated
	}

	ip := ""
	if len(p.IPv4) > 0 {
		ip = p.IPv4[0]
	}

	return &provider.Instance{ID: fmt.Sprintf("%d", p.ID), State: state, PublicIP: ip, Region: p.Region}
}

// Status 查询实例状态
func (a *Adapter) Status(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.Instance, error) {
	body, err := a.request(ctx, creds, http.MethodGet, "/linode/instances/"+instanceID, nil)
	if err != nil {
		return nil, err
	}
	var resp linodePayload
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "解析实例状态失败", err)
	}
	return resp.toInstance(), nil
}

func (a *Adapter) action(ctx context.Context, creds provider.Credentials, instanceID, verb, newState string) (*provider.ControlResult, error) {
	prev, err := a.Status(ctx, creds, instanceID)
	if err != nil {
		return nil, err
	}
	if _, err := a.request(ctx, creds, http.MethodPost, "/linode/instances/"+instanceID+"/"+verb, nil); err != nil {
		return nil, err
	}
	return &provider.ControlResult{PrevState: prev.State, NewState: newState}, nil
}

func (a *Adapter) Start(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "boot", provider.StateRunning)
}

func (a *Adapter) Stop(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "shutdown", provider.StateStopped)
}

func (a *Adapter) Restart(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "reboot", provider.StateRunning)
}

// Terminate 销毁实例
func (a *Adapter) Terminate(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	prev, err := a.Status(ctx, creds, instanceID)
	if err != nil {
		return nil, err
	}
	if _, err := a.request(ctx, creds, http.MethodDelete, "/linode/instances/"+instanceID, nil); err != nil {
		return nil, err
	}
	return &provider.ControlResult{PrevState: prev.State, NewState: provider.StateTerminated}, nil
}

// FindByIP 按公网 IP 查找实例
func (a *Adapter) FindByIP(ctx context.Context, creds provider.Credentials, ip string) (*provider.Instance, error) {
	body, err := a.request(ctx, creds, http.MethodGet, "/linode/instances", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data []linodePayload `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "解析实例列表失败", err)
	}
	for i := range resp.Data {
		for _, addr := range resp.Data[i].IPv4 {
			if addr == ip {
				return resp.Data[i].toInstance(), nil
			}
		}
	}
	return nil, nil
}
