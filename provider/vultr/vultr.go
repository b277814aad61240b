// Package vultr Vultr 适配器，Bearer token 鉴权
package vultr

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

const apiBase = "https://api.vultr.com/v2"

var planIDs = map[string]string{
	"small":  "vc2-1c-1gb",
	"medium": "vc2-2c-4gb",
	"large":  "vc2-4c-8gb",
}

// Adapter Vultr 适配器
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

func (a *Adapter) Name() string { return "vultr" }

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
	req.Header.Set("Authorization", "Bearer "+creds["api_key"])
	req.Header.Set("Content-Type", "application/json")

	_, respBody, err := a.client.Do(req)
	return respBody, err
}

// Validate 校验 API key
func (a *Adapter) Validate(ctx context.Context, creds provider.Credentials) (*provider.ValidateResult, error) {
	if err := provider.RequireCreds(creds, "api_key"); err != nil {
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
		Account struct {
			Email string `json:"email"`
		} `json:"account"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "解析账号信息失败", err)
	}
	return &provider.ValidateResult{Valid: true, AccountID: resp.Account.Email}, nil
}

// Deploy 建防火墙组、开实例、轮询就绪
func (a *Adapter) Deploy(ctx context.Context, creds provider.Credentials, spec *provider.DeploySpec) (*provider.DeployResult, error) {
	if err := provider.RequireCreds(creds, "api_key"); err != nil {
		return nil, err
	}

	fwGroupID, err := a.createFirewallGroup(ctx, creds, spec.FirewallRules)
	if err != nil {
		logger.Warn("⚠️ vultr 防火墙组创建失败: %v", err)
	}

	plan := planIDs[spec.Size]
	if plan == "" {
		plan = spec.Size
	}
	osID := spec.Image
	if osID == "" {
		osID = "1743" // Ubuntu 22.04
	}

	payload := map[string]interface{}{
		"region": spec.Region,
		"plan":   plan,
		"os_id":  osID,
		"label":  fmt.Sprintf("tradepilot-%d", time.Now().Unix()),
		"tags":   []string{"tradepilot"},
	}
	if fwGroupID != "" {
		payload["firewall_group_id"] = fwGroupID
	}
	if spec.SSHPublicKey != "" {
		keyID, err := a.importKey(ctx, creds, spec.SSHPublicKey)
		if err != nil {
			return nil, err
		}
		payload["sshkey_id"] = []string{keyID}
	}

	var instanceID string
	err = provider.Retry(ctx, "vultr 创建实例", func() error {
		body, err := a.request(ctx, creds, http.MethodPost, "/instances", payload)
		if err != nil {
			return err
		}
		var resp struct {
			Instance instancePayload `json:"instance"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return fault.Wrap(fault.KindProtocol, "解析创建响应失败", err)
		}
		instanceID = resp.Instance.ID
		return nil
	})
	if err != nil {
		return nil, err
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

func (a *Adapter) importKey(ctx context.Context, creds provider.Credentials, publicKey string) (string, error) {
	payload := map[string]string{
		"name":    fmt.Sprintf("tradepilot-key-%d", time.Now().Unix()),
		"ssh_key": publicKey,
	}
	body, err := a.request(ctx, creds, http.MethodPost, "/ssh-keys", payload)
	if err != nil {
		return "", err
	}
	var resp struct {
		SSHKey struct {
			ID string `json:"id"`
		} `json:"ssh_key"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fault.Wrap(fault.KindProtocol, "解析密钥响应失败", err)
	}
	return resp.SSHKey.ID, nil
}

func (a *Adapter) createFirewallGroup(ctx context.Context, creds provider.Credentials, rules []provider.FirewallRule) (string, error) {
	body, err := a.request(ctx, creds, http.MethodPost, "/firewalls", map[string]string{
		"description": fmt.Sprintf("tradepilot-fw-%d", time.Now().Unix()),
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		FirewallGroup struct {
			ID string `json:"id"`
		} `json:"firewall_group"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fault.Wrap(fault.KindProtocol, "解析防火墙组响应失败", err)
	}
	groupID := resp.FirewallGroup.ID

	if len(rules) == 0 {
		rules = provider.DefaultFirewallRules()
	}
	for _, r := range rules {
		rule := map[string]interface{}{
			"ip_type":     "v4",
			"protocol":    r.Protocol,
			"subnet":      "0.0.0.0",
			"subnet_size": 0,
			"port":        fmt.Sprintf("%d", r.Port),
		}
		if _, err := a.request(ctx, creds, http.MethodPost, "/firewalls/"+groupID+"/rules", rule); err != nil {
			return groupID, err
		}
	}
	return groupID, nil
}

type instancePayload struct {
	ID         string `json:"id"`
	Status     string `json:"status"`       // active, pending
	PowerState string `json:"power_status"` // running, stopped
	MainIP     string `json:"main_ip"`
	Region     string `json:"region"`
}

func (p *instancePayload) toInstance() *provider.Instance {
	state := provider.StateUnknown
	switch {
	case p.Status == "pending":
		state = provider.StateProvisioning
	case p.Status == "active" && p.PowerState == "running":
		state = provider.StateRunning
	case p.PowerState == "stopped":
		state = provider.StateStopped
	}

	ip := p.MainIP
	if ip == "0.0.0.0" {
		ip = ""
	}

	return &provider.Instance{ID: p.ID, State: state, PublicIP: ip, Region: p.Region}
}

// Status 查询实例状态
func (a *Adapter) Status(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.Instance, error) {
	body, err := a.request(ctx, creds, http.MethodGet, "/instances/"+instanceID, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Instance instancePayload `json:"instance"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "解析实例状态失败", err)
	}
	return resp.Instance.toInstance(), nil
}

func (a *Adapter) action(ctx context.Context, creds provider.Credentials, instanceID, verb, newState string) (*provider.ControlResult, error) {
	prev, err := a.Status(ctx, creds, instanceID)
	if err != nil {
		return nil, err
	}
	if _, err := a.request(ctx, creds, http.MethodPost, "/instances/"+instanceID+"/"+verb, nil); err != nil {
		return nil, err
	}
	return &provider.ControlResult{PrevState: prev.State, NewState: newState}, nil
}

func (a *Adapter) Start(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "start", provider.StateRunning)
}

func (a *Adapter) Stop(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "halt", provider.StateStopped)
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
	if _, err := a.request(ctx, creds, http.MethodDelete, "/instances/"+instanceID, nil); err != nil {
		return nil, err
	}
	return &provider.ControlResult{PrevState: prev.State, NewState: provider.StateTerminated}, nil
}

// FindByIP 按公网 IP 查找实例
func (a *Adapter) FindByIP(ctx context.Context, creds provider.Credentials, ip string) (*provider.Instance, error) {
	body, err := a.request(ctx, creds, http.MethodGet, "/instances?per_page=500", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Instances []instancePayload `json:"instances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "解析实例列表失败", err)
	}
	for i := range resp.Instances {
		inst := resp.Instances[i].toInstance()
		if inst.PublicIP == ip {
			return inst, nil
		}
	}
	return nil, nil
}
