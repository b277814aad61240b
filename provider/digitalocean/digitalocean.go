// Package digitalocean DigitalOcean 适配器，Bearer token 鉴权
package digitalocean

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

const apiBase = "https://api.digitalocean.com/v2"

// 规格映射
var sizeSlugs = map[string]string{
	"small":  "s-1vcpu-1gb",
	"medium": "s-2vcpu-4gb",
	"large":  "s-4vcpu-8gb",
}

// Adapter DigitalOcean 适配器
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

// NewWithBase 测试用，指向本地假服务器
func NewWithBase(base string) *Adapter {
	a := New()
	a.base = base
	return a
}

func (a *Adapter) Name() string { return "digitalocean" }

func (a *Adapter) request(ctx context.Context, creds provider.Credentials, method, path string, payload interface{}) ([]byte, error) {
	var body *bytes.Buffer = bytes.NewBuffer(nil)
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
		Account struct {
			UUID   string `json:"uuid"`
			Status string `json:"status"`
		} `json:"account"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "解析账号信息失败", err)
	}

	return &provider.ValidateResult{Valid: true, AccountID: resp.Account.UUID}, nil
}

// Deploy 完整部署流程：导入密钥、建防火墙、开实例、轮询就绪
func (a *Adapter) Deploy(ctx context.Context, creds provider.Credentials, spec *provider.DeploySpec) (*provider.DeployResult, error) {
	if err := provider.RequireCreds(creds, "token"); err != nil {
		return nil, err
	}

	var sshKeyIDs []int
	if spec.SSHPublicKey != "" {
		keyID, err := a.importKey(ctx, creds, spec.SSHPublicKey)
		if err != nil {
			return nil, err
		}
		sshKeyIDs = append(sshKeyIDs, keyID)
	}

	size := sizeSlugs[spec.Size]
	if size == "" {
		size = spec.Size
	}
	image := spec.Image
	if image == "" {
		image = "ubuntu-22-04-x64"
	}

	payload := map[string]interface{}{
		"name":     fmt.Sprintf("tradepilot-%d", time.Now().Unix()),
		"region":   spec.Region,
		"size":     size,
		"image":    image,
		"ssh_keys": sshKeyIDs,
		"tags":     []string{"tradepilot"},
	}

	var dropletID int
	err := provider.Retry(ctx, "digitalocean 创建实例", func() error {
		body, err := a.request(ctx, creds, http.MethodPost, "/droplets", payload)
		if err != nil {
			return err
		}
		var resp struct {
			Droplet struct {
				ID int `json:"id"`
			} `json:"droplet"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return fault.Wrap(fault.KindProtocol, "解析创建响应失败", err)
		}
		dropletID = resp.Droplet.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	instanceID := fmt.Sprintf("%d", dropletID)

	if err := a.attachFirewall(ctx, creds, dropletID, spec.FirewallRules); err != nil {
		logger.Warn("⚠️ digitalocean 防火墙配置失败: %v", err)
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

// importKey 导入 SSH 公钥，返回密钥 ID
func (a *Adapter) importKey(ctx context.Context, creds provider.Credentials, publicKey string) (int, error) {
	payload := map[string]interface{}{
		"name":       fmt.Sprintf("tradepilot-key-%d", time.Now().Unix()),
		"public_key": publicKey,
	}
	body, err := a.request(ctx, creds, http.MethodPost, "/account/keys", payload)
	if err != nil {
		return 0, err
	}
	var resp struct {
		SSHKey struct {
			ID int `json:"id"`
		} `json:"ssh_key"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fault.Wrap(fault.KindProtocol, "解析密钥响应失败", err)
	}
	return resp.SSHKey.ID, nil
}

// attachFirewall 创建入站规则并绑定实例
func (a *Adapter) attachFirewall(ctx context.Context, creds provider.Credentials, dropletID int, rules []provider.FirewallRule) error {
	if len(rules) == 0 {
		rules = provider.DefaultFirewallRules()
	}

	inbound := make([]map[string]interface{}, 0, len(rules))
	for _, r := range rules {
		inbound = append(inbound, map[string]interface{}{
			"protocol": r.Protocol,
			"ports":    fmt.Sprintf("%d", r.Port),
			"sources":  map[string]interface{}{"addresses": []string{"0.0.0.0/0", "::/0"}},
		})
	}

	payload := map[string]interface{}{
		"name":          fmt.Sprintf("tradepilot-fw-%d", dropletID),
		"droplet_ids":   []int{dropletID},
		"inbound_rules": inbound,
		"outbound_rules": []map[string]interface{}{
			{"protocol": "tcp", "ports": "all", "destinations": map[string]interface{}{"addresses": []string{"0.0.0.0/0", "::/0"}}},
			{"protocol": "udp", "ports": "all", "destinations": map[string]interface{}{"addresses": []string{"0.0.0.0/0", "::/0"}}},
		},
	}
	_, err := a.request(ctx, creds, http.MethodPost, "/firewalls", payload)
	return err
}

// Status 查询实例状态
func (a *Adapter) Status(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.Instance, error) {
	body, err := a.request(ctx, creds, http.MethodGet, "/droplets/"+instanceID, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Droplet dropletPayload `json:"droplet"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "解析实例状态失败", err)
	}
	return resp.Droplet.toInstance(), nil
}

type dropletPayload struct {
	ID     int    `json:"id"`
	Status string `json:"status"`
	Region struct {
		Slug string `json:"slug"`
	} `json:"region"`
	Networks struct {
		V4 []struct {
			IPAddress string `json:"ip_address"`
			Type      string `json:"type"`
		} `json:"v4"`
	} `json:"networks"`
}

func (d *dropletPayload) toInstance() *provider.Instance {
	state := provider.StateUnknown
	switch d.Status {
	case "active":
		state = provider.StateRunning
	case "new":
		state = provider.StateProvisioning
	case "off":
		state = provider.StateStopped
	case "archive":
		state = provider.StateTerminated
	}

	ip := ""
	for _, n := range d.Networks.V4 {
		if n.Type == "public" {
			ip = n.IPAddress
			break
		}
	}

	return &provider.Instance{
		ID:       fmt.Sprintf("%d", d.ID),
		State:    state,
		PublicIP: ip,
		Region:   d.Region.Slug,
	}
}

// action 执行电源操作并返回前后状态
func (a *Adapter) action(ctx context.Context, creds provider.Credentials, instanceID, actionType, newState string) (*provider.ControlResult, error) {
	prev, err := a.Status(ctx, creds, instanceID)
	if err != nil {
		return nil, err
	}

	payload := map[string]string{"type": actionType}
	if _, err := a.request(ctx, creds, http.MethodPost, "/droplets/"+instanceID+"/actions", payload); err != nil {
		return nil, err
	}

	return &provider.ControlResult{PrevState: prev.State, NewState: newState}, nil
}

func (a *Adapter) Start(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "power_on", provider.StateRunning)
}

func (a *Adapter) Stop(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "power_off", provider.StateStopped)
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
	if _, err := a.request(ctx, creds, http.MethodDelete, "/droplets/"+instanceID, nil); err != nil {
		return nil, err
	}
	return &provider.ControlResult{PrevState: prev.State, NewState: provider.StateTerminated}, nil
}

// FindByIP 按公网 IP 查找实例
func (a *Adapter) FindByIP(ctx context.Context, creds provider.Credentials, ip string) (*provider.Instance, error) {
	body, err := a.request(ctx, creds, http.MethodGet, "/droplets?per_page=200", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Droplets []dropletPayload `json:"droplets"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "解析实例列表失败", err)
	}

	for i := range resp.Droplets {
		inst := resp.Droplets[i].toInstance()
		if inst.PublicIP == ip {
			return inst, nil
		}
	}
	return nil, nil
}
