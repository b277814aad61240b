// Package gcp Google Cloud 适配器
// 服务账号 JWT 换取 bearer token，Compute Engine REST API
package gcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"tradepilot/fault"
	"tradepilot/logger"
	"tradepilot/provider"
	"tradepilot/signer"
)

const (
	computeBase  = "https://compute.googleapis.com/compute/v1"
	computeScope = "https://www.googleapis.com/auth/compute"
	tokenURL     = "https://oauth2.googleapis.com/token"
)

var machineTypes = map[string]string{
	"small":  "e2-small",
	"medium": "e2-medium",
	"large":  "e2-standard-4",
}

// Adapter GCP 适配器
type Adapter struct {
	client   *provider.Client
	base     string
	tokenURL string

	mu          sync.Mutex
	cachedToken string
	tokenExpiry time.Time
}

// New 创建适配器
func New() *Adapter {
	return &Adapter{
		client:   provider.NewClient(30*time.Second, 5),
		base:     computeBase,
		tokenURL: tokenURL,
	}
}

// NewWithEndpoints 测试用
func NewWithEndpoints(base, token string) *Adapter {
	a := New()
	a.base = base
	a.tokenURL = token
	return a
}

func (a *Adapter) Name() string { return "gcp" }

// bearer 获取 bearer token，有效期内复用
func (a *Adapter) bearer(ctx context.Context, creds provider.Credentials) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cachedToken != "" && time.Now().Before(a.tokenExpiry) {
		return a.cachedToken, nil
	}

	key, err := signer.ParseRSAPrivateKeyPEM([]byte(creds["private_key"]))
	if err != nil {
		return "", fault.Wrap(fault.KindAuth, "解析服务账号私钥失败", err)
	}

	now := time.Now()
	claims := signer.DefaultClaims(creds["client_email"], computeScope, a.tokenURL, now)
	jwt, err := signer.SignServiceAccountJWT(claims, key)
	if err != nil {
		return "", fault.Wrap(fault.KindIntegrity, "JWT 签名失败", err)
	}

	token, err := signer.ExchangeJWTForBearer(ctx, &http.Client{Timeout: 10 * time.Second}, a.tokenURL, jwt)
	if err != nil {
		return "", fault.Wrap(fault.KindAuth, "换取 bearer token 失败", err)
	}

	a.cachedToken = token
	a.tokenExpiry = now.Add(50 * time.Minute)
	return token, nil
}

func (a *Adapter) request(ctx context.Context, creds provider.Credentials, method, path string, payload interface{}) ([]byte, error) {
	token, err := a.bearer(ctx, creds)
	if err != nil {
		return nil, err
	}

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
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	_, respBody, err := a.client.Do(req)
	return respBody, err
}

// Validate 读取项目信息校验服务账号
func (a *Adapter) Validate(ctx context.Context, creds provider.Credentials) (*provider.ValidateResult, error) {
	if err := provider.RequireCreds(creds, "client_email", "private_key", "project_id"); err != nil {
		return nil, err
	}

	body, err := a.request(ctx, creds, http.MethodGet, "/projects/"+creds["project_id"], nil)
	if err != nil {
		if fault.Is(err, fault.KindAuth) {
			return &provider.ValidateResult{Valid: false, Message: err.Error()}, nil
		}
		return nil, err
	}

	var resp struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "解析项目信息失败", err)
	}
	return &provider.ValidateResult{Valid: true, AccountID: creds["project_id"]}, nil
}

// Deploy 放行防火墙端口、建实例、轮询就绪
// spec.Region 填 GCP 的 zone，如 us-central1-a
func (a *Adapter) Deploy(ctx context.Context, creds provider.Credentials, spec *provider.DeploySpec) (*provider.DeployResult, error) {
	if err := provider.RequireCreds(creds, "client_email", "private_key", "project_id"); err != nil {
		return nil, err
	}
	project := creds["project_id"]
	zone := spec.Region

	if err := a.ensureFirewall(ctx, creds, project, spec.FirewallRules); err != nil {
		logger.Warn("⚠️ gcp 防火墙配置失败: %v", err)
	}

	machineType := machineTypes[spec.Size]
	if machineType == "" {
		machineType = spec.Size
	}
	image := spec.Image
	if image == "" {
		image = "projects/ubuntu-os-cloud/global/images/family/ubuntu-2204-lts"
	}

	name := fmt.Sprintf("tradepilot-%d", time.Now().Unix())
	payload := map[string]interface{}{
		"name":        name,
		"machineType": fmt.Sprintf("zones/%s/machineTypes/%s", zone, machineType),
		"disks": []map[string]interface{}{
			{
				"boot":             true,
				"autoDelete":       true,
				"initializeParams": map[string]string{"sourceImage": image},
			},
		},
		"networkInterfaces": []map[string]interface{}{
			{
				"network": "global/networks/default",
				"accessConfigs": []map[string]string{
					{"type": "ONE_TO_ONE_NAT", "name": "External NAT"},
				},
			},
		},
		"tags":   map[string]interface{}{"items": []string{"tradepilot"}},
		"labels": map[string]string{"managed-by": "tradepilot"},
	}
	if spec.SSHPublicKey != "" {
		payload["metadata"] = map[string]interface{}{
			"items": []map[string]string{
				{"key": "ssh-keys", "value": "tradepilot:" + spec.SSHPublicKey},
			},
		}
	}

	err := provider.Retry(ctx, "gcp 创建实例", func() error {
		_, err := a.request(ctx, creds, http.MethodPost,
			fmt.Sprintf("/projects/%s/zones/%s/instances", project, zone), payload)
		return err
	})
	if err != nil {
		return nil, err
	}

	credsWithZone := cloneCreds(creds)
	credsWithZone["zone"] = zone

	inst, err := provider.WaitRunning(ctx, a, credsWithZone, name)
	if err != nil {
		return nil, err
	}

	return &provider.DeployResult{
		InstanceID: name,
		PublicIP:   inst.PublicIP,
		Region:     zone,
		Status:     inst.State,
	}, nil
}

// ensureFirewall 创建放行规则，已存在时忽略冲突
func (a *Adapter) ensureFirewall(ctx context.Context, creds provider.Credentials, project string, rules []provider.FirewallRule) error {
	if len(rules) == 0 {
		rules = provider.DefaultFirewallRules()
	}

	ports := make([]string, 0, len(rules))
	for _, r := range rules {
		ports = append(ports, fmt.Sprintf("%d", r.Port))
	}

	payload := map[string]interface{}{
		"name":      "tradepilot-allow",
		"direction": "INGRESS",
		"allowed": []map[string]interface{}{
			{"IPProtocol": "tcp", "ports": ports},
		},
		"sourceRanges": []string{"0.0.0.0/0"},
		"targetTags":   []string{"tradepilot"},
	}

	_, err := a.request(ctx, creds, http.MethodPost,
		fmt.Sprintf("/projects/%s/global/firewalls", project), payload)
	if err != nil && strings.Contains(err.Error(), "alreadyExists") {
		return nil
	}
	return err
}

type instancePayload struct {
	Name              string `json:"name"`
	Status            string `json:"status"`
	Zone              string `json:"zone"`
	NetworkInterfaces []struct {
		AccessConfigs []struct {
			NatIP string `json:"natIP"`
		} `json:"accessConfigs"`
	} `json:"networkInterfaces"`
}

func (p *instancePayload) toInstance() *provider.Instance {
	state := provider.StateUnknown
	switch p.Status {
	case "RUNNING":
		state = provider.StateRunning
	case "PROVISIONING", "STAGING":
		state = provider.StateProvisioning
	case "STOPPING", "SUSPENDED", "TERMINATED":
		state = provider.StateStopped
	}

	ip := ""
	for _, ni := range p.NetworkInterfaces {
		for _, ac := range ni.AccessConfigs {
			if ac.NatIP != "" {
				ip = ac.NatIP
				break
			}
		}
	}

	zone := p.Zone
	if i := strings.LastIndex(zone, "/"); i >= 0 {
		zone = zone[i+1:]
	}

	return &provider.Instance{ID: p.Name, State: state, PublicIP: ip, Region: zone}
}

// Status 查询实例状态，凭证需带 zone
func (a *Adapter) Status(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.Instance, error) {
	body, err := a.request(ctx, creds, http.MethodGet,
		fmt.Sprintf("/projects/%s/zones/%s/instances/%s", creds["project_id"], zoneOf(creds), instanceID), nil)
	if err != nil {
		return nil, err
	}

	var resp instancePayload
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
	_, err = a.request(ctx, creds, http.MethodPost,
		fmt.Sprintf("/projects/%s/zones/%s/instances/%s/%s", creds["project_id"], zoneOf(creds), instanceID, verb), nil)
	if err != nil {
		return nil, err
	}
	return &provider.ControlResult{PrevState: prev.State, NewState: newState}, nil
}

func (a *Adapter) Start(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "start", provider.StateRunning)
}

func (a *Adapter) Stop(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "stop", provider.StateStopped)
}

func (a *Adapter) Restart(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "reset", provider.StateRunning)
}

// Terminate 删除实例
func (a *Adapter) Terminate(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	prev, err := a.Status(ctx, creds, instanceID)
	if err != nil {
		return nil, err
	}
	_, err = a.request(ctx, creds, http.MethodDelete,
		fmt.Sprintf("/projects/%s/zones/%s/instances/%s", creds["project_id"], zoneOf(creds), instanceID), nil)
	if err != nil {
		return nil, err
	}
	return &provider.ControlResult{PrevState: prev.State, NewState: provider.StateTerminated}, nil
}

// FindByIP 扫描 zone 内实例匹配公网 IP
func (a *Adapter) FindByIP(ctx context.Context, creds provider.Credentials, ip string) (*provider.Instance, error) {
	body, err := a.request(ctx, creds, http.MethodGet,
		fmt.Sprintf("/projects/%s/zones/%s/instances", creds["project_id"], zoneOf(creds)), nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Items []instancePayload `json:"items"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "解析实例列表失败", err)
	}
	for i := range resp.Items {
		inst := resp.Items[i].toInstance()
		if inst.PublicIP == ip {
			return inst, nil
		}
	}
	return nil, nil
}

func zoneOf(creds provider.Credentials) string {
	if creds["zone"] != "" {
		return creds["zone"]
	}
	return "us-central1-a"
}

func cloneCreds(creds provider.Credentials) provider.Credentials {
	out := make(provider.Credentials, len(creds)+1)
	for k, v := range creds {
		out[k] = v
	}
	return out
}
