// Package azure Azure 适配器
// 客户端凭证换取 bearer token，ARM REST API
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"tradepilot/fault"
	"tradepilot/provider"
)

const (
	armBase      = "https://management.azure.com"
	loginBase    = "https://login.microsoftonline.com"
	computeAPI   = "2023-09-01"
	networkAPI   = "2023-06-01"
	resourcesAPI = "2021-04-01"
)

var vmSizes = map[string]string{
	"small":  "Standard_B1s",
	"medium": "Standard_B2s",
	"large":  "Standard_D4s_v5",
}

// Adapter Azure 适配器
type Adapter struct {
	client    *provider.Client
	base      string
	loginBase string

	mu          sync.Mutex
	cachedToken string
	tokenExpiry time.Time
}

// New 创建适配器
func New() *Adapter {
	return &Adapter{
		client:    provider.NewClient(60*time.Second, 5),
		base:      armBase,
		loginBase: loginBase,
	}
}

// NewWithEndpoints 测试用
func NewWithEndpoints(arm, login string) *Adapter {
	a := New()
	a.base = arm
	a.loginBase = login
	return a
}

func (a *Adapter) Name() string { return "azure" }

// bearer 客户端凭证模式换取 token，有效期内复用
func (a *Adapter) bearer(ctx context.Context, creds provider.Credentials) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cachedToken != "" && time.Now().Before(a.tokenExpiry) {
		return a.cachedToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", creds["client_id"])
	form.Set("client_secret", creds["client_secret"])
	form.Set("scope", a.base+"/.default")

	tokenURL := fmt.Sprintf("%s/%s/oauth2/v2.0/token", a.loginBase, creds["tenant_id"])
	req, err := provider.NewRequest(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, body, err := a.client.Do(req)
	if err != nil {
		return "", fault.Wrap(fault.KindAuth, "换取 bearer token 失败", err)
	}

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.AccessToken == "" {
		return "", fault.New(fault.KindAuth, "令牌响应缺少 access_token")
	}

	a.cachedToken = resp.AccessToken
	a.tokenExpiry = time.Now().Add(time.Duration(resp.ExpiresIn-60) * time.Second)
	return resp.AccessToken, nil
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

func (a *Adapter) rgPrefix(creds provider.Credentials) string {
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s", creds["subscription_id"], creds["resource_group"])
}

// Validate 读取订阅信息校验凭证
func (a *Adapter) Validate(ctx context.Context, creds provider.Credentials) (*provider.ValidateResult, error) {
	if err := provider.RequireCreds(creds, "tenant_id", "client_id", "client_secret", "subscription_id", "resource_group"); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/subscriptions/%s?api-version=%s", creds["subscription_id"], resourcesAPI)
	body, err := a.request(ctx, creds, http.MethodGet, path, nil)
	if err != nil {
		if fault.Is(err, fault.KindAuth) {
			return &provider.ValidateResult{Valid: false, Message: err.Error()}, nil
		}
		return nil, err
	}

	var resp struct {
		DisplayName string `json:"displayName"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "解析订阅信息失败", err)
	}
	return &provider.ValidateResult{Valid: true, AccountID: creds["subscription_id"]}, nil
}

// Deploy 依次创建公网 IP、NSG、虚拟网络、网卡、虚拟机并轮询就绪
func (a *Adapter) Deploy(ctx context.Context, creds provider.Credentials, spec *provider.DeploySpec) (*provider.DeployResult, error) {
	if err := provider.RequireCreds(creds, "tenant_id", "client_id", "client_secret", "subscription_id", "resource_group"); err != nil {
		return nil, err
	}
	region := spec.Region
	name := fmt.Sprintf("tradepilot-%d", time.Now().Unix())

	if err := a.createNetworkStack(ctx, creds, region, name, spec.FirewallRules); err != nil {
		return nil, err
	}

	vmSize := vmSizes[spec.Size]
	if vmSize == "" {
		vmSize = spec.Size
	}

	osProfile := map[string]interface{}{
		"computerName":  name,
		"adminUsername": "tradepilot",
	}
	if spec.SSHPublicKey != "" {
		osProfile["linuxConfiguration"] = map[string]interface{}{
			"disablePasswordAuthentication": true,
			"ssh": map[string]interface{}{
				"publicKeys": []map[string]string{
					{"path": "/home/tradepilot/.ssh/authorized_keys", "keyData": spec.SSHPublicKey},
				},
			},
		}
	}

	vmPayload := map[string]interface{}{
		"location": region,
		"tags":     map[string]string{"managed-by": "tradepilot"},
		"properties": map[string]interface{}{
			"hardwareProfile": map[string]string{"vmSize": vmSize},
			"storageProfile": map[string]interface{}{
				"imageReference": imageReference(spec.Image),
				"osDisk": map[string]interface{}{
					"createOption": "FromImage",
					"managedDisk":  map[string]string{"storageAccountType": "Standard_LRS"},
				},
			},
			"osProfile": osProfile,
			"networkProfile": map[string]interface{}{
				"networkInterfaces": []map[string]interface{}{
					{"id": a.rgPrefix(creds) + "/providers/Microsoft.Network/networkInterfaces/" + name + "-nic"},
				},
			},
		},
	}

	err := provider.Retry(ctx, "azure 创建虚拟机", func() error {
		path := fmt.Sprintf("%s/providers/Microsoft.Compute/virtualMachines/%s?api-version=%s",
			a.rgPrefix(creds), name, computeAPI)
		_, err := a.request(ctx, creds, http.MethodPut, path, vmPayload)
		return err
	})
	if err != nil {
		return nil, err
	}

	inst, err := provider.WaitRunning(ctx, a, creds, name)
	if err != nil {
		return nil, err
	}

	return &provider.DeployResult{
		InstanceID: name,
		PublicIP:   inst.PublicIP,
		Region:     region,
		Status:     inst.State,
	}, nil
}

// createNetworkStack 公网 IP、NSG 规则、虚拟网络、网卡
func (a *Adapter) createNetworkStack(ctx context.Context, creds provider.Credentials, region, name string, rules []provider.FirewallRule) error {
	net := func(kind, res string) string {
		return fmt.Sprintf("%s/providers/Microsoft.Network/%s/%s?api-version=%s", a.rgPrefix(creds), kind, res, networkAPI)
	}

	// 公网 IP
	if _, err := a.request(ctx, creds, http.MethodPut, net("publicIPAddresses", name+"-ip"), map[string]interface{}{
		"location":   region,
		"properties": map[string]string{"publicIPAllocationMethod": "Static"},
		"sku":        map[string]string{"name": "Standard"},
	}); err != nil {
		return err
	}

	// NSG 与入站规则
	if len(rules) == 0 {
		rules = provider.DefaultFirewallRules()
	}
	securityRules := make([]map[string]interface{}, 0, len(rules))
	for i, r := range rules {
		securityRules = append(securityRules, map[string]interface{}{
			"name": fmt.Sprintf("allow-%d", r.Port),
			"properties": map[string]interface{}{
				"priority":                 100 + i*10,
				"direction":                "Inbound",
				"access":                   "Allow",
				"protocol":                 strings.ToUpper(r.Protocol[:1]) + r.Protocol[1:],
				"sourceAddressPrefix":      "*",
				"sourcePortRange":          "*",
				"destinationAddressPrefix": "*",
				"destinationPortRange":     fmt.Sprintf("%d", r.Port),
			},
		})
	}
	if _, err := a.request(ctx, creds, http.MethodPut, net("networkSecurityGroups", name+"-nsg"), map[string]interface{}{
		"location":   region,
		"properties": map[string]interface{}{"securityRules": securityRules},
	}); err != nil {
		return err
	}

	// 虚拟网络与子网
	if _, err := a.request(ctx, creds, http.MethodPut, net("virtualNetworks", name+"-vnet"), map[string]interface{}{
		"location": region,
		"properties": map[string]interface{}{
			"addressSpace": map[string]interface{}{"addressPrefixes": []string{"10.10.0.0/16"}},
			"subnets": []map[string]interface{}{
				{"name": "default", "properties": map[string]string{"addressPrefix": "10.10.1.0/24"}},
			},
		},
	}); err != nil {
		return err
	}

	// 网卡绑定子网、公网 IP、NSG
	prefix := a.rgPrefix(creds) + "/providers/Microsoft.Network"
	_, err := a.request(ctx, creds, http.MethodPut, net("networkInterfaces", name+"-nic"), map[string]interface{}{
		"location": region,
		"properties": map[string]interface{}{
			"networkSecurityGroup": map[string]string{"id": prefix + "/networkSecurityGroups/" + name + "-nsg"},
			"ipConfigurations": []map[string]interface{}{
				{
					"name": "primary",
					"properties": map[string]interface{}{
						"subnet":          map[string]string{"id": prefix + "/virtualNetworks/" + name + "-vnet/subnets/default"},
						"publicIPAddress": map[string]string{"id": prefix + "/publicIPAddresses/" + name + "-ip"},
					},
				},
			},
		},
	})
	return err
}

func imageReference(image string) map[string]string {
	// 形如 Canonical:0001-com-ubuntu-server-jammy:22_04-lts-gen2:latest
	parts := strings.Split(image, ":")
	if len(parts) == 4 {
		return map[string]string{
			"publisher": parts[0],
			"offer":     parts[1],
			"sku":       parts[2],
			"version":   parts[3],
		}
	}
	return map[string]string{
		"publisher": "Canonical",
		"offer":     "0001-com-ubuntu-server-jammy",
		"sku":       "22_04-lts-gen2",
		"version":   "latest",
	}
}

// Status 查询 VM 电源状态与公网 IP
func (a *Adapter) Status(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.Instance, error) {
	path := fmt.Sprintf("%s/providers/Microsoft.Compute/virtualMachines/%s/instanceView?api-version=%s",
		a.rgPrefix(creds), instanceID, computeAPI)
	body, err := a.request(ctx, creds, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var view struct {
		Statuses []struct {
			Code string `json:"code"`
		} `json:"statuses"`
	}
	if err := json.Unmarshal(body, &view); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "解析实例视图失败", err)
	}

	state := provider.StateProvisioning
	for _, s := range view.Statuses {
		switch s.Code {
		case "PowerState/running":
			state = provider.StateRunning
		case "PowerState/stopped", "PowerState/deallocated":
			state = provider.StateStopped
		}
	}

	inst := &provider.Instance{ID: instanceID, State: state}
	if state == provider.StateRunning {
		if ip, err := a.publicIP(ctx, creds, instanceID); err == nil {
			inst.PublicIP = ip
		}
	}
	return inst, nil
}

func (a *Adapter) publicIP(ctx context.Context, creds provider.Credentials, name string) (string, error) {
	path := fmt.Sprintf("%s/providers/Microsoft.Network/publicIPAddresses/%s-ip?api-version=%s",
		a.rgPrefix(creds), name, networkAPI)
	body, err := a.request(ctx, creds, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		Properties struct {
			IPAddress string `json:"ipAddress"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fault.Wrap(fault.KindProtocol, "解析公网 IP 失败", err)
	}
	return resp.Properties.IPAddress, nil
}

func (a *Adapter) action(ctx context.Context, creds provider.Credentials, instanceID, verb, newState string) (*provider.ControlResult, error) {
	prev, err := a.Status(ctx, creds, instanceID)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("%s/providers/Microsoft.Compute/virtualMachines/%s/%s?api-version=%s",
		a.rgPrefix(creds), instanceID, verb, computeAPI)
	if _, err := a.request(ctx, creds, http.MethodPost, path, nil); err != nil {
		return nil, err
	}
	return &provider.ControlResult{PrevState: prev.State, NewState: newState}, nil
}

func (a *Adapter) Start(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "start", provider.StateRunning)
}

// Stop 释放算力（deallocate），停止计费
func (a *Adapter) Stop(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "deallocate", provider.StateStopped)
}

func (a *Adapter) Restart(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "restart", provider.StateRunning)
}

// Terminate 删除虚拟机
func (a *Adapter) Terminate(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	prev, err := a.Status(ctx, creds, instanceID)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("%s/providers/Microsoft.Compute/virtualMachines/%s?api-version=%s",
		a.rgPrefix(creds), instanceID, computeAPI)
	if _, err := a.request(ctx, creds, http.MethodDelete, path, nil); err != nil {
		return nil, err
	}
	return &provider.ControlResult{PrevState: prev.State, NewState: provider.StateTerminated}, nil
}

// FindByIP 扫描资源组内公网 IP，命中后按命名约定回推 VM
func (a *Adapter) FindByIP(ctx context.Context, creds provider.Credentials, ip string) (*provider.Instance, error) {
	path := fmt.Sprintf("%s/providers/Microsoft.Network/publicIPAddresses?api-version=%s", a.rgPrefix(creds), networkAPI)
	body, err := a.request(ctx, creds, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Value []struct {
			Name       string `json:"name"`
			Properties struct {
				IPAddress string `json:"ipAddress"`
			} `json:"properties"`
		} `json:"value"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "解析公网 IP 列表失败", err)
	}

	for _, entry := range resp.Value {
		if entry.Properties.IPAddress != ip {
			continue
		}
		vmName := strings.TrimSuffix(entry.Name, "-ip")
		inst, err := a.Status(ctx, creds, vmName)
		if err != nil {
			continue
		}
		inst.PublicIP = ip
		return inst, nil
	}
	return nil, nil
}
