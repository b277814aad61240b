// Package oracle Oracle Cloud 适配器，draft-cavage RSA 请求签名
package oracle

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"tradepilot/fault"
	"tradepilot/logger"
	"tradepilot/provider"
	"tradepilot/signer"
)

const apiVersion = "20160918"

var shapes = map[string]string{
	"small":  "VM.Standard.E2.1",
	"medium": "VM.Standard.E2.2",
	"large":  "VM.Standard.E2.4",
}

// Adapter Oracle Cloud 适配器
type Adapter struct {
	client *provider.Client
	base   func(region string) string
}

// New 创建适配器
func New() *Adapter {
	return &Adapter{
		client: provider.NewClient(30*time.Second, 5),
		base: func(region string) string {
			return fmt.Sprintf("https://iaas.%s.oraclecloud.com", region)
		},
	}
}

// NewWithBase 测试用
func NewWithBase(base string) *Adapter {
	a := New()
	a.base = func(string) string { return base }
	return a
}

func (a *Adapter) Name() string { return "oracle" }

func (a *Adapter) keyID(creds provider.Credentials) string {
	return fmt.Sprintf("%s/%s/%s", creds["tenancy_ocid"], creds["user_ocid"], creds["key_fingerprint"])
}

func (a *Adapter) request(ctx context.Context, creds provider.Credentials, method, path string, payload interface{}) ([]byte, error) {
	key, err := signer.ParseRSAPrivateKeyPEM([]byte(creds["private_key"]))
	if err != nil {
		return nil, fault.Wrap(fault.KindAuth, "解析 API 私钥失败", err)
	}
	return a.signedRequest(ctx, creds, key, method, path, payload)
}

func (a *Adapter) signedRequest(ctx context.Context, creds provider.Credentials, key *rsa.PrivateKey, method, path string, payload interface{}) ([]byte, error) {
	var bodyBytes []byte
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fault.Wrap(fault.KindProtocol, "序列化请求失败", err)
		}
		bodyBytes = data
	}

	endpoint := a.base(regionOf(creds))
	req, err := provider.NewRequest(ctx, method, endpoint+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}

	if err := signer.SignHTTPRequestRSA(req, a.keyID(creds), key, bodyBytes); err != nil {
		return nil, fault.Wrap(fault.KindIntegrity, "请求签名失败", err)
	}

	_, respBody, err := a.client.Do(req)
	return respBody, err
}

// Validate 用 ListInstances 校验凭证与隔离区可见性
func (a *Adapter) Validate(ctx context.Context, creds provider.Credentials) (*provider.ValidateResult, error) {
	if err := provider.RequireCreds(creds, "tenancy_ocid", "user_ocid", "key_fingerprint", "private_key", "compartment_ocid", "region"); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/%s/instances?compartmentId=%s&limit=1", apiVersion, url.QueryEscape(creds["compartment_ocid"]))
	_, err := a.request(ctx, creds, http.MethodGet, path, nil)
	if err != nil {
		if fault.Is(err, fault.KindAuth) {
			return &provider.ValidateResult{Valid: false, Message: err.Error()}, nil
		}
		return nil, err
	}
	return &provider.ValidateResult{Valid: true, AccountID: creds["tenancy_ocid"]}, nil
}

// Deploy LaunchInstance 并轮询就绪
// 入站端口依赖 VCN 安全列表，凭证提供 security_list_ocid 时自动放行
func (a *Adapter) Deploy(ctx context.Context, creds provider.Credentials, spec *provider.DeploySpec) (*provider.DeployResult, error) {
	if err := provider.RequireCreds(creds, "tenancy_ocid", "user_ocid", "key_fingerprint", "private_key", "compartment_ocid", "availability_domain", "subnet_ocid"); err != nil {
		return nil, err
	}

	if creds["security_list_ocid"] != "" {
		if err := a.openIngress(ctx, creds, spec.FirewallRules); err != nil {
			logger.Warn("⚠️ oracle 安全列表更新失败: %v", err)
		}
	} else {
		logger.Warn("⚠️ oracle 未提供 security_list_ocid，入站端口需人工放行")
	}

	shape := shapes[spec.Size]
	if shape == "" {
		shape = spec.Size
	}

	payload := map[string]interface{}{
		"availabilityDomain": creds["availability_domain"],
		"compartmentId":      creds["compartment_ocid"],
		"displayName":        fmt.Sprintf("tradepilot-%d", time.Now().Unix()),
		"shape":              shape,
		"sourceDetails": map[string]string{
			"sourceType": "image",
			"imageId":    spec.Image,
		},
		"createVnicDetails": map[string]interface{}{
			"subnetId":       creds["subnet_ocid"],
			"assignPublicIp": true,
		},
		"freeformTags": map[string]string{"managed-by": "tradepilot"},
	}
	if spec.SSHPublicKey != "" {
		payload["metadata"] = map[string]string{"ssh_authorized_keys": spec.SSHPublicKey}
	}

	var launched struct {
		ID string `json:"id"`
	}
	err := provider.Retry(ctx, "oracle 创建实例", func() error {
		body, err := a.request(ctx, creds, http.MethodPost, "/"+apiVersion+"/instances", payload)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &launched); err != nil {
			return fault.Wrap(fault.KindProtocol, "解析创建响应失败", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	inst, err := provider.WaitRunning(ctx, a, creds, launched.ID)
	if err != nil {
		return nil, err
	}

	return &provider.DeployResult{
		InstanceID: launched.ID,
		PublicIP:   inst.PublicIP,
		Region:     regionOf(creds),
		Status:     inst.State,
	}, nil
}

// openIngress 向安全列表追加放行规则
func (a *Adapter) openIngress(ctx context.Context, creds provider.Credentials, rules []provider.FirewallRule) error {
	if len(rules) == 0 {
		rules = provider.DefaultFirewallRules()
	}

	ingress := make([]map[string]interface{}, 0, len(rules))
	for _, r := range rules {
		ingress = append(ingress, map[string]interface{}{
			"protocol": "6", // TCP
			"source":   "0.0.0.0/0",
			"tcpOptions": map[string]interface{}{
				"destinationPortRange": map[string]int{"min": r.Port, "max": r.Port},
			},
		})
	}

	payload := map[string]interface{}{"ingressSecurityRules": ingress}
	_, err := a.request(ctx, creds, http.MethodPut,
		"/"+apiVersion+"/securityLists/"+url.PathEscape(creds["security_list_ocid"]), payload)
	return err
}

func mapState(lifecycle string) string {
	switch lifecycle {
	case "RUNNING":
		return provider.StateRunning
	case "PROVISIONING", "STARTING", "CREATING_IMAGE":
		return provider.StateProvisioning
	case "STOPPED", "STOPPING":
		return provider.StateStopped
	case "TERMINATED", "TERMINATING":
		return provider.StateTerminated
	}
	return provider.StateUnknown
}

// Status 查询实例状态并解析主 VNIC 的公网 IP
func (a *Adapter) Status(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.Instance, error) {
	body, err := a.request(ctx, creds, http.MethodGet, "/"+apiVersion+"/instances/"+url.PathEscape(instanceID), nil)
	if err != nil {
		return nil, err
	}

	var inst struct {
		ID             string `json:"id"`
		LifecycleState string `json:"lifecycleState"`
		Region         string `json:"region"`
	}
	if err := json.Unmarshal(body, &inst); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "解析实例状态失败", err)
	}

	result := &provider.Instance{
		ID:     inst.ID,
		State:  mapState(inst.LifecycleState),
		Region: inst.Region,
	}

	if result.State == provider.StateRunning {
		if ip, err := a.publicIP(ctx, creds, instanceID); err == nil {
			result.PublicIP = ip
		}
	}
	return result, nil
}

// publicIP 通过 VNIC 附件找主 VNIC 的公网 IP
func (a *Adapter) publicIP(ctx context.Context, creds provider.Credentials, instanceID string) (string, error) {
	path := fmt.Sprintf("/%s/vnicAttachments?compartmentId=%s&instanceId=%s",
		apiVersion, url.QueryEscape(creds["compartment_ocid"]), url.QueryEscape(instanceID))
	body, err := a.request(ctx, creds, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}

	var attachments []struct {
		VnicID string `json:"vnicId"`
	}
	if err := json.Unmarshal(body, &attachments); err != nil {
		return "", fault.Wrap(fault.KindProtocol, "解析 VNIC 附件失败", err)
	}

	for _, att := range attachments {
		vnicBody, err := a.request(ctx, creds, http.MethodGet, "/"+apiVersion+"/vnics/"+url.PathEscape(att.VnicID), nil)
		if err != nil {
			continue
		}
		var vnic struct {
			PublicIP string `json:"publicIp"`
		}
		if err := json.Unmarshal(vnicBody, &vnic); err != nil {
			continue
		}
		if vnic.PublicIP != "" {
			return vnic.PublicIP, nil
		}
	}
	return "", nil
}

func (a *Adapter) action(ctx context.Context, creds provider.Credentials, instanceID, verb, newState string) (*provider.ControlResult, error) {
	prev, err := a.Status(ctx, creds, instanceID)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/%s/instances/%s?action=%s", apiVersion, url.PathEscape(instanceID), verb)
	if _, err := a.request(ctx, creds, http.MethodPost, path, nil); err != nil {
		return nil, err
	}
	return &provider.ControlResult{PrevState: prev.State, NewState: newState}, nil
}

func (a *Adapter) Start(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "START", provider.StateRunning)
}

func (a *Adapter) Stop(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "STOP", provider.StateStopped)
}

func (a *Adapter) Restart(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "SOFTRESET", provider.StateRunning)
}

// Terminate 销毁实例
func (a *Adapter) Terminate(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	prev, err := a.Status(ctx, creds, instanceID)
	if err != nil {
		return nil, err
	}
	if _, err := a.request(ctx, creds, http.MethodDelete, "/"+apiVersion+"/instances/"+url.PathEscape(instanceID), nil); err != nil {
		return nil, err
	}
	return &provider.ControlResult{PrevState: prev.State, NewState: provider.StateTerminated}, nil
}

// FindByIP 遍历隔离区内实例，匹配主 VNIC 公网 IP
func (a *Adapter) FindByIP(ctx context.Context, creds provider.Credentials, ip string) (*provider.Instance, error) {
	path := fmt.Sprintf("/%s/instances?compartmentId=%s", apiVersion, url.QueryEscape(creds["compartment_ocid"]))
	body, err := a.request(ctx, creds, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var instances []struct {
		ID             string `json:"id"`
		LifecycleState string `json:"lifecycleState"`
		Region         string `json:"region"`
	}
	if err := json.Unmarshal(body, &instances); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "解析实例列表失败", err)
	}

	for _, in := range instances {
		if mapState(in.LifecycleState) == provider.StateTerminated {
			continue
		}
		got, err := a.publicIP(ctx, creds, in.ID)
		if err != nil {
			continue
		}
		if got == ip {
			return &provider.Instance{ID: in.ID, State: mapState(in.LifecycleState), PublicIP: ip, Region: in.Region}, nil
		}
	}
	return nil, nil
}

func regionOf(creds provider.Credentials) string {
	if creds["region"] != "" {
		return creds["region"]
	}
	return "us-phoenix-1"
}
