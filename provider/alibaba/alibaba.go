// Package alibaba 阿里云适配器，ECS RPC API，HMAC-SHA1 签名
package alibaba

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tradepilot/fault"
	"tradepilot/logger"
	"tradepilot/provider"
	"tradepilot/signer"
)

const (
	apiBase    = "https://ecs.aliyuncs.com"
	ecsVersion = "2014-05-26"
)

var instanceTypes = map[string]string{
	"small":  "ecs.t6-c1m1.large",
	"medium": "ecs.t6-c1m2.large",
	"large":  "ecs.t6-c1m4.xlarge",
}

// Adapter 阿里云适配器
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

func (a *Adapter) Name() string { return "alibaba" }

// call 发起签名的 RPC 请求并解析 JSON 响应
func (a *Adapter) call(ctx context.Context, creds provider.Credentials, action string, extra map[string]string, out interface{}) error {
	params := url.Values{}
	params.Set("Action", action)
	params.Set("Version", ecsVersion)
	params.Set("Format", "JSON")
	params.Set("AccessKeyId", creds["access_key_id"])
	params.Set("SignatureMethod", "HMAC-SHA1")
	params.Set("SignatureVersion", "1.0")
	params.Set("SignatureNonce", nonce())
	params.Set("Timestamp", time.Now().UTC().Format("2006-01-02T15:04:05Z"))
	for k, v := range extra {
		params.Set(k, v)
	}

	params.Set("Signature", signer.SignV1(params, creds["access_key_secret"]))

	req, err := provider.NewRequest(ctx, http.MethodPost, a.base+"/", strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, body, err := a.client.Do(req)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fault.Wrap(fault.KindProtocol, "解析响应失败", err)
		}
	}
	return nil
}

func nonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Validate 用 DescribeRegions 校验密钥对
func (a *Adapter) Validate(ctx context.Context, creds provider.Credentials) (*provider.ValidateResult, error) {
	if err := provider.RequireCreds(creds, "access_key_id", "access_key_secret"); err != nil {
		return nil, err
	}

	var resp struct {
		RequestID string `json:"RequestId"`
	}
	err := a.call(ctx, creds, "DescribeRegions", nil, &resp)
	if err != nil {
		if fault.Is(err, fault.KindAuth) {
			return &provider.ValidateResult{Valid: false, Message: err.Error()}, nil
		}
		return nil, err
	}
	return &provider.ValidateResult{Valid: true, AccountID: creds["access_key_id"]}, nil
}

// Deploy 导入密钥、建安全组放行端口、RunInstances、轮询就绪
func (a *Adapter) Deploy(ctx context.Context, creds provider.Credentials, spec *provider.DeploySpec) (*provider.DeployResult, error) {
	if err := provider.RequireCreds(creds, "access_key_id", "access_key_secret"); err != nil {
		return nil, err
	}
	region := spec.Region

	keyName := ""
	if spec.SSHPublicKey != "" {
		keyName = fmt.Sprintf("tradepilot-key-%d", time.Now().Unix())
		err := a.call(ctx, creds, "ImportKeyPair", map[string]string{
			"RegionId":      region,
			"KeyPairName":   keyName,
			"PublicKeyBody": spec.SSHPublicKey,
		}, nil)
		if err != nil {
			return nil, err
		}
	}

	sgID, err := a.createSecurityGroup(ctx, creds, region, spec.FirewallRules)
	if err != nil {
		logger.Warn("⚠️ alibaba 安全组创建失败: %v", err)
	}

	instanceType := instanceTypes[spec.Size]
	if instanceType == "" {
		instanceType = spec.Size
	}
	image := spec.Image
	if image == "" {
		image = "ubuntu_22_04_x64_20G_alibase_20231221.vhd"
	}

	runParams := map[string]string{
		"RegionId":                region,
		"ImageId":                 image,
		"InstanceType":            instanceType,
		"Amount":                  "1",
		"InternetMaxBandwidthOut": "10",
		"InstanceName":            fmt.Sprintf("tradepilot-%d", time.Now().Unix()),
	}
	if keyName != "" {
		runParams["KeyPairName"] = keyName
	}
	if sgID != "" {
		runParams["SecurityGroupId"] = sgID
	}

	var runResp struct {
		InstanceIDSets struct {
			InstanceIDSet []string `json:"InstanceIdSet"`
		} `json:"InstanceIdSets"`
	}
	err = provider.Retry(ctx, "alibaba 创建实例", func() error {
		return a.call(ctx, creds, "RunInstances", runParams, &runResp)
	})
	if err != nil {
		return nil, err
	}
	if len(runResp.InstanceIDSets.InstanceIDSet) == 0 {
		return nil, fault.New(fault.KindProtocol, "RunInstances 响应缺少实例")
	}
	instanceID := runResp.InstanceIDSets.InstanceIDSet[0]

	credsWithRegion := provider.Credentials{}
	for k, v := range creds {
		credsWithRegion[k] = v
	}
	credsWithRegion["region"] = region

	inst, err := provider.WaitRunning(ctx, a, credsWithRegion, instanceID)
	if err != nil {
		return nil, err
	}

	return &provider.DeployResult{
		InstanceID: instanceID,
		PublicIP:   inst.PublicIP,
		Region:     region,
		Status:     inst.State,
	}, nil
}

func (a *Adapter) createSecurityGroup(ctx context.Context, creds provider.Credentials, region string, rules []provider.FirewallRule) (string, error) {
	var resp struct {
		SecurityGroupID string `json:"SecurityGroupId"`
	}
	err := a.call(ctx, creds, "CreateSecurityGroup", map[string]string{
		"RegionId":          region,
		"SecurityGroupName": fmt.Sprintf("tradepilot-sg-%d", time.Now().Unix()),
	}, &resp)
	if err != nil {
		return "", err
	}

	if len(rules) == 0 {
		rules = provider.DefaultFirewallRules()
	}
	for _, r := range rules {
		err := a.call(ctx, creds, "AuthorizeSecurityGroup", map[string]string{
			"RegionId":        region,
			"SecurityGroupId": resp.SecurityGroupID,
			"IpProtocol":      r.Protocol,
			"PortRange":       fmt.Sprintf("%d/%d", r.Port, r.Port),
			"SourceCidrIp":    "0.0.0.0/0",
		}, nil)
		if err != nil {
			return resp.SecurityGroupID, err
		}
	}
	return resp.SecurityGroupID, nil
}

type describeResponse struct {
	Instances struct {
		Instance []struct {
			InstanceID string `json:"InstanceId"`
			Status     string `json:"Status"`
			RegionID   string `json:"RegionId"`
			PublicIP   struct {
				IPAddress []string `json:"IpAddress"`
			} `json:"PublicIpAddress"`
		} `json:"Instance"`
	} `json:"Instances"`
}

func (r *describeResponse) first() *provider.Instance {
	for _, in := range r.Instances.Instance {
		ip := ""
		if len(in.PublicIP.IPAddress) > 0 {
			ip = in.PublicIP.IPAddress[0]
		}
		return &provider.Instance{
			ID:       in.InstanceID,
			State:    mapState(in.Status),
			PublicIP: ip,
			Region:   in.RegionID,
		}
	}
	return nil
}

func mapState(status string) string {
	switch status {
	case "Running":
		return provider.StateRunning
	case "Starting", "Pending":
		return provider.StateProvisioning
	case "Stopped", "Stopping":
		return provider.StateStopped
	}
	return provider.StateUnknown
}

// Status 查询实例状态
func (a *Adapter) Status(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.Instance, error) {
	var resp describeResponse
	err := a.call(ctx, creds, "DescribeInstances", map[string]string{
		"RegionId":    regionOf(creds),
		"InstanceIds": fmt.Sprintf(`["%s"]`, instanceID),
	}, &resp)
	if err != nil {
		return nil, err
	}
	inst := resp.first()
	if inst == nil {
		return nil, fault.New(fault.KindState, fmt.Sprintf("实例不存在: %s", instanceID))
	}
	return inst, nil
}

func (a *Adapter) action(ctx context.Context, creds provider.Credentials, instanceID, actionName, newState string, extra map[string]string) (*provider.ControlResult, error) {
	prev, err := a.Status(ctx, creds, instanceID)
	if err != nil {
		return nil, err
	}

	params := map[string]string{"InstanceId": instanceID}
	for k, v := range extra {
		params[k] = v
	}
	if err := a.call(ctx, creds, actionName, params, nil); err != nil {
		return nil, err
	}
	return &provider.ControlResult{PrevState: prev.State, NewState: newState}, nil
}

func (a *Adapter) Start(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "StartInstance", provider.StateRunning, nil)
}

func (a *Adapter) Stop(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "StopInstance", provider.StateStopped, nil)
}

func (a *Adapter) Restart(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "RebootInstance", provider.StateRunning, nil)
}

// Terminate 释放实例
func (a *Adapter) Terminate(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "DeleteInstance", provider.StateTerminated, map[string]string{"Force": "true"})
}

// FindByIP 按公网 IP 查找实例
func (a *Adapter) FindByIP(ctx context.Context, creds provider.Credentials, ip string) (*provider.Instance, error) {
	var resp describeResponse
	err := a.call(ctx, creds, "DescribeInstances", map[string]string{
		"RegionId":          regionOf(creds),
		"PublicIpAddresses": fmt.Sprintf(`["%s"]`, ip),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.first(), nil
}

func regionOf(creds provider.Credentials) string {
	if creds["region"] != "" {
		return creds["region"]
	}
	return "cn-hangzhou"
}
