// Package aws AWS 适配器，EC2 Query API，Signature V4 鉴权
package aws

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"tradepilot/fault"
	"tradepilot/logger"
	"tradepilot/provider"
	"tradepilot/signer"
)

const (
	ec2Version = "2016-11-15"
	stsVersion = "2011-06-15"
)

var instanceTypes = map[string]string{
	"small":  "t3.small",
	"medium": "t3.medium",
	"large":  "t3.large",
}

// Adapter AWS 适配器
type Adapter struct {
	client *provider.Client
	// 测试时覆盖端点
	ec2Endpoint func(region string) string
	stsEndpoint string
}

// New 创建适配器
func New() *Adapter {
	return &Adapter{
		client: provider.NewClient(30*time.Second, 5),
		ec2Endpoint: func(region string) string {
			return fmt.Sprintf("https://ec2.%s.amazonaws.com", region)
		},
		stsEndpoint: "https://sts.amazonaws.com",
	}
}

// NewWithEndpoints 测试用
func NewWithEndpoints(ec2, sts string) *Adapter {
	a := New()
	a.ec2Endpoint = func(string) string { return ec2 }
	a.stsEndpoint = sts
	return a
}

func (a *Adapter) Name() string { return "aws" }

// call 发起已签名的 Query API 请求并解析 XML 响应
func (a *Adapter) call(ctx context.Context, creds provider.Credentials, endpoint, region, service string, params url.Values, out interface{}) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fault.Wrap(fault.KindProtocol, "解析端点失败", err)
	}

	now := time.Now().UTC()
	headers := map[string]string{
		"host":       u.Host,
		"x-amz-date": now.Format("20060102T150405Z"),
	}

	auth, err := signer.SignV4(&signer.V4Request{
		Method:  http.MethodGet,
		URI:     "/",
		Query:   params,
		Headers: headers,
		Region:  region,
		Service: service,
	}, creds["access_key_id"], creds["secret_access_key"], now)
	if err != nil {
		return fault.Wrap(fault.KindIntegrity, "请求签名失败", err)
	}

	req, err := provider.NewRequest(ctx, http.MethodGet, endpoint+"/?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Amz-Date", headers["x-amz-date"])
	req.Header.Set("Authorization", auth)

	_, body, err := a.client.Do(req)
	if err != nil {
		return err
	}
	if out != nil {
		if err := xml.Unmarshal(body, out); err != nil {
			return fault.Wrap(fault.KindProtocol, "解析 XML 响应失败", err)
		}
	}
	return nil
}

func (a *Adapter) ec2(ctx context.Context, creds provider.Credentials, region string, params url.Values, out interface{}) error {
	params.Set("Version", ec2Version)
	return a.call(ctx, creds, a.ec2Endpoint(region), region, "ec2", params, out)
}

// Validate 通过 STS GetCallerIdentity 校验密钥对
func (a *Adapter) Validate(ctx context.Context, creds provider.Credentials) (*provider.ValidateResult, error) {
	if err := provider.RequireCreds(creds, "access_key_id", "secret_access_key"); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("Action", "GetCallerIdentity")
	params.Set("Version", stsVersion)

	var resp struct {
		Result struct {
			Account string `xml:"Account"`
			Arn     string `xml:"Arn"`
		} `xml:"GetCallerIdentityResult"`
	}
	err := a.call(ctx, creds, a.stsEndpoint, "us-east-1", "sts", params, &resp)
	if err != nil {
		if fault.Is(err, fault.KindAuth) {
			return &provider.ValidateResult{Valid: false, Message: err.Error()}, nil
		}
		return nil, err
	}

	return &provider.ValidateResult{Valid: true, AccountID: resp.Result.Account}, nil
}

// Deploy 导入密钥、建安全组并放行端口、RunInstances、轮询就绪
func (a *Adapter) Deploy(ctx context.Context, creds provider.Credentials, spec *provider.DeploySpec) (*provider.DeployResult, error) {
	if err := provider.RequireCreds(creds, "access_key_id", "secret_access_key"); err != nil {
		return nil, err
	}
	region := spec.Region

	keyName := ""
	if spec.SSHPublicKey != "" {
		keyName = fmt.Sprintf("tradepilot-key-%d", time.Now().Unix())
		params := url.Values{}
		params.Set("Action", "ImportKeyPair")
		params.Set("KeyName", keyName)
		params.Set("PublicKeyMaterial", spec.SSHPublicKey)
		if err := a.ec2(ctx, creds, region, params, nil); err != nil {
			return nil, err
		}
	}

	sgID, err := a.createSecurityGroup(ctx, creds, region, spec.FirewallRules)
	if err != nil {
		logger.Warn("⚠️ aws 安全组创建失败: %v", err)
	}

	instanceType := instanceTypes[spec.Size]
	if instanceType == "" {
		instanceType = spec.Size
	}

	params := url.Values{}
	params.Set("Action", "RunInstances")
	params.Set("ImageId", spec.Image)
	params.Set("InstanceType", instanceType)
	params.Set("MinCount", "1")
	params.Set("MaxCount", "1")
	if keyName != "" {
		params.Set("KeyName", keyName)
	}
	if sgID != "" {
		params.Set("SecurityGroupId.1", sgID)
	}
	params.Set("TagSpecification.1.ResourceType", "instance")
	params.Set("TagSpecification.1.Tag.1.Key", "managed-by")
	params.Set("TagSpecification.1.Tag.1.Value", "tradepilot")

	var runResp struct {
		Instances []struct {
			InstanceID string `xml:"instanceId"`
		} `xml:"instancesSet>item"`
	}
	err = provider.Retry(ctx, "aws 创建实例", func() error {
		return a.ec2(ctx, creds, region, cloneValues(params), &runResp)
	})
	if err != nil {
		return nil, err
	}
	if len(runResp.Instances) == 0 {
		return nil, fault.New(fault.KindProtocol, "RunInstances 响应缺少实例")
	}
	instanceID := runResp.Instances[0].InstanceID

	credsWithRegion := withRegion(creds, region)
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

// createSecurityGroup 建组并放行入站端口
func (a *Adapter) createSecurityGroup(ctx context.Context, creds provider.Credentials, region string, rules []provider.FirewallRule) (string, error) {
	params := url.Values{}
	params.Set("Action", "CreateSecurityGroup")
	params.Set("GroupName", fmt.Sprintf("tradepilot-sg-%d", time.Now().Unix()))
	params.Set("GroupDescription", "tradepilot managed")

	var resp struct {
		GroupID string `xml:"groupId"`
	}
	if err := a.ec2(ctx, creds, region, params, &resp); err != nil {
		return "", err
	}

	if len(rules) == 0 {
		rules = provider.DefaultFirewallRules()
	}
	ingress := url.Values{}
	ingress.Set("Action", "AuthorizeSecurityGroupIngress")
	ingress.Set("GroupId", resp.GroupID)
	for i, r := range rules {
		prefix := fmt.Sprintf("IpPermissions.%d.", i+1)
		ingress.Set(prefix+"IpProtocol", r.Protocol)
		ingress.Set(prefix+"FromPort", fmt.Sprintf("%d", r.Port))
		ingress.Set(prefix+"ToPort", fmt.Sprintf("%d", r.Port))
		ingress.Set(prefix+"IpRanges.1.CidrIp", "0.0.0.0/0")
	}
	if err := a.ec2(ctx, creds, region, ingress, nil); err != nil {
		return resp.GroupID, err
	}
	return resp.GroupID, nil
}

type describeResponse struct {
	Reservations []struct {
		Instances []struct {
			InstanceID string `xml:"instanceId"`
			State      struct {
				Name string `xml:"name"`
			} `xml:"instanceState"`
			PublicIP string `xml:"ipAddress"`
			Zone     struct {
				Name string `xml:"availabilityZone"`
			} `xml:"placement"`
		} `xml:"instancesSet>item"`
	} `xml:"reservationSet>item"`
}

func (r *describeResponse) first() *provider.Instance {
	for _, rv := range r.Reservations {
		for _, in := range rv.Instances {
			return &provider.Instance{
				ID:       in.InstanceID,
				State:    mapState(in.State.Name),
				PublicIP: in.PublicIP,
				Region:   in.Zone.Name,
			}
		}
	}
	return nil
}

func mapState(name string) string {
	switch name {
	case "running":
		return provider.StateRunning
	case "pending":
		return provider.StateProvisioning
	case "stopped", "stopping":
		return provider.StateStopped
	case "terminated", "shutting-down":
		return provider.StateTerminated
	}
	return provider.StateUnknown
}

// Status 查询实例状态，凭证需带 region
func (a *Adapter) Status(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.Instance, error) {
	params := url.Values{}
	params.Set("Action", "DescribeInstances")
	params.Set("InstanceId.1", instanceID)

	var resp describeResponse
	if err := a.ec2(ctx, creds, regionOf(creds), params, &resp); err != nil {
		return nil, err
	}
	inst := resp.first()
	if inst == nil {
		return nil, fault.New(fault.KindState, fmt.Sprintf("实例不存在: %s", instanceID))
	}
	return inst, nil
}

func (a *Adapter) action(ctx context.Context, creds provider.Credentials, instanceID, actionName, newState string) (*provider.ControlResult, error) {
	prev, err := a.Status(ctx, creds, instanceID)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("Action", actionName)
	params.Set("InstanceId.1", instanceID)
	if err := a.ec2(ctx, creds, regionOf(creds), params, nil); err != nil {
		return nil, err
	}
	return &provider.ControlResult{PrevState: prev.State, NewState: newState}, nil
}

func (a *Adapter) Start(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "StartInstances", provider.StateRunning)
}

func (a *Adapter) Stop(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "StopInstances", provider.StateStopped)
}

func (a *Adapter) Restart(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "RebootInstances", provider.StateRunning)
}

func (a *Adapter) Terminate(ctx context.Context, creds provider.Credentials, instanceID string) (*provider.ControlResult, error) {
	return a.action(ctx, creds, instanceID, "TerminateInstances", provider.StateTerminated)
}

// FindByIP 用 ip-address 过滤器查找实例
func (a *Adapter) FindByIP(ctx context.Context, creds provider.Credentials, ip string) (*provider.Instance, error) {
	params := url.Values{}
	params.Set("Action", "DescribeInstances")
	params.Set("Filter.1.Name", "ip-address")
	params.Set("Filter.1.Value.1", ip)

	var resp describeResponse
	if err := a.ec2(ctx, creds, regionOf(creds), params, &resp); err != nil {
		return nil, err
	}
	return resp.first(), nil
}

func regionOf(creds provider.Credentials) string {
	if creds["region"] != "" {
		return creds["region"]
	}
	return "us-east-1"
}

func withRegion(creds provider.Credentials, region string) provider.Credentials {
	out := make(provider.Credentials, len(creds)+1)
	for k, v := range creds {
		out[k] = v
	}
	out["region"] = region
	return out
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
