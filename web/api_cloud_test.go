package web

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"tradepilot/provider"
	"tradepilot/store"
)

// fakeProvider 可编程的云厂商替身
type fakeProvider struct {
	name         string
	deployResult *provider.DeployResult
	findResult   *provider.Instance
	deployCalls  int
	findCalls    int
	lastSpec     *provider.DeploySpec
	lastCreds    provider.Credentials
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Validate(ctx context.Context, creds provider.Credentials) (*provider.ValidateResult, error) {
	f.lastCreds = creds
	return &provider.ValidateResult{Valid: true, AccountID: "acct-1"}, nil
}

func (f *fakeProvider) Deploy(ctx context.Context, creds provider.Credentials, spec *provider.DeploySpec) (*provider.DeployResult, error) {
	f.deployCalls++
	f.lastSpec = spec
	f.lastCreds = creds
	return f.deployResult, nil
}

func (f *fakeProvider) Status(ctx context.Context, creds provider.Credentials, id string) (*provider.Instance, error) {
	return &provider.Instance{ID: id, State: provider.StateRunning, PublicIP: "198.51.100.1"}, nil
}

func (f *fakeProvider) Start(ctx context.Context, creds provider.Credentials, id string) (*provider.ControlResult, error) {
	return &provider.ControlResult{PrevState: provider.StateStopped, NewState: provider.StateRunning}, nil
}

func (f *fakeProvider) Stop(ctx context.Context, creds provider.Credentials, id string) (*provider.ControlResult, error) {
	return &provider.ControlResult{PrevState: provider.StateRunning, NewState: provider.StateStopped}, nil
}

func (f *fakeProvider) Restart(ctx context.Context, creds provider.Credentials, id string) (*provider.ControlResult, error) {
	return &provider.ControlResult{PrevState: provider.StateRunning, NewState: provider.StateRunning}, nil
}

func (f *fakeProvider) Terminate(ctx context.Context, creds provider.Credentials, id string) (*provider.ControlResult, error) {
	return &provider.ControlResult{PrevState: provider.StateRunning, NewState: provider.StateTerminated}, nil
}

func (f *fakeProvider) FindByIP(ctx context.Context, creds provider.Credentials, ip string) (*provider.Instance, error) {
	f.findCalls++
	return f.findResult, nil
}

// newFakeProvider 注册替身并预存云凭证
func newFakeProvider(t *testing.T, srv *Server, name string) *fakeProvider {
	t.Helper()
	fp := &fakeProvider{name: name}
	provider.Register(fp)
	if err := srv.vault.PutCloudCredential(context.Background(), name, map[string]string{
		"api_token": "secret-token-xyz",
	}); err != nil {
		t.Fatalf("写云凭证失败: %v", err)
	}
	return fp
}

func TestSaveCredentialsNeverEchoes(t *testing.T) {
	srv, _ := newTestServer(t)
	provider.Register(&fakeProvider{name: "echo-cloud"})

	w := doJSON(t, srv, http.MethodPost, "/api/provider-cloud/echo-cloud/credentials",
		map[string]string{"api_token": "super-secret-value"})
	mustStatus(t, w, http.StatusOK)
	if strings.Contains(w.Body.String(), "super-secret-value") {
		t.Error("保存凭证的响应不应该回显凭证")
	}

	// 未注册厂商直接拒绝
	w = doJSON(t, srv, http.MethodPost, "/api/provider-cloud/nonexistent/credentials",
		map[string]string{"api_token": "x"})
	mustStatus(t, w, http.StatusBadRequest)
}

func TestDeployProvisioningTimeout(t *testing.T) {
	srv, s := newTestServer(t)
	fp := newFakeProvider(t, srv, "slow-cloud")
	fp.deployResult = &provider.DeployResult{
		InstanceID: "i-slow",
		PublicIP:   "",
		Status:     provider.StateProvisioning,
	}

	w := doJSON(t, srv, http.MethodPost, "/api/provider-cloud/slow-cloud/deploy",
		map[string]string{"region": "sgp1", "size": "small"})
	mustStatus(t, w, http.StatusOK)
	resp := decodeBody(t, w)
	if resp["status"] != provider.StateProvisioning {
		t.Errorf("轮询超时应该原样上报 provisioning, 得到 %v", resp["status"])
	}
	if resp["public_ip"] != nil {
		t.Errorf("未分配 IP 时 public_ip 应该是 null, 得到 %v", resp["public_ip"])
	}

	// 主机记录按 provisioning 落库，不冒充 running
	host, err := s.GetHost(context.Background(), "i-slow")
	if err != nil || host == nil {
		t.Fatalf("部署后应该有主机记录: %v", err)
	}
	if host.LifecycleStatus != store.HostProvisioning {
		t.Errorf("无公网 IP 的主机不应该记成 running, 得到 %s", host.LifecycleStatus)
	}
}

func TestDeployRunningWithIP(t *testing.T) {
	srv, s := newTestServer(t)
	fp := newFakeProvider(t, srv, "fast-cloud")
	fp.deployResult = &provider.DeployResult{
		InstanceID: "i-fast",
		PublicIP:   "198.51.100.7",
		Region:     "sgp1",
		Status:     provider.StateRunning,
	}

	w := doJSON(t, srv, http.MethodPost, "/api/provider-cloud/fast-cloud/deploy",
		map[string]string{"region": "sgp1", "size": "small", "name": "bot-1"})
	mustStatus(t, w, http.StatusOK)
	resp := decodeBody(t, w)
	if resp["public_ip"] != "198.51.100.7" {
		t.Errorf("应该返回分配的公网 IP: %v", resp["public_ip"])
	}

	host, _ := s.GetHost(context.Background(), "i-fast")
	if host == nil || host.LifecycleStatus != store.HostRunning {
		t.Fatalf("running 且有 IP 的主机应该记成 running: %+v", host)
	}

	// 部署规格带默认防火墙和名称标签
	if fp.lastSpec == nil || len(fp.lastSpec.FirewallRules) == 0 {
		t.Error("部署规格应该带默认防火墙规则")
	}
	if fp.lastSpec.Tags["name"] != "bot-1" {
		t.Errorf("部署规格应该带名称标签: %v", fp.lastSpec.Tags)
	}
	if fp.lastCreds["api_token"] != "secret-token-xyz" {
		t.Error("部署应该使用保险库里的凭证")
	}
}

func TestAdoptOrDeployAdoptsExistingByIP(t *testing.T) {
	srv, s := newTestServer(t)
	fp := newFakeProvider(t, srv, "adopt-cloud")
	fp.findResult = &provider.Instance{
		ID:       "i-existing",
		State:    provider.StateRunning,
		PublicIP: "203.0.113.99",
		Region:   "fra1",
	}

	w := doJSON(t, srv, http.MethodPost, "/api/provider-cloud/adopt-cloud/adopt-or-deploy",
		map[string]string{"existing_ip": "203.0.113.99"})
	mustStatus(t, w, http.StatusOK)
	resp := decodeBody(t, w)
	if resp["adopted"] != true {
		t.Error("按 IP 命中既有实例应该收编而不是新建")
	}
	if fp.deployCalls != 0 {
		t.Errorf("收编路径不应该触发部署, 部署了 %d 次", fp.deployCalls)
	}

	host, _ := s.GetHost(context.Background(), "i-existing")
	if host == nil || host.PublicIP != "203.0.113.99" {
		t.Fatalf("收编的实例应该落主机记录: %+v", host)
	}

	audits, _ := s.ListAuditEvents(context.Background(), "host.adopt", 10)
	if len(audits) != 1 {
		t.Errorf("收编应该写一条审计事件, 得到 %d", len(audits))
	}
}

func TestAdoptOrDeployFallsBackToDeploy(t *testing.T) {
	srv, _ := newTestServer(t)
	fp := newFakeProvider(t, srv, "miss-cloud")
	fp.findResult = nil // IP 未命中
	fp.deployResult = &provider.DeployResult{
		InstanceID: "i-new",
		PublicIP:   "198.51.100.20",
		Status:     provider.StateRunning,
	}

	w := doJSON(t, srv, http.MethodPost, "/api/provider-cloud/miss-cloud/adopt-or-deploy",
		map[string]string{"existing_ip": "10.0.0.1", "region": "sgp1", "size": "small"})
	mustStatus(t, w, http.StatusOK)
	resp := decodeBody(t, w)
	if resp["adopted"] != false {
		t.Error("IP 未命中时应该转为部署")
	}
	if fp.findCalls != 1 || fp.deployCalls != 1 {
		t.Errorf("应该先查再部署: find=%d deploy=%d", fp.findCalls, fp.deployCalls)
	}
	if resp["instance_id"] != "i-new" {
		t.Errorf("应该返回新实例 ID: %v", resp["instance_id"])
	}
}
