// Package provider 定义云厂商适配器的统一能力集
// 每个厂商在自己的子包内实现接口，共享的重试与轮询助手放在本包
package provider

import (
	"context"
	"fmt"
	"sync"
)

// 实例状态
const (
	StateProvisioning = "provisioning"
	StateRunning      = "running"
	StateStopped      = "stopped"
	StateTerminated   = "terminated"
	StateUnknown      = "unknown"
)

// Credentials 解密后的凭证键值对，按厂商各取所需
type Credentials map[string]string

// ValidateResult 凭证校验结果
type ValidateResult struct {
	Valid     bool   `json:"valid"`
	AccountID string `json:"account_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// FirewallRule 入站规则
type FirewallRule struct {
	Protocol string `json:"protocol"` // tcp, udp
	Port     int    `json:"port"`
}

// DeploySpec 部署规格
type DeploySpec struct {
	Region        string            `json:"region"`
	Size          string            `json:"size"` // small, medium, large 或厂商原生规格
	Image         string            `json:"image"`
	SSHPublicKey  string            `json:"ssh_public_key,omitempty"`
	FirewallRules []FirewallRule    `json:"firewall_rules"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// DefaultFirewallRules 面板部署默认放行的端口
func DefaultFirewallRules() []FirewallRule {
	return []FirewallRule{
		{Protocol: "tcp", Port: 22},
		{Protocol: "tcp", Port: 80},
		{Protocol: "tcp", Port: 443},
		{Protocol: "tcp", Port: 3000},
	}
}

// DeployResult 部署结果
// 轮询超时后 PublicIP 为空且 Status 为 provisioning，由调用方稍后补查
type DeployResult struct {
	InstanceID string `json:"instance_id"`
	PublicIP   string `json:"public_ip,omitempty"`
	Region     string `json:"region"`
	Status     string `json:"status"`
}

// Instance 实例快照
type Instance struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	PublicIP string `json:"public_ip,omitempty"`
	Region   string `json:"region,omitempty"`
}

// ControlResult 电源操作结果
type ControlResult struct {
	PrevState string `json:"prev_state"`
	NewState  string `json:"new_state"`
}

// Provider 云厂商适配器能力集
type Provider interface {
	Name() string
	Validate(ctx context.Context, creds Credentials) (*ValidateResult, error)
	Deploy(ctx context.Context, creds Credentials, spec *DeploySpec) (*DeployResult, error)
	Status(ctx context.Context, creds Credentials, instanceID string) (*Instance, error)
	Start(ctx context.Context, creds Credentials, instanceID string) (*ControlResult, error)
	Stop(ctx context.Context, creds Credentials, instanceID string) (*ControlResult, error)
	Restart(ctx context.Context, creds Credentials, instanceID string) (*ControlResult, error)
	Terminate(ctx context.Context, creds Credentials, instanceID string) (*ControlResult, error)
	// FindByIP 按公网 IP 查找已有实例，未命中返回 nil
	FindByIP(ctx context.Context, creds Credentials, ip string) (*Instance, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Provider)
)

// Register 注册适配器，子包在 init 外由装配代码调用
func Register(p Provider) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[p.Name()] = p
}

// Get 按名称获取适配器
func Get(name string) (Provider, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("未注册的云厂商: %s", name)
	}
	return p, nil
}

// Names 已注册的厂商名称
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
