package web

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tradepilot/event"
	"tradepilot/fault"
	"tradepilot/logger"
	"tradepilot/metrics"
	"tradepilot/provider"
	"tradepilot/store"
)

// audit 每个改变状态的操作写一条审计事件
func (s *Server) audit(c *gin.Context, action, resource, before, after string) {
	actor := c.GetHeader("X-Operator")
	if actor == "" {
		actor = "console"
	}
	err := s.store.SaveAuditEvent(c.Request.Context(), &store.AuditEvent{
		Ts:       time.Now(),
		Actor:    actor,
		Action:   action,
		Resource: resource,
		Before:   before,
		After:    after,
		ClientIP: c.ClientIP(),
	})
	if err != nil {
		logger.Warn("⚠️ 写审计事件失败: %v", err)
	}
}

// credsForProvider 从保险库即时取出云凭证，绝不回显
func (s *Server) credsForProvider(c *gin.Context, name string) (provider.Credentials, bool) {
	secret, err := s.vault.GetCloudCredential(c.Request.Context(), name)
	if err != nil {
		respondFault(c, err)
		return nil, false
	}
	return provider.Credentials(secret), true
}

func (s *Server) handleSaveCredentials(c *gin.Context) {
	name := c.Param("provider")
	if _, err := provider.Get(name); err != nil {
		respondFault(c, fault.New(fault.KindProtocol, "不支持的云厂商: "+name))
		return
	}

	var secret map[string]string
	if err := c.ShouldBindJSON(&secret); err != nil || len(secret) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "凭证不能为空"})
		return
	}

	if err := s.vault.PutCloudCredential(c.Request.Context(), name, secret); err != nil {
		respondFault(c, err)
		return
	}
	s.audit(c, "credentials.save", name, "", "updated")
	// 响应里只确认保存，永不回显凭证内容
	c.JSON(http.StatusOK, gin.H{"success": true, "provider": name})
}

func (s *Server) handleValidateCredentials(c *gin.Context) {
	name := c.Param("provider")
	p, err := provider.Get(name)
	if err != nil {
		respondFault(c, fault.New(fault.KindProtocol, "不支持的云厂商: "+name))
		return
	}
	creds, ok := s.credsForProvider(c, name)
	if !ok {
		return
	}

	result, err := p.Validate(c.Request.Context(), creds)
	if err != nil {
		respondFault(c, err)
		return
	}
	if result.Valid {
		if err := s.vault.MarkVerified(c.Request.Context(), name); err != nil {
			logger.Warn("⚠️ 标记凭证已验证失败: %v", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"valid":      result.Valid,
		"account_id": result.AccountID,
		"message":    result.Message,
	})
}

// deployRequest 部署请求
type deployRequest struct {
	Region       string `json:"region"`
	Size         string `json:"size"`
	Name         string `json:"name"`
	SSHPublicKey string `json:"ssh_public_key"`
	ExistingIP   string `json:"existing_ip"`
}

func (d *deployRequest) toSpec() *provider.DeploySpec {
	spec := &provider.DeploySpec{
		Region:        d.Region,
		Size:          d.Size,
		SSHPublicKey:  d.SSHPublicKey,
		FirewallRules: provider.DefaultFirewallRules(),
	}
	if d.Name != "" {
		spec.Tags = map[string]string{"name": d.Name}
	}
	return spec
}

// saveDeployedHost 按部署结果落主机记录
// running 状态只有云厂商确认 running 且有公网 IP 才写入
func (s *Server) saveDeployedHost(c *gin.Context, providerName string, req *deployRequest, result *provider.DeployResult) {
	status := store.HostProvisioning
	if result.Status == provider.StateRunning && result.PublicIP != "" {
		status = store.HostRunning
	}
	host := &store.HostRecord{
		ID:              result.InstanceID,
		Provider:        providerName,
		Region:          req.Region,
		InstanceType:    req.Size,
		PublicIP:        result.PublicIP,
		LifecycleStatus: status,
		CreatedAt:       time.Now(),
	}
	if err := s.store.SaveHost(c.Request.Context(), host); err != nil {
		logger.Error("❌ 保存主机记录失败: %v", err)
	}
}

func (s *Server) handleDeploy(c *gin.Context) {
	name := c.Param("provider")
	p, err := provider.Get(name)
	if err != nil {
		respondFault(c, fault.New(fault.KindProtocol, "不支持的云厂商: "+name))
		return
	}

	var req deployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "请求格式错误: " + err.Error()})
		return
	}
	creds, ok := s.credsForProvider(c, name)
	if !ok {
		return
	}

	result, err := s.deploy(c, p, name, creds, &req)
	if err != nil {
		respondFault(c, err)
		return
	}

	// 轮询超时的实例原样上报 provisioning，public_ip 为空由前端呈现为未分配
	var publicIP interface{}
	if result.PublicIP != "" {
		publicIP = result.PublicIP
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"instance_id": result.InstanceID,
		"public_ip":   publicIP,
		"status":      result.Status,
	})
}

// deploy 部署公共路径：指标、主机落库、审计、事件
// 失败时写一条健康事件，绝不留下 running 记录
func (s *Server) deploy(c *gin.Context, p provider.Provider, name string, creds provider.Credentials, req *deployRequest) (*provider.DeployResult, error) {
	ctx := c.Request.Context()
	s.bus.Publish(&event.Event{
		Type:      event.TypeDeploymentStarted,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"Provider": name, "Region": req.Region},
	})

	start := time.Now()
	result, err := p.Deploy(ctx, creds, req.toSpec())
	if err != nil {
		metrics.RecordDeploy(name, "error", time.Since(start))
		if hErr := s.store.SaveHealthEvent(ctx, &store.HealthEvent{
			Ts:       time.Now(),
			Provider: name,
			Status:   store.StatusDown,
			Message:  "部署失败: " + err.Error(),
		}); hErr != nil {
			logger.Warn("⚠️ 写健康事件失败: %v", hErr)
		}
		s.bus.Publish(&event.Event{
			Type:      event.TypeDeploymentFailed,
			Timestamp: time.Now(),
			Data:      map[string]interface{}{"Provider": name, "Error": err.Error()},
		})
		return nil, err
	}
	metrics.RecordDeploy(name, result.Status, time.Since(start))

	s.saveDeployedHost(c, name, req, result)
	s.audit(c, "host.deploy", name+"/"+result.InstanceID, "", result.Status)
	s.bus.Publish(&event.Event{
		Type:      event.TypeDeploymentFinished,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"Provider":   name,
			"InstanceID": result.InstanceID,
			"Status":     result.Status,
		},
	})
	return result, nil
}

// handleAdoptOrDeploy 先按 IP 找既有实例，命中则收编，未命中再部署
func (s *Server) handleAdoptOrDeploy(c *gin.Context) {
	name := c.Param("provider")
	p, err := provider.Get(name)
	if err != nil {
		respondFault(c, fault.New(fault.KindProtocol, "不支持的云厂商: "+name))
		return
	}

	var req deployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "请求格式错误: " + err.Error()})
		return
	}
	creds, ok := s.credsForProvider(c, name)
	if !ok {
		return
	}

	if req.ExistingIP != "" {
		inst, err := p.FindByIP(c.Request.Context(), creds, req.ExistingIP)
		if err != nil {
			respondFault(c, err)
			return
		}
		if inst != nil {
			host := &store.HostRecord{
				ID:              inst.ID,
				Provider:        name,
				Region:          inst.Region,
				PublicIP:        inst.PublicIP,
				LifecycleStatus: inst.State,
				CreatedAt:       time.Now(),
			}
			if err := s.store.SaveHost(c.Request.Context(), host); err != nil {
				respondFault(c, err)
				return
			}
			s.audit(c, "host.adopt", name+"/"+inst.ID, "", req.ExistingIP)
			logger.Info("✅ 收编 %s 既有实例 %s (%s)", name, inst.ID, req.ExistingIP)
			c.JSON(http.StatusOK, gin.H{
				"success":     true,
				"adopted":     true,
				"instance_id": inst.ID,
				"public_ip":   inst.PublicIP,
				"status":      inst.State,
			})
			return
		}
		logger.Info("🔍 %s 上没有 IP 为 %s 的实例，转为部署", name, req.ExistingIP)
	}

	result, err := s.deploy(c, p, name, creds, &req)
	if err != nil {
		respondFault(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"adopted":     false,
		"instance_id": result.InstanceID,
		"public_ip":   result.PublicIP,
		"status":      result.Status,
	})
}

func (s *Server) handleInstanceStatus(c *gin.Context) {
	name := c.Param("provider")
	p, err := provider.Get(name)
	if err != nil {
		respondFault(c, fault.New(fault.KindProtocol, "不支持的云厂商: "+name))
		return
	}
	creds, ok := s.credsForProvider(c, name)
	if !ok {
		return
	}

	inst, err := p.Status(c.Request.Context(), creds, c.Param("instance"))
	if err != nil {
		respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "instance": inst})
}

// instanceAction 实例电源操作的公共路径
func (s *Server) instanceAction(c *gin.Context, action string,
	call func(p provider.Provider, creds provider.Credentials, id string) (*provider.ControlResult, error)) {

	name := c.Param("provider")
	instanceID := c.Param("instance")
	p, err := provider.Get(name)
	if err != nil {
		respondFault(c, fault.New(fault.KindProtocol, "不支持的云厂商: "+name))
		return
	}
	creds, ok := s.credsForProvider(c, name)
	if !ok {
		return
	}

	result, err := call(p, creds, instanceID)
	if err != nil {
		respondFault(c, err)
		return
	}

	newStatus := map[string]string{
		"start":     store.HostRunning,
		"stop":      store.HostStopped,
		"restart":   store.HostRunning,
		"terminate": store.HostTerminated,
	}[action]
	if err := s.store.UpdateHostStatus(c.Request.Context(), instanceID, newStatus); err != nil {
		logger.Warn("⚠️ 更新主机状态失败: %v", err)
	}
	s.audit(c, "host."+action, name+"/"+instanceID, "", newStatus)

	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

func (s *Server) handleInstanceStart(c *gin.Context) {
	s.instanceAction(c, "start", func(p provider.Provider, creds provider.Credentials, id string) (*provider.ControlResult, error) {
		return p.Start(c.Request.Context(), creds, id)
	})
}

func (s *Server) handleInstanceStop(c *gin.Context) {
	s.instanceAction(c, "stop", func(p provider.Provider, creds provider.Credentials, id string) (*provider.ControlResult, error) {
		return p.Stop(c.Request.Context(), creds, id)
	})
}

func (s *Server) handleInstanceRestart(c *gin.Context) {
	s.instanceAction(c, "restart", func(p provider.Provider, creds provider.Credentials, id string) (*provider.ControlResult, error) {
		return p.Restart(c.Request.Context(), creds, id)
	})
}

func (s *Server) handleInstanceTerminate(c *gin.Context) {
	s.instanceAction(c, "terminate", func(p provider.Provider, creds provider.Credentials, id string) (*provider.ControlResult, error) {
		return p.Terminate(c.Request.Context(), creds, id)
	})
}

func (s *Server) handleListHosts(c *gin.Context) {
	hosts, err := s.store.ListHosts(c.Request.Context())
	if err != nil {
		respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "hosts": hosts})
}
