package web

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tradepilot/event"
	"tradepilot/fault"
	"tradepilot/logger"
	"tradepilot/metrics"
	"tradepilot/store"
)

// destructivePatterns 禁止下发的命令特征，命中即拒绝
var destructivePatterns = []string{
	"rm -rf /",
	"rm -fr /",
	"mkfs",
	"dd if=",
	":(){",
	"> /dev/sd",
	"chmod -r 000",
	"shutdown",
	"halt",
}

// containsDestructive 检查文本是否命中破坏性命令特征
func containsDestructive(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range destructivePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// botControlRequest 机器人控制意图
type botControlRequest struct {
	Action string `json:"action" binding:"required"`
	Mode   string `json:"mode"`
}

// normalizeAction 把操作员意图归一成固定动作，绝不透传原始 shell
func normalizeAction(raw string) (string, bool) {
	verb := strings.ToLower(strings.TrimSpace(raw))
	verb = strings.TrimSuffix(verb, " bot")
	switch verb {
	case "start", "stop", "restart":
		return verb, true
	}
	return "", false
}

// resolvePrimaryHost 从故障转移表解析主节点对应的运行中主机
func (s *Server) resolvePrimaryHost(c *gin.Context) (*store.FailoverEntry, *store.HostRecord, bool) {
	ctx := c.Request.Context()
	primary, err := s.store.GetPrimary(ctx)
	if err != nil {
		respondFault(c, err)
		return nil, nil, false
	}
	if primary == nil {
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "no_primary"})
		return nil, nil, false
	}

	hosts, err := s.store.ListHosts(ctx)
	if err != nil {
		respondFault(c, err)
		return nil, nil, false
	}
	for _, h := range hosts {
		if h.Provider == primary.Provider && h.LifecycleStatus == store.HostRunning && h.PublicIP != "" {
			return primary, h, true
		}
	}
	c.JSON(http.StatusConflict, gin.H{
		"success": false,
		"error":   "主节点 " + primary.Provider + " 没有运行中的主机",
	})
	return nil, nil, false
}

// exchangeEnv 从保险库即时取出交易所凭证拼装环境变量，永不回显
func (s *Server) exchangeEnv(c *gin.Context) map[string]string {
	ctx := c.Request.Context()
	env := make(map[string]string)
	conns, err := s.store.ListExchangeConnections(ctx)
	if err != nil {
		logger.Warn("⚠️ 查询交易所连接失败: %v", err)
		return env
	}
	for _, conn := range conns {
		if conn.Credentials == "" {
			continue
		}
		secret, err := s.vault.GetExchangeCredential(ctx, conn.ExchangeName)
		if err != nil {
			logger.Warn("⚠️ 解密 %s 凭证失败: %v", conn.ExchangeName, err)
			continue
		}
		prefix := strings.ToUpper(conn.ExchangeName) + "_"
		for k, v := range secret {
			env[prefix+strings.ToUpper(k)] = v
		}
	}
	return env
}

func (s *Server) handleBotControl(c *gin.Context) {
	var req botControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "请求格式错误: " + err.Error()})
		return
	}

	if containsDestructive(req.Action) {
		s.audit(c, "bot.control.refused", req.Action, "", "destructive")
		logger.Warn("🛑 拒绝破坏性指令: %q", req.Action)
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "指令命中破坏性命令特征，已拒绝"})
		return
	}
	action, ok := normalizeAction(req.Action)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "不支持的操作: " + req.Action})
		return
	}

	primary, host, ok := s.resolvePrimaryHost(c)
	if !ok {
		return
	}

	// 启动时即时注入交易所凭证，并同步当前杀死开关（代理重启后缓存会丢）
	var env map[string]string
	if action == "start" {
		env = s.exchangeEnv(c)
		if enabled, err := s.store.KillSwitchEnabled(c.Request.Context()); err == nil {
			if err := s.agents.SetKillSwitch(c.Request.Context(), host.PublicIP, enabled); err != nil {
				logger.Warn("⚠️ 下发杀死开关到代理失败: %v", err)
			}
		}
	}

	actor := c.GetHeader("X-Operator")
	if actor == "" {
		actor = "console"
	}
	resp, err := s.agents.Control(c.Request.Context(), host.PublicIP, action, actor, req.Mode, env)
	if err != nil {
		respondFault(c, err)
		return
	}

	// 更新部署投影并广播
	newStatus := map[string]string{"start": store.BotRunning, "stop": store.BotStopped, "restart": store.BotRunning}[action]
	if err := s.store.UpsertDeployment(c.Request.Context(), &store.BotDeployment{
		HostID:        host.ID,
		IP:            host.PublicIP,
		BotStatus:     newStatus,
		SignalPresent: action != "stop",
		UpdatedAt:     time.Now(),
	}); err != nil {
		logger.Warn("⚠️ 更新部署投影失败: %v", err)
	}

	s.audit(c, "bot."+action, primary.Provider+"/"+host.ID, "", newStatus)
	s.bus.Publish(&event.Event{
		Type:      event.TypeBotStatusChanged,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"From":   "",
			"To":     newStatus,
			"HostID": host.ID,
		},
	})

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"action":         action,
		"host_id":        host.ID,
		"provider":       primary.Provider,
		"agent_response": resp,
	})
}

// handleBotStatus 同时取存储投影与代理实况，不一致时上报差异但不覆盖存储
func (s *Server) handleBotStatus(c *gin.Context) {
	ctx := c.Request.Context()
	primary, host, ok := s.resolvePrimaryHost(c)
	if !ok {
		return
	}

	stored, err := s.store.GetDeployment(ctx, host.ID)
	if err != nil {
		respondFault(c, err)
		return
	}
	storeStatus := store.BotStopped
	if stored != nil {
		storeStatus = stored.BotStatus
	}

	agentStatus, err := s.agents.Status(ctx, host.PublicIP)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"success":      true,
			"provider":     primary.Provider,
			"store_status": storeStatus,
			"agent_error":  err.Error(),
		})
		return
	}

	desync := agentStatus.BotStatus != storeStatus
	if desync {
		// 差异只上报，不回写存储
		logger.Warn("⚠️ 状态不同步: 存储 %s, 代理 %s (主机 %s)", storeStatus, agentStatus.BotStatus, host.ID)
		if err := s.store.SaveHealthEvent(ctx, &store.HealthEvent{
			Ts:       time.Now(),
			Provider: primary.Provider,
			Status:   "desync",
			Message:  "存储 " + storeStatus + " 与代理 " + agentStatus.BotStatus + " 不一致",
		}); err != nil {
			logger.Warn("⚠️ 写健康事件失败: %v", err)
		}
		s.bus.Publish(&event.Event{
			Type:      event.TypeDesyncDetected,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"HostID":      host.ID,
				"StoreStatus": storeStatus,
				"HostStatus":  agentStatus.BotStatus,
			},
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"provider":     primary.Provider,
		"host_id":      host.ID,
		"store_status": storeStatus,
		"agent_status": agentStatus.BotStatus,
		"desync":       desync,
	})
}

func (s *Server) handleSetKillSwitch(c *gin.Context) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "请求格式错误: " + err.Error()})
		return
	}

	before, err := s.store.KillSwitchEnabled(c.Request.Context())
	if err != nil {
		respondFault(c, err)
		return
	}
	if err := s.store.SetKillSwitch(c.Request.Context(), req.Enabled); err != nil {
		respondFault(c, err)
		return
	}
	metrics.SetKillSwitch(req.Enabled)
	s.audit(c, "kill_switch.set", "global", boolWord(before), boolWord(req.Enabled))

	eventType := event.TypeKillSwitchChanged
	s.bus.Publish(&event.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"Enabled": req.Enabled},
	})
	if req.Enabled {
		logger.Warn("🛑 杀死开关已开启，全局禁止下单")
	} else {
		logger.Info("✅ 杀死开关已关闭")
	}

	// 尽力同步到主节点代理，失败不影响存储里的开关
	if host := s.primaryRunningHost(c.Request.Context()); host != nil {
		if err := s.agents.SetKillSwitch(c.Request.Context(), host.PublicIP, req.Enabled); err != nil {
			logger.Warn("⚠️ 下发杀死开关到代理失败: %v", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "enabled": req.Enabled})
}

// primaryRunningHost 主节点当前运行中的主机，没有时返回 nil
func (s *Server) primaryRunningHost(ctx context.Context) *store.HostRecord {
	primary, err := s.store.GetPrimary(ctx)
	if err != nil || primary == nil {
		return nil
	}
	hosts, err := s.store.ListHosts(ctx)
	if err != nil {
		return nil
	}
	for _, h := range hosts {
		if h.Provider == primary.Provider && h.LifecycleStatus == store.HostRunning && h.PublicIP != "" {
			return h
		}
	}
	return nil
}

func (s *Server) handleGetKillSwitch(c *gin.Context) {
	enabled, err := s.store.KillSwitchEnabled(c.Request.Context())
	if err != nil {
		respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "enabled": enabled})
}

func boolWord(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// ==================== 边缘退避 ====================

// handleEdgeBackoffState 面板查询当前建议的轮询间隔
func (s *Server) handleEdgeBackoffState(c *gin.Context) {
	if s.edge == nil {
		respondFault(c, fault.New(fault.KindState, "边缘退避未启用"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"interval_s": int(s.edge.Interval().Seconds()),
		"disabled":   s.edge.Disabled(),
		"failures":   s.edge.Failures(),
	})
}

// handleEdgeBackoffReport 面板上报一次边缘探测结果
func (s *Server) handleEdgeBackoffReport(c *gin.Context) {
	if s.edge == nil {
		respondFault(c, fault.New(fault.KindState, "边缘退避未启用"))
		return
	}
	var req struct {
		OK bool `json:"ok"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "请求格式错误: " + err.Error()})
		return
	}
	next := s.edge.Report(req.OK)
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"interval_s": int(next.Seconds()),
		"disabled":   s.edge.Disabled(),
	})
}

// handleEdgeBackoffRetry 操作员手动重试，恢复已停用的边缘探测
func (s *Server) handleEdgeBackoffRetry(c *gin.Context) {
	if s.edge == nil {
		respondFault(c, fault.New(fault.KindState, "边缘退避未启用"))
		return
	}
	s.edge.Retry()
	s.audit(c, "edge_backoff.retry", "monitor", "", "reset")
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// 触发一轮健康检查，监控循环未注入时拒绝
func (s *Server) handleHealthCheckRun(c *gin.Context) {
	if s.checker == nil {
		respondFault(c, fault.New(fault.KindState, "健康检查循环未启用"))
		return
	}
	if err := s.checker.RunOnce(); err != nil {
		respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
