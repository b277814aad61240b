package agent

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tradepilot/exchange"
	"tradepilot/fault"
	"tradepilot/logger"
)

// controlRequest 控制指令
type controlRequest struct {
	Action string            `json:"action" binding:"required"`
	Source string            `json:"source"`
	Mode   string            `json:"mode"`
	Env    map[string]string `json:"env"`
}

// faultStatus 按错误类别选状态码：前置条件类给 409，协议类给 400，其余是内部故障给 500
func faultStatus(err error) int {
	switch fault.KindOf(err) {
	case fault.KindState:
		return http.StatusConflict
	case fault.KindProtocol:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondFault(c *gin.Context, err error) {
	c.JSON(faultStatus(err), gin.H{
		"success": false,
		"error":   err.Error(),
		"kind":    string(fault.KindOf(err)),
	})
}

// respondStartFault 启动路径的失败响应，信号未落盘要显式告知
func respondStartFault(c *gin.Context, err error) {
	c.JSON(faultStatus(err), gin.H{
		"success":        false,
		"signal_created": false,
		"error":          err.Error(),
		"kind":           string(fault.KindOf(err)),
	})
}

func (a *Agent) handleHealth(c *gin.Context) {
	usedMB, totalMB := memoryMB()
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"ok":           true,
		"status":       "ok",
		"uptime_s":     int64(time.Since(a.startedAt).Seconds()),
		"mem_used_mb":  usedMB,
		"mem_total_mb": totalMB,
		"version":      Version,
		"time":         time.Now().UTC(),
	})
}

func (a *Agent) handleStatus(c *gin.Context) {
	sig, sigErr := a.readSignal()

	psOutput, psErr := a.compose.PS(c.Request.Context())
	dockerUp := psErr == nil && strings.TrimSpace(psOutput) != ""

	// running 需要信号与容器同时在线；只有信号没有容器说明机器人应跑未跑
	botStatus := "stopped"
	switch {
	case sig != nil && dockerUp:
		botStatus = "running"
	case sig != nil:
		botStatus = "error"
	}

	resp := gin.H{
		"success":        true,
		"bot_status":     botStatus,
		"signal_present": sig != nil,
		"docker_up":      dockerUp,
		"system":         collectStats(),
	}
	if sig != nil {
		resp["signal"] = sig
	}
	if sigErr != nil {
		resp["signal_error"] = sigErr.Error()
	}
	if psErr != nil {
		resp["compose_error"] = psErr.Error()
	} else {
		resp["compose"] = psOutput
	}
	c.JSON(http.StatusOK, resp)
}

// handleSignalCheck 信号文件是机器人运行与否的唯一事实来源，这里只看文件
func (a *Agent) handleSignalCheck(c *gin.Context) {
	psOutput, psErr := a.compose.PS(c.Request.Context())
	dockerRunning := psErr == nil && strings.TrimSpace(psOutput) != ""

	sig, err := a.readSignal()
	if err != nil {
		// 损坏的信号文件等价于没有信号，附带错误说明
		c.JSON(http.StatusOK, gin.H{
			"success":        true,
			"signal_exists":  false,
			"docker_running": dockerRunning,
			"error":          err.Error(),
		})
		return
	}
	resp := gin.H{
		"success":        true,
		"signal_exists":  sig != nil,
		"docker_running": dockerRunning,
	}
	if sig != nil {
		resp["signal_data"] = sig
		resp["signal_age_ms"] = time.Since(sig.StartedAt).Milliseconds()
	}
	c.JSON(http.StatusOK, resp)
}

func (a *Agent) handleControl(c *gin.Context) {
	var req controlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "请求格式错误: " + err.Error()})
		return
	}

	switch req.Action {
	case "start":
		a.handleStart(c, &req)
	case "stop":
		a.handleStop(c)
	case "restart":
		a.handleRestart(c)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "不支持的操作: " + req.Action})
	}
}

func (a *Agent) handleStart(c *gin.Context, req *controlRequest) {
	ctx := c.Request.Context()

	if len(req.Env) > 0 {
		if err := a.writeEnvFile(req.Env); err != nil {
			respondStartFault(c, err)
			return
		}
		if err := a.reloadAdapters(); err != nil {
			logger.Warn("⚠️ 重建交易所适配器失败: %v", err)
		}
	}

	mode := req.Mode
	if mode == "" {
		mode = "live"
	}
	sig := &StartSignal{
		StartedAt: time.Now().UTC(),
		Source:    req.Source,
		Mode:      mode,
	}
	if err := a.writeSignal(sig); err != nil {
		respondStartFault(c, err)
		return
	}

	output, err := a.compose.Up(ctx)
	if err != nil {
		// 容器没起来就收回信号，避免下次开机误启动
		if rmErr := a.removeSignal(); rmErr != nil {
			logger.Error("❌ 回滚启动信号失败: %v", rmErr)
		}
		respondStartFault(c, fault.Wrap(fault.KindTransient, "docker compose up 失败", err))
		return
	}

	// 后置校验：API 返回成功不算数，信号文件必须真实在盘上
	if err := a.verifySignalOnDisk(); err != nil {
		respondStartFault(c, err)
		return
	}

	logger.Info("✅ 机器人已启动，信号已落盘，模式 %s", mode)
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"status":         "started",
		"signal_created": true,
		"mode":           mode,
		"output":         output,
	})
}

func (a *Agent) handleStop(c *gin.Context) {
	// 先删信号再停容器：停容器失败时机器人重启也不会再跑
	if err := a.removeSignal(); err != nil {
		respondFault(c, err)
		return
	}

	output, err := a.compose.Down(c.Request.Context())
	if err != nil {
		respondFault(c, fault.Wrap(fault.KindTransient, "docker compose down 失败", err))
		return
	}

	logger.Info("⏹️ 机器人已停止，信号已删除")
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"status":         "stopped",
		"signal_present": false,
		"output":         output,
	})
}

func (a *Agent) handleRestart(c *gin.Context) {
	sig, err := a.readSignal()
	if err != nil {
		respondFault(c, err)
		return
	}
	if sig == nil {
		// 没有信号就不重启，重启不是启动
		respondFault(c, fault.New(fault.KindState, "没有启动信号，拒绝重启"))
		return
	}

	output, err := a.compose.Restart(c.Request.Context())
	if err != nil {
		respondFault(c, fault.Wrap(fault.KindTransient, "docker compose restart 失败", err))
		return
	}

	logger.Info("🔄 机器人已重启")
	c.JSON(http.StatusOK, gin.H{"success": true, "status": "restarted", "output": output})
}

func (a *Agent) handleLogs(c *gin.Context) {
	lines := 200
	if n, err := strconv.Atoi(c.Query("lines")); err == nil && n > 0 && n <= 5000 {
		lines = n
	} else if n, err := strconv.Atoi(c.Query("tail")); err == nil && n > 0 && n <= 5000 {
		// 旧客户端用 tail 参数
		lines = n
	}
	output, err := a.compose.Logs(c.Request.Context(), lines)
	if err != nil {
		respondFault(c, fault.Wrap(fault.KindTransient, "读取日志失败", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "logs": output, "lines": lines})
}

func (a *Agent) handlePingExchanges(c *gin.Context) {
	ctx := c.Request.Context()
	results := gin.H{}
	for name, ex := range a.exchangeList() {
		start := time.Now()
		err := ex.Ping(ctx)
		entry := gin.H{"latency_ms": time.Since(start).Milliseconds()}
		if err != nil {
			entry["ok"] = false
			entry["error"] = err.Error()
		} else {
			entry["ok"] = true
		}
		results[name] = entry
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "exchanges": results})
}

// balanceRequest 余额查询请求，凭证可随请求体下发
type balanceRequest struct {
	Exchange    string            `json:"exchange"`
	Credentials map[string]string `json:"credentials"`
	Testnet     bool              `json:"testnet"`
}

func (a *Agent) handleBalance(c *gin.Context) {
	ctx := c.Request.Context()
	var req balanceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "请求格式错误: " + err.Error()})
			return
		}
	}

	// 请求体带凭证时按凭证建临时适配器，否则退回环境文件里的常驻适配器
	if len(req.Credentials) > 0 {
		if req.Exchange == "" {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "携带凭证时必须指定交易所"})
			return
		}
		ex, err := exchange.New(req.Exchange, exchange.Credentials(req.Credentials), req.Testnet)
		if err != nil {
			respondFault(c, fault.Wrap(fault.KindProtocol, "构建交易所适配器失败", err))
			return
		}
		bal, err := ex.Balance(ctx)
		if err != nil {
			respondFault(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "balances": gin.H{req.Exchange: bal}})
		return
	}

	results := gin.H{}
	for name, ex := range a.exchangeList() {
		if req.Exchange != "" && name != req.Exchange {
			continue
		}
		bal, err := ex.Balance(ctx)
		if err != nil {
			results[name] = gin.H{"error": err.Error()}
			continue
		}
		results[name] = bal
	}
	if req.Exchange != "" && len(results) == 0 {
		respondFault(c, fault.New(fault.KindState, "交易所 "+req.Exchange+" 未配置"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "balances": results})
}

// placeOrderRequest 下单请求
type placeOrderRequest struct {
	Exchange      string  `json:"exchange" binding:"required"`
	Symbol        string  `json:"symbol" binding:"required"`
	Side          string  `json:"side" binding:"required"`
	Type          string  `json:"type"`
	Quantity      float64 `json:"quantity" binding:"required"`
	Price         float64 `json:"price"`
	ClientOrderID string  `json:"client_order_id" binding:"required"`
}

func (a *Agent) handlePlaceOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "请求格式错误: " + err.Error()})
		return
	}

	// 签名之前先看控制台下发的全局开关
	if a.killSwitch.Load() {
		logger.Warn("🛑 杀死开关已开启，拒绝 %s 订单 %s", req.Exchange, req.ClientOrderID)
		respondFault(c, fault.New(fault.KindState, "kill_switch"))
		return
	}

	// 先占位再出网：并发的同号提交等待首次结果，不会各自到达上游
	a.mu.Lock()
	ex, ok := a.adapters[req.Exchange]
	if !ok {
		a.mu.Unlock()
		respondFault(c, fault.New(fault.KindState, "交易所 "+req.Exchange+" 未配置"))
		return
	}
	key := req.Exchange + "|" + req.ClientOrderID
	if prior, seen := a.placed[key]; seen {
		a.mu.Unlock()
		<-prior.done
		if prior.err != nil {
			respondFault(c, prior.err)
			return
		}
		logger.Info("🔄 订单 %s 已提交过，返回首次结果", key)
		c.JSON(http.StatusOK, gin.H{"success": true, "order": prior.result, "duplicate": true})
		return
	}
	pending := &pendingOrder{done: make(chan struct{})}
	a.placed[key] = pending
	a.mu.Unlock()

	orderType := exchange.OrderType(req.Type)
	if orderType == "" {
		orderType = exchange.OrderTypeLimit
	}

	placedAt := time.Now()
	result, err := ex.PlaceOrder(c.Request.Context(), &exchange.OrderRequest{
		Symbol:        req.Symbol,
		Side:          exchange.Side(req.Side),
		Type:          orderType,
		Quantity:      req.Quantity,
		Price:         req.Price,
		ClientOrderID: req.ClientOrderID,
	})
	latency := time.Since(placedAt)
	if err != nil {
		// 失败时释放占位，后续重试可以再次出网
		a.mu.Lock()
		delete(a.placed, key)
		a.mu.Unlock()
		pending.err = err
		close(pending.done)
		respondFault(c, err)
		return
	}

	pending.result = result
	close(pending.done)

	c.JSON(http.StatusOK, gin.H{
		"success":              true,
		"order":                result,
		"placement_latency_ms": latency.Milliseconds(),
	})
}

// handleKillSwitch 缓存控制台下发的全局禁止下单标志
func (a *Agent) handleKillSwitch(c *gin.Context) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "请求格式错误: " + err.Error()})
		return
	}
	a.killSwitch.Store(req.Enabled)
	if req.Enabled {
		logger.Warn("🛑 杀死开关已开启，本机禁止下单")
	} else {
		logger.Info("✅ 杀死开关已关闭")
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "enabled": req.Enabled})
}
