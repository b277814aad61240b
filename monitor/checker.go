// Package monitor 健康检查与主节点选举
// 循环按固定周期探测所有启用的故障转移条目，主节点降级时收紧周期；
// 连续失败达到阈值且允许自动切换时，在锁保护下执行选举
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"tradepilot/config"
	"tradepilot/event"
	"tradepilot/lock"
	"tradepilot/logger"
	"tradepilot/metrics"
	"tradepilot/store"
)

// 代理健康端点默认端口，与控制台到代理的客户端保持一致
const agentProbePort = 8700

// AgentStatusFn 查询宿主机代理上报的机器人状态，用于不同步检测
// 未注入时跳过不同步扫描
type AgentStatusFn func(ctx context.Context, hostIP string) (string, error)

// Checker 健康检查循环
type Checker struct {
	cfgMu       sync.RWMutex
	cfg         *config.Config
	store       *store.Store
	bus         *event.Bus
	locker      lock.Locker
	agentStatus AgentStatusFn
	httpClient  *http.Client

	inFlight atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewChecker 创建健康检查循环
func NewChecker(cfg *config.Config, s *store.Store, bus *event.Bus, locker lock.Locker) *Checker {
	return &Checker{
		cfg:    cfg,
		store:  s,
		bus:    bus,
		locker: locker,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Monitor.ProbeTimeout) * time.Second,
		},
		stopCh: make(chan struct{}),
	}
}

// SetAgentStatusFn 注入代理状态查询，启用不同步扫描
func (c *Checker) SetAgentStatusFn(fn AgentStatusFn) {
	c.agentStatus = fn
}

// UpdateConfig 热更新监控参数，下一轮生效
func (c *Checker) UpdateConfig(cfg *config.Config) {
	c.cfgMu.Lock()
	c.cfg = cfg
	c.cfgMu.Unlock()
	logger.Info("🔄 监控参数已热更新: 周期 %ds, 降级 %ds, 阈值 %d",
		cfg.Monitor.Interval, cfg.Monitor.DegradedInterval, cfg.Monitor.FailureThreshold)
}

// config 当前监控配置快照
func (c *Checker) config() *config.Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Start 启动循环，直到 Stop
func (c *Checker) Start() {
	go func() {
		cfg := c.config()
		logger.Info("🚀 健康检查循环启动，周期 %ds（降级 %ds）", cfg.Monitor.Interval, cfg.Monitor.DegradedInterval)
		timer := time.NewTimer(c.interval())
		defer timer.Stop()
		for {
			select {
			case <-c.stopCh:
				logger.Info("⏹️ 健康检查循环已停止")
				return
			case <-timer.C:
				if err := c.RunOnce(); err != nil {
					logger.Warn("⚠️ 健康检查轮次出错: %v", err)
				}
				timer.Reset(c.interval())
			}
		}
	}()
}

// Stop 停止循环
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// interval 主节点降级时收紧轮询周期
func (c *Checker) interval() time.Duration {
	cfg := c.config()
	primary, err := c.store.GetPrimary(context.Background())
	if err == nil && primary != nil && primary.ConsecutiveFailures > 0 {
		return time.Duration(cfg.Monitor.DegradedInterval) * time.Second
	}
	return time.Duration(cfg.Monitor.Interval) * time.Second
}

// RunOnce 执行一轮完整的探测与选举
// 上一轮还在进行时直接丢弃本次触发，绝不排队
func (c *Checker) RunOnce() error {
	if !c.inFlight.CompareAndSwap(false, true) {
		logger.Warn("⏸️ 上一轮健康检查未结束，跳过本次触发")
		return nil
	}
	defer c.inFlight.Store(false)

	ctx := context.Background()
	entries, err := c.store.ListFailoverEntries(ctx)
	if err != nil {
		return fmt.Errorf("读取故障转移条目失败: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	// 不同条目并行探测，单条目内部探测到落库保持顺序
	statuses := make(map[string]string, len(entries))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(e *store.FailoverEntry) {
			defer wg.Done()
			status := c.probeEntry(ctx, e)
			mu.Lock()
			statuses[e.Provider] = status
			mu.Unlock()
		}(entry)
	}
	wg.Wait()

	c.maybeElect(ctx, statuses)
	c.scanDesync(ctx)
	return nil
}

// probeURL 条目显式的健康地址优先，否则按主机记录 IP 推导
func (c *Checker) probeURL(ctx context.Context, entry *store.FailoverEntry) string {
	if entry.HealthURL != "" {
		return entry.HealthURL
	}
	hosts, err := c.store.ListHosts(ctx)
	if err != nil {
		return ""
	}
	for _, h := range hosts {
		if h.Provider == entry.Provider && h.LifecycleStatus == store.HostRunning && h.PublicIP != "" {
			return fmt.Sprintf("http://%s:%d/health", h.PublicIP, agentProbePort)
		}
	}
	return ""
}

// probeEntry 探测单个条目并落库，返回分类结果
func (c *Checker) probeEntry(ctx context.Context, entry *store.FailoverEntry) string {
	url := c.probeURL(ctx, entry)
	if url == "" {
		logger.Warn("⚠️ %s 没有可探测的健康地址", entry.Provider)
		return store.StatusDown
	}

	timeout := time.Duration(entry.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(c.config().Monitor.ProbeTimeout) * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ok, message := c.doProbe(probeCtx, url)
	latency := time.Since(start)
	status := classify(ok, latency)

	failures := entry.ConsecutiveFailures
	if status == store.StatusDown || latency > warningCeiling {
		failures++
	} else {
		failures = 0
	}

	now := time.Now()
	if err := c.store.RecordProbeResult(ctx, entry.Provider, latency.Milliseconds(), failures, now); err != nil {
		logger.Warn("⚠️ 更新 %s 探测结果失败: %v", entry.Provider, err)
	}
	if err := c.store.SaveHealthEvent(ctx, &store.HealthEvent{
		Ts:        now,
		Provider:  entry.Provider,
		Status:    status,
		LatencyMs: latency.Milliseconds(),
		Message:   message,
	}); err != nil {
		logger.Warn("⚠️ 写健康事件失败: %v", err)
	}
	if err := c.store.SaveLatencySample(ctx, &store.LatencySample{
		Source:    entry.Provider,
		Kind:      "probe",
		LatencyMs: latency.Milliseconds(),
	}); err != nil {
		logger.Warn("⚠️ 写延迟采样失败: %v", err)
	}
	metrics.RecordProbe(entry.Provider, status, latency, failures)

	// 只在健康沿变化时广播，防抖后推给面板
	if (failures == 1 && entry.ConsecutiveFailures == 0) || (failures == 0 && entry.ConsecutiveFailures > 0) {
		c.bus.Publish(&event.Event{
			Type:      event.TypeHealthChanged,
			Timestamp: now,
			Data: map[string]interface{}{
				"Provider":  entry.Provider,
				"Status":    status,
				"LatencyMs": latency.Milliseconds(),
			},
		})
	}
	if status == store.StatusDown {
		logger.Warn("❌ %s 探测失败（连续 %d 次）: %s", entry.Provider, failures, message)
	}
	return status
}

// doProbe 发起一次探测，期望 2xx 且响应体为 {"status":"ok"} 或 {"status":"healthy"}
func (c *Checker) doProbe(ctx context.Context, url string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err.Error()
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return false, err.Error()
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false, "响应不是合法 JSON"
	}
	if payload.Status != "ok" && payload.Status != "healthy" {
		return false, "status=" + payload.Status
	}
	return true, ""
}

// 探测分类的延迟门槛
const (
	healthyCeiling = 100 * time.Millisecond
	warningCeiling = 150 * time.Millisecond
)

// classify 按响应与往返延迟分类
func classify(ok bool, latency time.Duration) string {
	if !ok {
		return store.StatusDown
	}
	switch {
	case latency <= healthyCeiling:
		return store.StatusHealthy
	case latency <= warningCeiling:
		return store.StatusWarning
	default:
		return store.StatusDown
	}
}

// maybeElect 主节点连续失败达到阈值且允许自动切换时选举继任者
func (c *Checker) maybeElect(ctx context.Context, statuses map[string]string) {
	primary, err := c.store.GetPrimary(ctx)
	if err != nil {
		logger.Warn("⚠️ 读取主节点失败: %v", err)
		return
	}
	if primary == nil || !primary.AutoFailoverEnabled {
		return
	}
	if primary.ConsecutiveFailures < c.config().Monitor.FailureThreshold {
		return
	}

	// 继任者：本轮探测健康、优先级最小的启用条目（同优先级按名称）
	entries, err := c.store.ListFailoverEntries(ctx)
	if err != nil {
		logger.Warn("⚠️ 读取候选条目失败: %v", err)
		return
	}
	var successor *store.FailoverEntry
	for _, e := range entries {
		if e.Provider != primary.Provider && statuses[e.Provider] == store.StatusHealthy {
			successor = e
			break
		}
	}
	if successor == nil {
		logger.Warn("⚠️ 主节点 %s 已连续失败 %d 次，但没有健康的继任者", primary.Provider, primary.ConsecutiveFailures)
		return
	}

	// 多实例部署时通过锁串行化，单实例退化为存储层 CAS
	acquired, err := c.locker.TryLock(ctx, lock.ElectionKey, 5*time.Second)
	if err != nil || !acquired {
		return
	}
	defer c.locker.Unlock(ctx, lock.ElectionKey)

	reason := fmt.Sprintf("主节点连续失败 %d 次", primary.ConsecutiveFailures)
	if err := c.store.PromotePrimary(ctx, primary.Provider, successor.Provider); err != nil {
		// CAS 失败说明别的实例抢先完成了切换
		logger.Warn("⚠️ 主节点切换未执行: %v", err)
		return
	}

	now := time.Now()
	if err := c.store.SaveFailoverEvent(ctx, &store.FailoverEvent{
		Ts:           now,
		FromProvider: primary.Provider,
		ToProvider:   successor.Provider,
		Reason:       reason,
		Automatic:    true,
	}); err != nil {
		logger.Warn("⚠️ 写故障转移事件失败: %v", err)
	}
	metrics.RecordFailover(primary.Provider, successor.Provider, true)
	c.bus.Publish(&event.Event{
		Type:      event.TypeFailoverExecuted,
		Timestamp: now,
		Data: map[string]interface{}{
			"From":   primary.Provider,
			"To":     successor.Provider,
			"Reason": reason,
		},
	})
	logger.Warn("🔄 主节点切换: %s -> %s（%s）", primary.Provider, successor.Provider, reason)
}

// scanDesync 对比主节点宿主机代理与存储投影的机器人状态
// 差异只上报，绝不回写存储
func (c *Checker) scanDesync(ctx context.Context) {
	if c.agentStatus == nil {
		return
	}
	primary, err := c.store.GetPrimary(ctx)
	if err != nil || primary == nil {
		return
	}
	hosts, err := c.store.ListHosts(ctx)
	if err != nil {
		return
	}
	for _, h := range hosts {
		if h.Provider != primary.Provider || h.LifecycleStatus != store.HostRunning || h.PublicIP == "" {
			continue
		}
		agentState, err := c.agentStatus(ctx, h.PublicIP)
		if err != nil {
			continue
		}
		stored, err := c.store.GetDeployment(ctx, h.ID)
		if err != nil {
			continue
		}
		storeState := store.BotStopped
		if stored != nil {
			storeState = stored.BotStatus
		}
		if agentState == storeState {
			continue
		}

		logger.Warn("⚠️ 状态不同步: 存储 %s, 代理 %s (主机 %s)", storeState, agentState, h.ID)
		if err := c.store.SaveHealthEvent(ctx, &store.HealthEvent{
			Ts:       time.Now(),
			Provider: primary.Provider,
			Status:   "desync",
			Message:  "存储 " + storeState + " 与代理 " + agentState + " 不一致",
		}); err != nil {
			logger.Warn("⚠️ 写健康事件失败: %v", err)
		}
		c.bus.Publish(&event.Event{
			Type:      event.TypeDesyncDetected,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"HostID":      h.ID,
				"StoreStatus": storeState,
				"HostStatus":  agentState,
			},
		})
	}
}
