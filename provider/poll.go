package provider

import (
	"context"
	"time"

	"tradepilot/logger"
)

var (
	pollInterval = 10 * time.Second
	pollAttempts = 30 // 30 × 10s = 5 分钟上限
)

// WaitRunning 轮询实例状态直到 running 且分配了公网 IP
// 超过上限仍未就绪时返回 provisioning 快照，不报错，由调用方决定后续
func WaitRunning(ctx context.Context, p Provider, creds Credentials, instanceID string) (*Instance, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= pollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		inst, err := p.Status(ctx, creds, instanceID)
		if err != nil {
			logger.Warn("⚠️ 查询 %s 实例 %s 状态失败 (%d/%d): %v", p.Name(), instanceID, attempt, pollAttempts, err)
			continue
		}

		if inst.State == StateRunning && inst.PublicIP != "" {
			logger.Info("✅ %s 实例 %s 已就绪，IP %s", p.Name(), instanceID, inst.PublicIP)
			return inst, nil
		}
		logger.Debug("🔍 %s 实例 %s 状态 %s (%d/%d)", p.Name(), instanceID, inst.State, attempt, pollAttempts)
	}

	logger.Warn("⚠️ %s 实例 %s 在 %d 次轮询后仍未就绪", p.Name(), instanceID, pollAttempts)
	return &Instance{ID: instanceID, State: StateProvisioning}, nil
}
