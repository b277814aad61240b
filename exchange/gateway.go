package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradepilot/fault"
	"tradepilot/logger"
	"tradepilot/metrics"
	"tradepilot/store"
)

// Gateway 下单闸口：杀死开关检查、幂等去重、时延采样都在这一层
// 适配器只负责签名和传输
type Gateway struct {
	store *store.Store

	mu     sync.Mutex
	placed map[string]*pendingOrder // exchange|client_order_id → 占位或首次结果
}

// pendingOrder 幂等表条目，done 关闭前表示同号订单仍在途
type pendingOrder struct {
	done   chan struct{}
	result *OrderResult
	err    error
}

// NewGateway 创建下单闸口
func NewGateway(s *store.Store) *Gateway {
	return &Gateway{
		store:  s,
		placed: make(map[string]*pendingOrder),
	}
}

// PlaceOrder 经闸口下单
// 杀死开关开启时在签名之前拒绝；同一 (交易所, 客户端订单号) 重复提交返回首次结果
func (g *Gateway) PlaceOrder(ctx context.Context, ex Exchange, req *OrderRequest) (*OrderResult, error) {
	if req.ClientOrderID == "" {
		return nil, fault.New(fault.KindState, "缺少客户端订单号")
	}

	enabled, err := g.store.KillSwitchEnabled(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.KindState, "无法读取杀死开关状态", err)
	}
	if enabled {
		logger.Warn("🛑 杀死开关已开启，拒绝 %s 订单 %s", ex.Name(), req.ClientOrderID)
		return nil, fault.New(fault.KindState, "kill_switch")
	}

	// 先占位再出网：并发的同号提交等待首次结果，不会各自到达上游
	key := ex.Name() + "|" + req.ClientOrderID
	g.mu.Lock()
	if prior, ok := g.placed[key]; ok {
		g.mu.Unlock()
		<-prior.done
		if prior.err != nil {
			return nil, prior.err
		}
		logger.Info("🔄 订单 %s 已提交过，返回首次结果", key)
		return prior.result, nil
	}
	pending := &pendingOrder{done: make(chan struct{})}
	g.placed[key] = pending
	g.mu.Unlock()

	placedAt := time.Now()
	result, err := ex.PlaceOrder(ctx, req)
	latency := time.Since(placedAt)
	if err != nil {
		// 失败时释放占位，后续重试可以再次出网
		g.mu.Lock()
		delete(g.placed, key)
		g.mu.Unlock()
		pending.err = err
		close(pending.done)
		metrics.RecordOrder(ex.Name(), req.Symbol, string(req.Side), "error", latency)
		return nil, err
	}

	pending.result = result
	close(pending.done)

	metrics.RecordOrder(ex.Name(), req.Symbol, string(req.Side), string(result.Status), latency)
	g.sample(ctx, ex.Name(), "placement", latency.Milliseconds())
	if result.FilledAtMs > 0 {
		fillMs := result.FilledAtMs - placedAt.UnixMilli()
		if fillMs >= 0 {
			g.sample(ctx, ex.Name(), "fill", fillMs)
		}
	}

	logger.Info("✅ %s 订单 %s %s %s 状态 %s，下单耗时 %dms",
		ex.Name(), req.ClientOrderID, req.Side, req.Symbol, result.Status, latency.Milliseconds())
	return result, nil
}

// RefreshBalance 拉取余额并落库
func (g *Gateway) RefreshBalance(ctx context.Context, ex Exchange) (*Balance, error) {
	bal, err := ex.Balance(ctx)
	if err != nil {
		return nil, err
	}
	for _, w := range bal.Warnings {
		logger.Warn("⚠️ %s 子钱包拉取失败: %s", ex.Name(), w)
	}
	if err := g.store.UpdateBalance(ctx, ex.Name(), bal.TotalUSDT, time.Now()); err != nil {
		return nil, fmt.Errorf("余额落库失败: %w", err)
	}
	metrics.SetExchangeBalance(ex.Name(), bal.TotalUSDT)
	return bal, nil
}

func (g *Gateway) sample(ctx context.Context, source, kind string, ms int64) {
	err := g.store.SaveLatencySample(ctx, &store.LatencySample{
		Source:    source,
		Kind:      kind,
		LatencyMs: ms,
	})
	if err != nil {
		logger.Warn("⚠️ 保存 %s %s 时延样本失败: %v", source, kind, err)
	}
}
