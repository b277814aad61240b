package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"tradepilot/fault"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "NEW"
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusRejected OrderStatus = "REJECTED"
)

// OrderRequest 下单请求
type OrderRequest struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Type          OrderType `json:"type"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	ClientOrderID string    `json:"client_order_id"`
}

// OrderResult 下单结果
type OrderResult struct {
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Status        OrderStatus `json:"status"`
	AvgPrice      float64     `json:"avg_price"`
	ExecutedQty   float64     `json:"executed_qty"`
	// FilledAtMs 交易所回报的成交时间（毫秒），未成交为 0
	FilledAtMs int64 `json:"filled_at_ms,omitempty"`
}

// Balance 各子钱包折算 USDT 后的余额汇总
type Balance struct {
	TotalUSDT float64            `json:"total_usdt"`
	Wallets   map[string]float64 `json:"wallets"`
	// Warnings 拉取失败的子钱包说明，失败的钱包按 0 计入总额
	Warnings []string `json:"warnings,omitempty"`
}

// Exchange 交易所适配器
type Exchange interface {
	// Name 交易所标识（binance / okx / bybit）
	Name() string
	// Ping 验证凭证连通性
	Ping(ctx context.Context) error
	// Balance 汇总余额，单个子钱包失败不阻断整体
	Balance(ctx context.Context) (*Balance, error)
	// PlaceOrder 提交订单
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error)
}

// Credentials 交易所密钥，来源是凭证库解密后的 map
type Credentials map[string]string

// New 按交易所名创建适配器
func New(name string, creds Credentials, testnet bool) (Exchange, error) {
	switch strings.ToLower(name) {
	case "binance":
		return NewBinance(creds, testnet)
	case "okx":
		return NewOKX(creds, testnet)
	case "bybit":
		return NewBybit(creds, testnet)
	default:
		return nil, fmt.Errorf("不支持的交易所: %s", name)
	}
}

// Names 支持的交易所列表
func Names() []string {
	return []string{"binance", "okx", "bybit"}
}

// requireCreds 校验必填密钥字段
func requireCreds(creds Credentials, keys ...string) error {
	var missing []string
	for _, k := range keys {
		if creds[k] == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fault.New(fault.KindState, fmt.Sprintf("缺少交易所凭证字段: %s", strings.Join(missing, ", ")))
	}
	return nil
}

// classifyHTTP 按状态码归类交易所 HTTP 错误
func classifyHTTP(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.New(fault.KindAuth, fmt.Sprintf("交易所拒绝凭证 (HTTP %d): %s", status, msg))
	case status == http.StatusTooManyRequests || status >= 500:
		return fault.New(fault.KindTransient, fmt.Sprintf("交易所暂时不可用 (HTTP %d): %s", status, msg))
	case status >= 400:
		return fault.New(fault.KindProtocol, fmt.Sprintf("请求被交易所拒绝 (HTTP %d): %s", status, msg))
	}
	return nil
}

// registry 按名字缓存已连接的适配器，供控制台复用
var (
	regMu    sync.RWMutex
	adapters = make(map[string]Exchange)
)

// Register 缓存适配器实例
func Register(ex Exchange) {
	regMu.Lock()
	defer regMu.Unlock()
	adapters[ex.Name()] = ex
}

// Get 取缓存的适配器，未连接返回 state 类错误
func Get(name string) (Exchange, error) {
	regMu.RLock()
	defer regMu.RUnlock()
	ex, ok := adapters[name]
	if !ok {
		return nil, fault.New(fault.KindState, fmt.Sprintf("交易所 %s 尚未连接", name))
	}
	return ex, nil
}
