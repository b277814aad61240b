package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"tradepilot/fault"
	"tradepilot/logger"
	"tradepilot/signer"
)

const fundingMainnetURL = "https://api.binance.com"

// Binance 币安适配器
// 余额 = 现货 + 资金 + U 本位合约三个钱包并发求和，单个钱包失败按 0 计入并告警
type Binance struct {
	spot    *binance.Client
	futures *futures.Client

	// 资金钱包走自签名请求
	apiKey      string
	secretKey   string
	fundingBase string
	httpClient  *http.Client
}

// NewBinance 创建币安适配器
func NewBinance(creds Credentials, testnet bool) (*Binance, error) {
	if err := requireCreds(creds, "api_key", "secret_key"); err != nil {
		return nil, err
	}

	binance.UseTestnet = testnet
	futures.UseTestnet = testnet

	return &Binance{
		spot:        binance.NewClient(creds["api_key"], creds["secret_key"]),
		futures:     futures.NewClient(creds["api_key"], creds["secret_key"]),
		apiKey:      creds["api_key"],
		secretKey:   creds["secret_key"],
		fundingBase: fundingMainnetURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// NewBinanceWithBase 指定各钱包接口地址，测试用
func NewBinanceWithBase(creds Credentials, spotBase, futuresBase, fundingBase string) (*Binance, error) {
	b, err := NewBinance(creds, false)
	if err != nil {
		return nil, err
	}
	b.spot.BaseURL = spotBase
	b.futures.BaseURL = futuresBase
	b.fundingBase = fundingBase
	return b, nil
}

func (b *Binance) Name() string { return "binance" }

// Ping 用账户接口验证凭证
func (b *Binance) Ping(ctx context.Context) error {
	if _, err := b.spot.NewGetAccountService().Do(ctx); err != nil {
		return b.classify(err)
	}
	return nil
}

// Balance 三个子钱包并发拉取，USDT 计价
func (b *Binance) Balance(ctx context.Context) (*Balance, error) {
	type walletResult struct {
		name string
		usdt float64
		err  error
	}

	fetchers := map[string]func(context.Context) (float64, error){
		"spot":    b.spotUSDT,
		"funding": b.fundingUSDT,
		"futures": b.futuresUSDT,
	}

	results := make(chan walletResult, len(fetchers))
	var wg sync.WaitGroup
	for name, fetch := range fetchers {
		wg.Add(1)
		go func(name string, fetch func(context.Context) (float64, error)) {
			defer wg.Done()
			usdt, err := fetch(ctx)
			results <- walletResult{name: name, usdt: usdt, err: err}
		}(name, fetch)
	}
	wg.Wait()
	close(results)

	bal := &Balance{Wallets: make(map[string]float64)}
	for r := range results {
		if r.err != nil {
			logger.Warn("⚠️ binance %s 钱包拉取失败，按 0 计入: %v", r.name, r.err)
			bal.Wallets[r.name] = 0
			bal.Warnings = append(bal.Warnings, fmt.Sprintf("%s: %v", r.name, r.err))
			continue
		}
		bal.Wallets[r.name] = r.usdt
		bal.TotalUSDT += r.usdt
	}
	return bal, nil
}

func (b *Binance) spotUSDT(ctx context.Context) (float64, error) {
	account, err := b.spot.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, b.classify(err)
	}
	var total float64
	for _, asset := range account.Balances {
		if asset.Asset != "USDT" {
			continue
		}
		free, _ := strconv.ParseFloat(asset.Free, 64)
		locked, _ := strconv.ParseFloat(asset.Locked, 64)
		total += free + locked
	}
	return total, nil
}

func (b *Binance) futuresUSDT(ctx context.Context) (float64, error) {
	balances, err := b.futures.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, b.classify(err)
	}
	var total float64
	for _, asset := range balances {
		if asset.Asset != "USDT" {
			continue
		}
		v, _ := strconv.ParseFloat(asset.Balance, 64)
		total += v
	}
	return total, nil
}

// fundingUSDT 资金钱包：query 字符串 HMAC-SHA256 十六进制签名
func (b *Binance) fundingUSDT(ctx context.Context) (float64, error) {
	values := url.Values{}
	values.Set("asset", "USDT")
	values.Set("recvWindow", "5000")
	values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	query := values.Encode()
	query += "&signature=" + signer.HMACSHA256Hex(b.secretKey, query)

	reqURL := b.fundingBase + "/sapi/v1/asset/get-funding-asset?" + query
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, fault.Wrap(fault.KindTransient, "资金钱包请求失败", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fault.Wrap(fault.KindTransient, "读取资金钱包响应失败", err)
	}
	if cerr := classifyHTTP(resp.StatusCode, body); cerr != nil {
		return 0, cerr
	}

	var assets []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
		Freeze string `json:"freeze"`
	}
	if err := json.Unmarshal(body, &assets); err != nil {
		return 0, fault.Wrap(fault.KindProtocol, "资金钱包响应格式错误", err)
	}
	var total float64
	for _, a := range assets {
		if a.Asset != "USDT" {
			continue
		}
		free, _ := strconv.ParseFloat(a.Free, 64)
		locked, _ := strconv.ParseFloat(a.Locked, 64)
		freeze, _ := strconv.ParseFloat(a.Freeze, 64)
		total += free + locked + freeze
	}
	return total, nil
}

// PlaceOrder 经 U 本位合约下单
func (b *Binance) PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error) {
	svc := b.futures.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		NewClientOrderID(req.ClientOrderID).
		Quantity(strconv.FormatFloat(req.Quantity, 'f', -1, 64))

	if req.Type == OrderTypeMarket {
		svc = svc.Type(futures.OrderTypeMarket)
	} else {
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(strconv.FormatFloat(req.Price, 'f', -1, 64))
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return nil, b.classify(err)
	}

	result := &OrderResult{
		OrderID:       strconv.FormatInt(order.OrderID, 10),
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          Side(order.Side),
		Status:        mapBinanceStatus(string(order.Status)),
	}
	result.AvgPrice, _ = strconv.ParseFloat(order.AvgPrice, 64)
	result.ExecutedQty, _ = strconv.ParseFloat(order.ExecutedQuantity, 64)
	if result.Status == OrderStatusFilled {
		result.FilledAtMs = order.UpdateTime
	}
	return result, nil
}

func mapBinanceStatus(status string) OrderStatus {
	switch status {
	case "FILLED":
		return OrderStatusFilled
	case "REJECTED", "EXPIRED", "CANCELED":
		return OrderStatusRejected
	default:
		return OrderStatusNew
	}
}

// classify 将 SDK 错误归类
func (b *Binance) classify(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -2014, -2015, -1002:
			return fault.Wrap(fault.KindAuth, "binance 拒绝凭证", err)
		case -1003:
			return fault.Wrap(fault.KindTransient, "binance 限频", err)
		default:
			return fault.Wrap(fault.KindProtocol, fmt.Sprintf("binance API 错误 %d", apiErr.Code), err)
		}
	}
	return fault.Wrap(fault.KindTransient, "binance 请求失败", err)
}
