package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"tradepilot/fault"
	"tradepilot/logger"
	"tradepilot/signer"
)

const okxMainnetURL = "https://www.okx.com"

// OKX 适配器
// 签名串 = 时间戳(RFC3339 毫秒) + 方法 + 路径 + 请求体，HMAC-SHA256 后 base64
type OKX struct {
	apiKey     string
	secretKey  string
	passphrase string
	baseURL    string
	simulated  bool
	httpClient *http.Client
}

// NewOKX 创建 OKX 适配器
func NewOKX(creds Credentials, testnet bool) (*OKX, error) {
	if err := requireCreds(creds, "api_key", "secret_key", "passphrase"); err != nil {
		return nil, err
	}
	return &OKX{
		apiKey:     creds["api_key"],
		secretKey:  creds["secret_key"],
		passphrase: creds["passphrase"],
		baseURL:    okxMainnetURL,
		simulated:  testnet,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// NewOKXWithBase 指定接口地址，测试用
func NewOKXWithBase(creds Credentials, baseURL string) (*OKX, error) {
	o, err := NewOKX(creds, false)
	if err != nil {
		return nil, err
	}
	o.baseURL = baseURL
	return o, nil
}

func (o *OKX) Name() string { return "okx" }

// request 签名并发送请求，返回 data 段
func (o *OKX) request(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	signature := signer.HMACSHA256Base64(o.secretKey, timestamp+method+path+string(bodyBytes))

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OK-ACCESS-KEY", o.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", signature)
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", o.passphrase)
	if o.simulated {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "okx 请求失败", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "读取 okx 响应失败", err)
	}
	if cerr := classifyHTTP(resp.StatusCode, respBody); cerr != nil {
		return nil, cerr
	}

	var apiResp struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "解析 okx 响应失败", err)
	}
	if apiResp.Code != "0" {
		if apiResp.Code == "50111" || apiResp.Code == "50113" {
			return nil, fault.New(fault.KindAuth, fmt.Sprintf("okx 拒绝凭证 %s: %s", apiResp.Code, apiResp.Msg))
		}
		return nil, fault.New(fault.KindProtocol, fmt.Sprintf("okx API 错误 %s: %s", apiResp.Code, apiResp.Msg))
	}
	return apiResp.Data, nil
}

// Ping 验证凭证
func (o *OKX) Ping(ctx context.Context) error {
	_, err := o.request(ctx, http.MethodGet, "/api/v5/account/config", nil)
	return err
}

// Balance 交易账户 + 资金账户求和，USDT 计价
func (o *OKX) Balance(ctx context.Context) (*Balance, error) {
	bal := &Balance{Wallets: make(map[string]float64)}

	trading, err := o.tradingUSDT(ctx)
	if err != nil {
		logger.Warn("⚠️ okx 交易账户拉取失败，按 0 计入: %v", err)
		bal.Warnings = append(bal.Warnings, fmt.Sprintf("trading: %v", err))
	}
	bal.Wallets["trading"] = trading
	bal.TotalUSDT += trading

	funding, err := o.fundingUSDT(ctx)
	if err != nil {
		logger.Warn("⚠️ okx 资金账户拉取失败，按 0 计入: %v", err)
		bal.Warnings = append(bal.Warnings, fmt.Sprintf("funding: %v", err))
	}
	bal.Wallets["funding"] = funding
	bal.TotalUSDT += funding

	return bal, nil
}

func (o *OKX) tradingUSDT(ctx context.Context) (float64, error) {
	data, err := o.request(ctx, http.MethodGet, "/api/v5/account/balance?ccy=USDT", nil)
	if err != nil {
		return 0, err
	}
	var accounts []struct {
		Details []struct {
			Ccy string `json:"ccy"`
			Eq  string `json:"eq"`
		} `json:"details"`
	}
	if err := json.Unmarshal(data, &accounts); err != nil {
		return 0, fault.Wrap(fault.KindProtocol, "okx 交易账户响应格式错误", err)
	}
	var total float64
	for _, account := range accounts {
		for _, d := range account.Details {
			if d.Ccy != "USDT" {
				continue
			}
			v, _ := strconv.ParseFloat(d.Eq, 64)
			total += v
		}
	}
	return total, nil
}

func (o *OKX) fundingUSDT(ctx context.Context) (float64, error) {
	data, err := o.request(ctx, http.MethodGet, "/api/v5/asset/balances?ccy=USDT", nil)
	if err != nil {
		return 0, err
	}
	var assets []struct {
		Ccy string `json:"ccy"`
		Bal string `json:"bal"`
	}
	if err := json.Unmarshal(data, &assets); err != nil {
		return 0, fault.Wrap(fault.KindProtocol, "okx 资金账户响应格式错误", err)
	}
	var total float64
	for _, a := range assets {
		if a.Ccy != "USDT" {
			continue
		}
		v, _ := strconv.ParseFloat(a.Bal, 64)
		total += v
	}
	return total, nil
}

// PlaceOrder 现货下单
func (o *OKX) PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error) {
	side := "buy"
	if req.Side == SideSell {
		side = "sell"
	}
	ordType := "limit"
	if req.Type == OrderTypeMarket {
		ordType = "market"
	}

	payload := map[string]string{
		"instId":  req.Symbol,
		"tdMode":  "cash",
		"side":    side,
		"ordType": ordType,
		"sz":      strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		"clOrdId": req.ClientOrderID,
	}
	if ordType == "limit" {
		payload["px"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}

	data, err := o.request(ctx, http.MethodPost, "/api/v5/trade/order", payload)
	if err != nil {
		return nil, err
	}

	var orders []struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
		SCode   string `json:"sCode"`
		SMsg    string `json:"sMsg"`
	}
	if err := json.Unmarshal(data, &orders); err != nil || len(orders) == 0 {
		return nil, fault.New(fault.KindProtocol, "okx 下单响应格式错误")
	}
	if orders[0].SCode != "0" {
		return nil, fault.New(fault.KindProtocol, fmt.Sprintf("okx 下单被拒 %s: %s", orders[0].SCode, orders[0].SMsg))
	}

	return &OrderResult{
		OrderID:       orders[0].OrdID,
		ClientOrderID: orders[0].ClOrdID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        OrderStatusNew,
	}, nil
}
