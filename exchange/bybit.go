package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tradepilot/fault"
	"tradepilot/signer"
)

const bybitMainnetURL = "https://api.bybit.com"

// Bybit 适配器
// 签名串 = 时间戳 + apiKey + recvWindow + 查询串或请求体，HMAC-SHA256 十六进制
type Bybit struct {
	apiKey     string
	secretKey  string
	baseURL    string
	recvWindow string
	httpClient *http.Client
}

// NewBybit 创建 Bybit 适配器
func NewBybit(creds Credentials, testnet bool) (*Bybit, error) {
	if err := requireCreds(creds, "api_key", "secret_key"); err != nil {
		return nil, err
	}
	baseURL := bybitMainnetURL
	if testnet {
		baseURL = "https://api-testnet.bybit.com"
	}
	return &Bybit{
		apiKey:     creds["api_key"],
		secretKey:  creds["secret_key"],
		baseURL:    baseURL,
		recvWindow: "5000",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// NewBybitWithBase 指定接口地址，测试用
func NewBybitWithBase(creds Credentials, baseURL string) (*Bybit, error) {
	b, err := NewBybit(creds, false)
	if err != nil {
		return nil, err
	}
	b.baseURL = baseURL
	return b, nil
}

func (b *Bybit) Name() string { return "bybit" }

// request 签名并发送请求，返回 result 段
func (b *Bybit) request(ctx context.Context, method, path string, params map[string]interface{}) (json.RawMessage, error) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	var queryString string
	var bodyBytes []byte
	if method == http.MethodGet {
		values := url.Values{}
		for k, v := range params {
			values.Add(k, fmt.Sprintf("%v", v))
		}
		queryString = values.Encode()
	} else if params != nil {
		var err error
		bodyBytes, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
	}

	signStr := timestamp + b.apiKey + b.recvWindow
	if queryString != "" {
		signStr += queryString
	} else if len(bodyBytes) > 0 {
		signStr += string(bodyBytes)
	}
	signature := signer.HMACSHA256Hex(b.secretKey, signStr)

	fullURL := b.baseURL + path
	if queryString != "" {
		fullURL += "?" + queryString
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", b.recvWindow)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "bybit 请求失败", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "读取 bybit 响应失败", err)
	}
	if cerr := classifyHTTP(resp.StatusCode, respBody); cerr != nil {
		return nil, cerr
	}

	var apiResp struct {
		RetCode int             `json:"retCode"`
		RetMsg  string          `json:"retMsg"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "解析 bybit 响应失败", err)
	}
	if apiResp.RetCode != 0 {
		if apiResp.RetCode == 10003 || apiResp.RetCode == 10004 {
			return nil, fault.New(fault.KindAuth, fmt.Sprintf("bybit 拒绝凭证 %d: %s", apiResp.RetCode, apiResp.RetMsg))
		}
		return nil, fault.New(fault.KindProtocol, fmt.Sprintf("bybit API 错误 %d: %s", apiResp.RetCode, apiResp.RetMsg))
	}
	return apiResp.Result, nil
}

// Ping 验证凭证
func (b *Bybit) Ping(ctx context.Context) error {
	_, err := b.request(ctx, http.MethodGet, "/v5/account/wallet-balance", map[string]interface{}{
		"accountType": "UNIFIED",
	})
	return err
}

// Balance 统一账户总权益，USDT 计价
func (b *Bybit) Balance(ctx context.Context) (*Balance, error) {
	result, err := b.request(ctx, http.MethodGet, "/v5/account/wallet-balance", map[string]interface{}{
		"accountType": "UNIFIED",
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		List []struct {
			TotalEquity string `json:"totalEquity"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "bybit 余额响应格式错误", err)
	}

	bal := &Balance{Wallets: make(map[string]float64)}
	for _, account := range payload.List {
		v, _ := strconv.ParseFloat(account.TotalEquity, 64)
		bal.Wallets["unified"] += v
		bal.TotalUSDT += v
	}
	return bal, nil
}

// PlaceOrder 现货下单
func (b *Bybit) PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error) {
	side := "Buy"
	if req.Side == SideSell {
		side = "Sell"
	}
	orderType := "Limit"
	if req.Type == OrderTypeMarket {
		orderType = "Market"
	}

	params := map[string]interface{}{
		"category":    "spot",
		"symbol":      req.Symbol,
		"side":        side,
		"orderType":   orderType,
		"qty":         strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		"orderLinkId": req.ClientOrderID,
	}
	if orderType == "Limit" {
		params["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}

	result, err := b.request(ctx, http.MethodPost, "/v5/order/create", params)
	if err != nil {
		return nil, err
	}

	var payload struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "bybit 下单响应格式错误", err)
	}

	return &OrderResult{
		OrderID:       payload.OrderID,
		ClientOrderID: payload.OrderLinkID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        OrderStatusNew,
	}, nil
}
