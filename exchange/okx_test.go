package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"tradepilot/fault"
	"tradepilot/signer"
)

const okxTestSecret = "okx-secret"

// okxTestServer 校验签名后按路径返回数据
func okxTestServer(t *testing.T, fundingFails bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts := r.Header.Get("OK-ACCESS-TIMESTAMP")
		path := r.URL.Path
		if r.URL.RawQuery != "" {
			path += "?" + r.URL.RawQuery
		}
		want := signer.HMACSHA256Base64(okxTestSecret, ts+r.Method+path+string(body))
		if r.Header.Get("OK-ACCESS-SIGN") != want {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"code":"50113","msg":"bad sign"}`)
			return
		}
		if r.Header.Get("OK-ACCESS-PASSPHRASE") != "pp" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"code":"50113","msg":"bad passphrase"}`)
			return
		}

		switch r.URL.Path {
		case "/api/v5/account/balance":
			fmt.Fprint(w, `{"code":"0","msg":"","data":[{"details":[{"ccy":"USDT","eq":"70"}]}]}`)
		case "/api/v5/asset/balances":
			if fundingFails {
				fmt.Fprint(w, `{"code":"58000","msg":"service unavailable"}`)
				return
			}
			fmt.Fprint(w, `{"code":"0","msg":"","data":[{"ccy":"USDT","bal":"30"}]}`)
		case "/api/v5/trade/order":
			fmt.Fprint(w, `{"code":"0","msg":"","data":[{"ordId":"12345","clOrdId":"oid-1","sCode":"0","sMsg":""}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestOKX(t *testing.T, baseURL string) *OKX {
	t.Helper()
	o, err := NewOKXWithBase(Credentials{
		"api_key": "k", "secret_key": okxTestSecret, "passphrase": "pp",
	}, baseURL)
	if err != nil {
		t.Fatalf("创建适配器失败: %v", err)
	}
	return o
}

func TestOKXBalanceSumsAccounts(t *testing.T) {
	server := okxTestServer(t, false)
	defer server.Close()

	bal, err := newTestOKX(t, server.URL).Balance(context.Background())
	if err != nil {
		t.Fatalf("拉取余额失败: %v", err)
	}
	if bal.TotalUSDT != 100 {
		t.Errorf("交易+资金账户求和错误: 期望 100, 得到 %.2f", bal.TotalUSDT)
	}
	if bal.Wallets["trading"] != 70 || bal.Wallets["funding"] != 30 {
		t.Errorf("分账户余额错误: %+v", bal.Wallets)
	}
}

func TestOKXBalanceFundingFailure(t *testing.T) {
	server := okxTestServer(t, true)
	defer server.Close()

	bal, err := newTestOKX(t, server.URL).Balance(context.Background())
	if err != nil {
		t.Fatalf("单个账户失败不应该阻断整体: %v", err)
	}
	if bal.TotalUSDT != 70 {
		t.Errorf("失败账户按 0 计入: 期望 70, 得到 %.2f", bal.TotalUSDT)
	}
	if len(bal.Warnings) != 1 {
		t.Errorf("应该有一条告警: %v", bal.Warnings)
	}
}

func TestOKXSignatureRejected(t *testing.T) {
	server := okxTestServer(t, false)
	defer server.Close()

	o, err := NewOKXWithBase(Credentials{
		"api_key": "k", "secret_key": "wrong-secret", "passphrase": "pp",
	}, server.URL)
	if err != nil {
		t.Fatalf("创建适配器失败: %v", err)
	}
	err = o.Ping(context.Background())
	if err == nil {
		t.Fatal("错误密钥应该被拒绝")
	}
	if !fault.Is(err, fault.KindAuth) {
		t.Errorf("应该是 auth 类错误, 得到 %s", fault.KindOf(err))
	}
}

func TestOKXPlaceOrder(t *testing.T) {
	server := okxTestServer(t, false)
	defer server.Close()

	result, err := newTestOKX(t, server.URL).PlaceOrder(context.Background(), &OrderRequest{
		Symbol:        "BTC-USDT",
		Side:          SideBuy,
		Type:          OrderTypeLimit,
		Quantity:      0.01,
		Price:         65000,
		ClientOrderID: "oid-1",
	})
	if err != nil {
		t.Fatalf("下单失败: %v", err)
	}
	if result.OrderID != "12345" || result.ClientOrderID != "oid-1" {
		t.Errorf("下单结果错误: %+v", result)
	}
}
