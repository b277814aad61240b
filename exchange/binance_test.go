package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newBinanceTestServers(t *testing.T, fundingFails bool) *Binance {
	t.Helper()

	spot := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/account") {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"balances":[
			{"asset":"USDT","free":"80","locked":"20"},
			{"asset":"BTC","free":"1.5","locked":"0"}
		]}`)
	}))
	t.Cleanup(spot.Close)

	funding := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-MBX-APIKEY") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !strings.Contains(r.URL.RawQuery, "signature=") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if fundingFails {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `[{"asset":"USDT","free":"30","locked":"0","freeze":"0"}]`)
	}))
	t.Cleanup(funding.Close)

	futuresSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"accountAlias":"a1","asset":"USDT","balance":"20","availableBalance":"20"},
			{"accountAlias":"a1","asset":"BNB","balance":"5","availableBalance":"5"}
		]`)
	}))
	t.Cleanup(futuresSrv.Close)

	b, err := NewBinanceWithBase(Credentials{"api_key": "k", "secret_key": "s"},
		spot.URL, futuresSrv.URL, funding.URL)
	if err != nil {
		t.Fatalf("创建适配器失败: %v", err)
	}
	return b
}

func TestBinanceBalanceSumsWallets(t *testing.T) {
	b := newBinanceTestServers(t, false)

	bal, err := b.Balance(context.Background())
	if err != nil {
		t.Fatalf("拉取余额失败: %v", err)
	}
	if bal.TotalUSDT != 150 {
		t.Errorf("三个钱包求和错误: 期望 150, 得到 %.2f", bal.TotalUSDT)
	}
	if bal.Wallets["spot"] != 100 || bal.Wallets["funding"] != 30 || bal.Wallets["futures"] != 20 {
		t.Errorf("分钱包余额错误: %+v", bal.Wallets)
	}
	if len(bal.Warnings) != 0 {
		t.Errorf("全部成功时不应该有告警: %v", bal.Warnings)
	}
}

func TestBinanceBalancePartialFailure(t *testing.T) {
	b := newBinanceTestServers(t, true)

	bal, err := b.Balance(context.Background())
	if err != nil {
		t.Fatalf("单个钱包失败不应该阻断整体: %v", err)
	}
	if bal.TotalUSDT != 120 {
		t.Errorf("失败钱包按 0 计入: 期望 120, 得到 %.2f", bal.TotalUSDT)
	}
	if bal.Wallets["funding"] != 0 {
		t.Errorf("失败钱包余额应该是 0, 得到 %.2f", bal.Wallets["funding"])
	}
	if len(bal.Warnings) != 1 || !strings.HasPrefix(bal.Warnings[0], "funding:") {
		t.Errorf("应该有一条资金钱包告警: %v", bal.Warnings)
	}
}

func TestBinanceMissingCreds(t *testing.T) {
	_, err := NewBinance(Credentials{"api_key": "k"}, false)
	if err == nil {
		t.Fatal("缺少 secret_key 应该报错")
	}
}
