package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tradepilot/store"
)

func seedTradingData(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()

	if err := s.SaveSignal(ctx, &store.Signal{Symbol: "BTCUSDT", Side: "BUY", Confidence: 80}); err != nil {
		t.Fatalf("写信号失败: %v", err)
	}
	if err := s.SaveHealthEvent(ctx, &store.HealthEvent{Ts: time.Now(), Provider: "aws", Status: "healthy"}); err != nil {
		t.Fatalf("写健康事件失败: %v", err)
	}
	if err := s.SaveCloudCredential(ctx, &store.CloudCredential{Provider: "aws", Secret: "sealed", Fingerprint: "SHA256:x"}); err != nil {
		t.Fatalf("写云凭证失败: %v", err)
	}
	if err := s.UpsertExchangeConnection(ctx, &store.ExchangeConnection{
		ExchangeName: "binance",
		Credentials:  "sealed-envelope",
		BalanceUSDT:  1234,
	}); err != nil {
		t.Fatalf("写交易所连接失败: %v", err)
	}
}

func TestResetRefusedWithoutSentinel(t *testing.T) {
	srv, s := newTestServer(t)
	seedTradingData(t, s)
	ctx := context.Background()

	w := doJSON(t, srv, http.MethodPost, "/api/reset-trading-data", map[string]string{"confirm": "no"})
	mustStatus(t, w, http.StatusBadRequest)

	// 数据原封不动
	signals, _ := s.ListSignals(ctx, 10)
	if len(signals) != 1 {
		t.Errorf("拒绝重置后信号应该保留, 得到 %d 条", len(signals))
	}
	conn, _ := s.GetExchangeConnection(ctx, "binance")
	if conn.BalanceUSDT != 1234 {
		t.Errorf("拒绝重置后余额应该保留: %.0f", conn.BalanceUSDT)
	}
}

func TestResetWithSentinelClearsAllowlistOnly(t *testing.T) {
	srv, s := newTestServer(t)
	seedTradingData(t, s)
	ctx := context.Background()

	w := doJSON(t, srv, http.MethodPost, "/api/reset-trading-data",
		map[string]string{"confirm": store.ResetConfirmSentinel})
	mustStatus(t, w, http.StatusOK)

	signals, _ := s.ListSignals(ctx, 10)
	if len(signals) != 0 {
		t.Errorf("重置后信号应该清空, 得到 %d 条", len(signals))
	}
	events, _ := s.ListHealthEvents(ctx, "", 10)
	if len(events) != 0 {
		t.Errorf("重置后健康事件应该清空, 得到 %d 条", len(events))
	}

	// 凭证和连接配置必须幸存
	cred, err := s.GetCloudCredential(ctx, "aws")
	if err != nil || cred == nil {
		t.Fatal("重置后云凭证必须保留")
	}
	conn, _ := s.GetExchangeConnection(ctx, "binance")
	if conn == nil || conn.Credentials != "sealed-envelope" {
		t.Fatal("重置后交易所凭证信封必须保留")
	}
	if conn.BalanceUSDT != 0 {
		t.Errorf("重置后余额缓存应该归零: %.0f", conn.BalanceUSDT)
	}

	// 重置本身要留审计
	audits, _ := s.ListAuditEvents(ctx, "data.reset", 10)
	if len(audits) != 1 {
		t.Errorf("重置应该写一条审计事件, 得到 %d", len(audits))
	}
}

func TestKillSwitchRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/kill-switch", map[string]bool{"enabled": true})
	mustStatus(t, w, http.StatusOK)

	w = doJSON(t, srv, http.MethodGet, "/api/kill-switch", nil)
	resp := decodeBody(t, w)
	if resp["enabled"] != true {
		t.Error("杀死开关应该处于开启状态")
	}

	// 开启后下单被拒
	w = doJSON(t, srv, http.MethodPost, "/api/orders", map[string]interface{}{
		"exchange": "binance", "symbol": "BTCUSDT", "side": "BUY", "quantity": 1,
	})
	if w.Code == http.StatusOK {
		t.Error("杀死开关开启时下单不应该成功")
	}
}

func TestServiceTokenAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.Server.ServiceToken = "tok-123"

	w := doJSON(t, srv, http.MethodGet, "/api/hosts", nil)
	mustStatus(t, w, http.StatusUnauthorized)

	req := httptest.NewRequest(http.MethodGet, "/api/hosts", nil)
	req.Header.Set("Authorization", "Bearer tok-123")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	mustStatus(t, rec, http.StatusOK)
}
