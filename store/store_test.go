package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// 每个测试用独立的命名内存库，避免共享缓存下互相污染
	s, err := New(&Config{
		Type: "sqlite",
		DSN:  "file:" + t.Name() + "?mode=memory&cache=shared",
	})
	if err != nil {
		t.Fatalf("创建测试存储失败: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHostLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	host := &HostRecord{
		ID:              "i-abc123",
		Provider:        "aws",
		Region:          "ap-northeast-1",
		InstanceType:    "t3.medium",
		PublicIP:        "203.0.113.10",
		LifecycleStatus: HostProvisioning,
		CreatedAt:       time.Now(),
	}
	if err := s.SaveHost(ctx, host); err != nil {
		t.Fatalf("保存主机失败: %v", err)
	}

	if err := s.UpdateHostStatus(ctx, "i-abc123", HostRunning); err != nil {
		t.Fatalf("更新状态失败: %v", err)
	}

	got, err := s.GetHost(ctx, "i-abc123")
	if err != nil {
		t.Fatalf("查询主机失败: %v", err)
	}
	if got.LifecycleStatus != HostRunning {
		t.Errorf("状态错误: 期望 %s, 得到 %s", HostRunning, got.LifecycleStatus)
	}

	byIP, err := s.FindHostByIP(ctx, "203.0.113.10")
	if err != nil {
		t.Fatalf("按 IP 查询失败: %v", err)
	}
	if byIP == nil || byIP.ID != "i-abc123" {
		t.Error("按 IP 查询应该命中 i-abc123")
	}

	missing, err := s.FindHostByIP(ctx, "198.51.100.1")
	if err != nil {
		t.Fatalf("按 IP 查询失败: %v", err)
	}
	if missing != nil {
		t.Error("不存在的 IP 应该返回 nil")
	}
}

func TestPromotePrimaryAtomicity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []*FailoverEntry{
		{Provider: "aws", Priority: 1, IsPrimary: true, IsEnabled: true, AutoFailoverEnabled: true},
		{Provider: "vultr", Priority: 2, IsPrimary: false, IsEnabled: true, AutoFailoverEnabled: true},
		{Provider: "linode", Priority: 3, IsPrimary: false, IsEnabled: true, AutoFailoverEnabled: true},
	}
	for _, e := range entries {
		if err := s.SaveFailoverEntry(ctx, e); err != nil {
			t.Fatalf("保存条目失败: %v", err)
		}
	}

	// 给继任者一些失败计数，提升后必须清零
	if err := s.RecordProbeResult(ctx, "vultr", 80, 2, time.Now()); err != nil {
		t.Fatalf("更新探测结果失败: %v", err)
	}

	if err := s.PromotePrimary(ctx, "aws", "vultr"); err != nil {
		t.Fatalf("切换主节点失败: %v", err)
	}

	// 启用条目中只能有一个主节点
	all, err := s.ListFailoverEntries(ctx)
	if err != nil {
		t.Fatalf("列出条目失败: %v", err)
	}
	primaryCount := 0
	for _, e := range all {
		if e.IsPrimary {
			primaryCount++
			if e.Provider != "vultr" {
				t.Errorf("主节点应该是 vultr, 得到 %s", e.Provider)
			}
			if e.ConsecutiveFailures != 0 {
				t.Errorf("提升后失败计数应清零, 得到 %d", e.ConsecutiveFailures)
			}
		}
	}
	if primaryCount != 1 {
		t.Errorf("主节点数量错误: 期望 1, 得到 %d", primaryCount)
	}

	// CAS 失效：aws 已经不是主节点，重复切换必须失败
	if err := s.PromotePrimary(ctx, "aws", "linode"); err == nil {
		t.Error("基于过期现任的切换应该失败")
	}

	// 失败的切换不能破坏不变式
	primary, err := s.GetPrimary(ctx)
	if err != nil {
		t.Fatalf("查询主节点失败: %v", err)
	}
	if primary == nil || primary.Provider != "vultr" {
		t.Error("失败的切换后主节点应该仍是 vultr")
	}
}

func TestPromotePrimaryFirstElection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveFailoverEntry(ctx, &FailoverEntry{
		Provider: "gcp", Priority: 1, IsEnabled: true,
	}); err != nil {
		t.Fatalf("保存条目失败: %v", err)
	}

	// 没有现任时的首次提升
	if err := s.PromotePrimary(ctx, "", "gcp"); err != nil {
		t.Fatalf("首次提升失败: %v", err)
	}
	primary, _ := s.GetPrimary(ctx)
	if primary == nil || primary.Provider != "gcp" {
		t.Error("首次提升后主节点应该是 gcp")
	}

	// 未启用的继任者必须拒绝
	if err := s.SaveFailoverEntry(ctx, &FailoverEntry{
		Provider: "azure", Priority: 2, IsEnabled: false,
	}); err != nil {
		t.Fatalf("保存条目失败: %v", err)
	}
	if err := s.PromotePrimary(ctx, "gcp", "azure"); err == nil {
		t.Error("未启用的继任者不应该被提升")
	}
}

func TestSettingsAndKillSwitch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enabled, err := s.KillSwitchEnabled(ctx)
	if err != nil {
		t.Fatalf("读取开关失败: %v", err)
	}
	if enabled {
		t.Error("默认开关应该关闭")
	}

	if err := s.SetKillSwitch(ctx, true); err != nil {
		t.Fatalf("设置开关失败: %v", err)
	}
	enabled, _ = s.KillSwitchEnabled(ctx)
	if !enabled {
		t.Error("开关应该已开启")
	}

	if err := s.SetSetting(ctx, "foo", "bar"); err != nil {
		t.Fatalf("写设置失败: %v", err)
	}
	if err := s.SetSetting(ctx, "foo", "baz"); err != nil {
		t.Fatalf("覆盖设置失败: %v", err)
	}
	value, _ := s.GetSetting(ctx, "foo")
	if value != "baz" {
		t.Errorf("设置值错误: 期望 baz, 得到 %s", value)
	}
}

func TestResetTradingDataAllowlist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// 历史数据
	if err := s.SaveSignal(ctx, &Signal{Symbol: "BTCUSDT", Side: "long", Confidence: 85, Exchange: "binance", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("保存信号失败: %v", err)
	}
	if err := s.SaveHealthEvent(ctx, &HealthEvent{Ts: time.Now(), Provider: "aws", Status: StatusHealthy, LatencyMs: 42}); err != nil {
		t.Fatalf("保存健康事件失败: %v", err)
	}
	if err := s.SaveLatencySample(ctx, &LatencySample{Source: "binance", Kind: "fill", LatencyMs: 120, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("保存延迟采样失败: %v", err)
	}

	// 必须保留的数据
	if err := s.SaveCloudCredential(ctx, &CloudCredential{Provider: "aws", Secret: `{"iv":"00","salt":"00","ct":"00"}`, Fingerprint: "SHA256:abc"}); err != nil {
		t.Fatalf("保存凭证失败: %v", err)
	}
	if err := s.SaveFailoverEntry(ctx, &FailoverEntry{Provider: "aws", Priority: 1, IsEnabled: true}); err != nil {
		t.Fatalf("保存条目失败: %v", err)
	}
	if err := s.UpsertExchangeConnection(ctx, &ExchangeConnection{ExchangeName: "binance", Credentials: "envelope", BalanceUSDT: 150}); err != nil {
		t.Fatalf("保存交易所连接失败: %v", err)
	}
	if err := s.UpsertDeployment(ctx, &BotDeployment{HostID: "i-1", IP: "203.0.113.10", BotStatus: BotRunning, SignalPresent: true}); err != nil {
		t.Fatalf("保存部署失败: %v", err)
	}

	if err := s.ResetTradingData(ctx); err != nil {
		t.Fatalf("重置失败: %v", err)
	}

	signals, _ := s.ListSignals(ctx, 10)
	if len(signals) != 0 {
		t.Errorf("信号应该被清空, 剩余 %d", len(signals))
	}
	events, _ := s.ListHealthEvents(ctx, "", 10)
	if len(events) != 0 {
		t.Errorf("健康事件应该被清空, 剩余 %d", len(events))
	}

	// 凭证与提供商配置不可丢失
	cred, err := s.GetCloudCredential(ctx, "aws")
	if err != nil || cred == nil {
		t.Fatal("重置后凭证必须保留")
	}
	if cred.Secret == "" {
		t.Error("凭证内容不应该被清空")
	}
	if _, err := s.GetFailoverEntry(ctx, "aws"); err != nil {
		t.Error("重置后故障转移配置必须保留")
	}

	// 余额缓存清零，机器人状态置为 stopped
	conn, err := s.GetExchangeConnection(ctx, "binance")
	if err != nil {
		t.Fatalf("查询交易所连接失败: %v", err)
	}
	if conn.BalanceUSDT != 0 {
		t.Errorf("余额缓存应该清零, 得到 %f", conn.BalanceUSDT)
	}
	if conn.Credentials == "" {
		t.Error("交易所凭证不应该被清空")
	}
	d, err := s.GetDeployment(ctx, "i-1")
	if err != nil || d == nil {
		t.Fatal("部署记录必须保留")
	}
	if d.BotStatus != BotStopped {
		t.Errorf("机器人状态应该置为 stopped, 得到 %s", d.BotStatus)
	}
	if d.SignalPresent {
		t.Error("信号标志应该清除")
	}
}

func TestLogSink(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveLog("ERROR", "探测失败: 连接超时"); err != nil {
		t.Fatalf("写日志失败: %v", err)
	}
	if err := s.SaveLog("INFO", "健康检查完成"); err != nil {
		t.Fatalf("写日志失败: %v", err)
	}

	logs, err := s.ListLogs(ctx, "ERROR", 10)
	if err != nil {
		t.Fatalf("查询日志失败: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("ERROR 日志数量错误: 期望 1, 得到 %d", len(logs))
	}
	if logs[0].Message != "探测失败: 连接超时" {
		t.Errorf("日志内容错误: %s", logs[0].Message)
	}
}

func TestSignalAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.SaveSignal(ctx, &Signal{
			Symbol:     "ETHUSDT",
			Side:       "short",
			Confidence: 60 + i,
			Exchange:   "okx",
			CreatedAt:  time.Now().Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("保存信号失败: %v", err)
		}
	}

	signals, err := s.ListSignals(ctx, 3)
	if err != nil {
		t.Fatalf("查询信号失败: %v", err)
	}
	if len(signals) != 3 {
		t.Errorf("限制数量错误: 期望 3, 得到 %d", len(signals))
	}
	// 按时间倒序
	if signals[0].Confidence != 64 {
		t.Errorf("最新信号应该排在最前, 得到置信度 %d", signals[0].Confidence)
	}
}
