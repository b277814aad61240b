package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tradepilot/exchange"
)

// fakeCompose 记录调用序列的假 docker compose
type fakeCompose struct {
	calls        []string
	failUp       bool
	psJSON       string
	lastLogLines int
}

func (f *fakeCompose) Up(context.Context) (string, error) {
	f.calls = append(f.calls, "up")
	if f.failUp {
		return "", errors.New("镜像拉取失败")
	}
	return "started", nil
}

func (f *fakeCompose) Down(context.Context) (string, error) {
	f.calls = append(f.calls, "down")
	return "stopped", nil
}

func (f *fakeCompose) Restart(context.Context) (string, error) {
	f.calls = append(f.calls, "restart")
	return "restarted", nil
}

func (f *fakeCompose) PS(context.Context) (string, error) {
	f.calls = append(f.calls, "ps")
	return f.psJSON, nil
}

func (f *fakeCompose) Logs(_ context.Context, lines int) (string, error) {
	f.calls = append(f.calls, "logs")
	f.lastLogLines = lines
	return "log line", nil
}

// fakeOrderExchange 计数的假交易所适配器，entered/release 非空时首单阻塞
type fakeOrderExchange struct {
	orders  atomic.Int64
	entered chan struct{}
	release chan struct{}
}

func (f *fakeOrderExchange) Name() string               { return "fake" }
func (f *fakeOrderExchange) Ping(context.Context) error { return nil }
func (f *fakeOrderExchange) Balance(context.Context) (*exchange.Balance, error) {
	return &exchange.Balance{TotalUSDT: 7, Wallets: map[string]float64{"spot": 7}}, nil
}

func (f *fakeOrderExchange) PlaceOrder(_ context.Context, req *exchange.OrderRequest) (*exchange.OrderResult, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.orders.Add(1)
	return &exchange.OrderResult{
		OrderID:       "srv-" + req.ClientOrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        exchange.OrderStatusNew,
	}, nil
}

func newTestAgent(t *testing.T) (*Agent, *fakeCompose) {
	t.Helper()
	fc := &fakeCompose{}
	a := New(&Config{DataDir: t.TempDir(), ComposeDir: "/tmp", Port: 9876})
	a.compose = fc
	return a, fc
}

func doJSON(t *testing.T, a *Agent, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("序列化请求失败: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, req)
	return w
}

func TestStartCreatesSignalAndVerifies(t *testing.T) {
	a, fc := newTestAgent(t)

	w := doJSON(t, a, http.MethodPost, "/control", map[string]interface{}{
		"action": "start",
		"source": "console-op",
		"mode":   "live",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("启动失败: %d %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp["signal_created"] != true {
		t.Error("响应应该确认信号已落盘")
	}

	// 文件真实存在且内容可解析
	data, err := os.ReadFile(filepath.Join(a.cfg.DataDir, "START_SIGNAL"))
	if err != nil {
		t.Fatalf("信号文件应该存在: %v", err)
	}
	var sig StartSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		t.Fatalf("信号文件应该是合法 JSON: %v", err)
	}
	if sig.Source != "console-op" || sig.Mode != "live" {
		t.Errorf("信号内容错误: %+v", sig)
	}
	if sig.StartedAt.IsZero() {
		t.Error("信号应该带启动时间")
	}

	if len(fc.calls) != 1 || fc.calls[0] != "up" {
		t.Errorf("应该执行 compose up: %v", fc.calls)
	}
}

func TestStartRollsBackSignalOnComposeFailure(t *testing.T) {
	a, fc := newTestAgent(t)
	fc.failUp = true

	w := doJSON(t, a, http.MethodPost, "/control", map[string]interface{}{
		"action": "start",
	})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("compose 失败应该返回 5xx, 得到 %d", w.Code)
	}

	// 启动失败必须显式告知信号没有落盘
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp["signal_created"] != false {
		t.Error("启动失败响应应该带 signal_created=false")
	}

	// 容器没起来，信号必须被收回
	if _, err := os.Stat(filepath.Join(a.cfg.DataDir, "START_SIGNAL")); !os.IsNotExist(err) {
		t.Error("compose 失败后信号文件应该被删除")
	}
}

func TestSignalCheckReportsFileTruth(t *testing.T) {
	a, _ := newTestAgent(t)

	// 没有信号：刚启动的代理永远不会自己拉起机器人
	w := doJSON(t, a, http.MethodGet, "/signal-check", nil)
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["signal_exists"] != false {
		t.Error("没有信号文件时应该上报 false")
	}

	// 外部直接写入文件（模拟上次启动遗留），代理只认文件
	sig := &StartSignal{StartedAt: time.Now().Add(-time.Minute), Source: "prior-run", Mode: "live"}
	data, _ := json.Marshal(sig)
	os.WriteFile(filepath.Join(a.cfg.DataDir, "START_SIGNAL"), data, 0o600)

	w = doJSON(t, a, http.MethodGet, "/signal-check", nil)
	resp = map[string]interface{}{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["signal_exists"] != true {
		t.Error("信号文件存在时应该上报 true")
	}
	if resp["signal_age_ms"] == nil {
		t.Error("应该上报信号年龄")
	}
}

func TestSignalCheckCorruptFile(t *testing.T) {
	a, _ := newTestAgent(t)
	os.WriteFile(filepath.Join(a.cfg.DataDir, "START_SIGNAL"), []byte("{broken"), 0o600)

	w := doJSON(t, a, http.MethodGet, "/signal-check", nil)
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["signal_exists"] != false {
		t.Error("损坏的信号文件等价于没有信号")
	}
	if resp["error"] == nil {
		t.Error("损坏的信号文件应该附带错误说明")
	}
}

func TestStopRemovesSignalBeforeComposeDown(t *testing.T) {
	a, fc := newTestAgent(t)

	// 先启动
	doJSON(t, a, http.MethodPost, "/control", map[string]interface{}{"action": "start"})

	w := doJSON(t, a, http.MethodPost, "/control", map[string]interface{}{"action": "stop"})
	if w.Code != http.StatusOK {
		t.Fatalf("停止失败: %d %s", w.Code, w.Body.String())
	}

	if _, err := os.Stat(filepath.Join(a.cfg.DataDir, "START_SIGNAL")); !os.IsNotExist(err) {
		t.Error("停止后信号文件必须删除")
	}
	if fc.calls[len(fc.calls)-1] != "down" {
		t.Errorf("应该执行 compose down: %v", fc.calls)
	}
}

func TestRestartRefusedWithoutSignal(t *testing.T) {
	a, fc := newTestAgent(t)

	w := doJSON(t, a, http.MethodPost, "/control", map[string]interface{}{"action": "restart"})
	if w.Code != http.StatusConflict {
		t.Fatalf("没有信号时重启应该返回 409, 得到 %d", w.Code)
	}
	if len(fc.calls) != 0 {
		t.Errorf("拒绝重启时不应该碰容器: %v", fc.calls)
	}
}

func TestUnknownActionRejected(t *testing.T) {
	a, _ := newTestAgent(t)
	w := doJSON(t, a, http.MethodPost, "/control", map[string]interface{}{"action": "explode"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("未知操作应该返回 400, 得到 %d", w.Code)
	}
}

func TestEnvFileAtomicWrite(t *testing.T) {
	a, _ := newTestAgent(t)

	env := map[string]string{
		"BINANCE_API_KEY":    "k1",
		"BINANCE_SECRET_KEY": "s1",
		"OKX_API_KEY":        "k2",
	}
	if err := a.writeEnvFile(env); err != nil {
		t.Fatalf("写入环境文件失败: %v", err)
	}

	// 临时文件不能残留
	if _, err := os.Stat(a.envPath() + ".tmp"); !os.IsNotExist(err) {
		t.Error("临时文件不应该残留")
	}

	got, err := a.readEnvFile()
	if err != nil {
		t.Fatalf("读取环境文件失败: %v", err)
	}
	if got["BINANCE_API_KEY"] != "k1" || got["OKX_API_KEY"] != "k2" {
		t.Errorf("环境文件内容错误: %+v", got)
	}

	// 文件权限只限本用户
	info, err := os.Stat(a.envPath())
	if err != nil {
		t.Fatalf("环境文件应该存在: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("环境文件权限应该是 0600, 得到 %o", info.Mode().Perm())
	}
}

func TestCredsForExtractsPrefix(t *testing.T) {
	env := map[string]string{
		"BINANCE_API_KEY":    "bk",
		"BINANCE_SECRET_KEY": "bs",
		"OKX_API_KEY":        "ok",
		"OKX_PASSPHRASE":     "op",
	}
	creds := credsFor(env, "okx")
	if creds["api_key"] != "ok" || creds["passphrase"] != "op" {
		t.Errorf("okx 凭证提取错误: %+v", creds)
	}
	if _, leaked := creds["secret_key"]; leaked && creds["secret_key"] == "bs" {
		t.Error("不应该混入其它交易所的凭证")
	}
}

func TestAuthMiddleware(t *testing.T) {
	fc := &fakeCompose{}
	a := New(&Config{DataDir: t.TempDir(), Port: 9876, Token: "secret-token"})
	a.compose = fc

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("缺少令牌应该返回 401, 得到 %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	w = httptest.NewRecorder()
	a.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("正确令牌应该放行, 得到 %d", w.Code)
	}
}

func TestHealthReportsMemoryAndVersion(t *testing.T) {
	a, _ := newTestAgent(t)

	w := doJSON(t, a, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("健康检查失败: %d", w.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp["ok"] != true || resp["status"] != "ok" {
		t.Errorf("健康响应应该是 ok: %v", resp)
	}
	if resp["uptime_s"] == nil {
		t.Error("应该上报运行时长")
	}
	if resp["version"] != Version {
		t.Errorf("应该上报版本号, 得到 %v", resp["version"])
	}
	total, _ := resp["mem_total_mb"].(float64)
	if total <= 0 {
		t.Errorf("应该上报内存总量, 得到 %v", resp["mem_total_mb"])
	}
	if resp["mem_used_mb"] == nil {
		t.Error("应该上报内存占用")
	}
}

func TestStatusRequiresSignalAndContainer(t *testing.T) {
	a, fc := newTestAgent(t)

	// 没有信号：无论容器如何都是 stopped
	w := doJSON(t, a, http.MethodGet, "/status", nil)
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["bot_status"] != "stopped" {
		t.Errorf("没有信号时应该是 stopped, 得到 %v", resp["bot_status"])
	}

	// 有信号但容器不在线：机器人应跑未跑，不能算 running
	sig := &StartSignal{StartedAt: time.Now(), Source: "op", Mode: "live"}
	data, _ := json.Marshal(sig)
	os.WriteFile(filepath.Join(a.cfg.DataDir, "START_SIGNAL"), data, 0o600)

	w = doJSON(t, a, http.MethodGet, "/status", nil)
	resp = map[string]interface{}{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["bot_status"] != "error" {
		t.Errorf("信号在而容器不在应该是 error, 得到 %v", resp["bot_status"])
	}
	if resp["docker_up"] != false {
		t.Error("应该上报容器不在线")
	}

	// 信号与容器同时在线才是 running
	fc.psJSON = `[{"Name":"bot","State":"running"}]`
	w = doJSON(t, a, http.MethodGet, "/status", nil)
	resp = map[string]interface{}{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["bot_status"] != "running" {
		t.Errorf("信号与容器同时在线应该是 running, 得到 %v", resp["bot_status"])
	}
	if resp["docker_up"] != true {
		t.Error("应该上报容器在线")
	}
}

func TestKillSwitchGatesAgentOrders(t *testing.T) {
	a, _ := newTestAgent(t)
	fx := &fakeOrderExchange{}
	a.adapters["fake"] = fx

	w := doJSON(t, a, http.MethodPost, "/kill-switch", map[string]bool{"enabled": true})
	if w.Code != http.StatusOK {
		t.Fatalf("下发杀死开关失败: %d", w.Code)
	}

	order := map[string]interface{}{
		"exchange": "fake", "symbol": "BTCUSDT", "side": "BUY",
		"quantity": 1, "client_order_id": "ks-1",
	}
	w = doJSON(t, a, http.MethodPost, "/place-order", order)
	if w.Code != http.StatusConflict {
		t.Fatalf("杀死开关开启时应该返回 409, 得到 %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "kill_switch") {
		t.Error("响应应该标明 kill_switch")
	}
	if fx.orders.Load() != 0 {
		t.Error("拒绝应该发生在调用交易所之前")
	}

	// 关闭后恢复
	doJSON(t, a, http.MethodPost, "/kill-switch", map[string]bool{"enabled": false})
	w = doJSON(t, a, http.MethodPost, "/place-order", order)
	if w.Code != http.StatusOK {
		t.Fatalf("关闭后下单应该成功: %d %s", w.Code, w.Body.String())
	}
	if fx.orders.Load() != 1 {
		t.Errorf("应该提交一次, 实际 %d 次", fx.orders.Load())
	}
}

func TestPlaceOrderConcurrentDuplicateSingleUpstream(t *testing.T) {
	a, _ := newTestAgent(t)
	fx := &fakeOrderExchange{entered: make(chan struct{}, 2), release: make(chan struct{})}
	a.adapters["fake"] = fx

	order := map[string]interface{}{
		"exchange": "fake", "symbol": "BTCUSDT", "side": "BUY",
		"quantity": 1, "client_order_id": "dup-1",
	}
	codes := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func() {
			w := doJSON(t, a, http.MethodPost, "/place-order", order)
			codes <- w.Code
		}()
	}

	// 首单已出网且仍在途时放行，第二单必须等待首次结果而不是再次出网
	<-fx.entered
	close(fx.release)

	for i := 0; i < 2; i++ {
		if code := <-codes; code != http.StatusOK {
			t.Errorf("并发提交应该都成功, 得到 %d", code)
		}
	}
	if fx.orders.Load() != 1 {
		t.Errorf("同一客户端订单号并发提交只应该到达上游一次, 实际 %d 次", fx.orders.Load())
	}
}

func TestBalancePostSurface(t *testing.T) {
	a, _ := newTestAgent(t)
	fx := &fakeOrderExchange{}
	a.adapters["fake"] = fx

	// 旧的 GET 入口不再存在
	w := doJSON(t, a, http.MethodGet, "/balance", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("GET /balance 应该返回 404, 得到 %d", w.Code)
	}

	// 空请求体退回环境文件里的常驻适配器
	w = doJSON(t, a, http.MethodPost, "/balance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("余额查询失败: %d %s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	balances, _ := resp["balances"].(map[string]interface{})
	if balances["fake"] == nil {
		t.Errorf("应该返回常驻适配器的余额: %v", resp)
	}

	// 带凭证必须指定交易所
	w = doJSON(t, a, http.MethodPost, "/balance", map[string]interface{}{
		"credentials": map[string]string{"api_key": "k"},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("缺少交易所名应该返回 400, 得到 %d", w.Code)
	}

	// 不支持的交易所建不出适配器
	w = doJSON(t, a, http.MethodPost, "/balance", map[string]interface{}{
		"exchange":    "kraken",
		"credentials": map[string]string{"api_key": "k"},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("不支持的交易所应该返回 400, 得到 %d", w.Code)
	}
}

func TestLogsLinesParam(t *testing.T) {
	a, fc := newTestAgent(t)

	w := doJSON(t, a, http.MethodGet, "/logs?lines=50", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("读取日志失败: %d", w.Code)
	}
	if fc.lastLogLines != 50 {
		t.Errorf("lines 参数应该透传, 得到 %d", fc.lastLogLines)
	}

	// 旧参数名继续可用
	doJSON(t, a, http.MethodGet, "/logs?tail=30", nil)
	if fc.lastLogLines != 30 {
		t.Errorf("tail 参数应该继续可用, 得到 %d", fc.lastLogLines)
	}
}

func TestCORSPreflight(t *testing.T) {
	a, _ := newTestAgent(t)
	req := httptest.NewRequest(http.MethodOptions, "/control", nil)
	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("预检请求应该返回 204, 得到 %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("预检响应应该带跨域头")
	}
}
