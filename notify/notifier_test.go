package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"tradepilot/config"
	"tradepilot/event"
	"tradepilot/i18n"
)

func init() {
	i18n.Init("zh-CN")
}

// recorder 收集发送的消息
type recorder struct {
	mu       sync.Mutex
	messages []string
}

func (r *recorder) Send(message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func newTestService(cooldownMinutes int) (*Service, *recorder) {
	cfg := config.Default()
	cfg.Notifications.Enabled = true
	cfg.Notifications.CooldownMinutes = cooldownMinutes

	s := NewService(cfg)
	rec := &recorder{}
	s.notifiers = append(s.notifiers, rec)
	return s, rec
}

func TestServiceSendsOnFailover(t *testing.T) {
	s, rec := newTestService(0)
	bus := event.NewBus(10)
	defer bus.Close()

	s.Start(bus)
	defer s.Stop()

	bus.Publish(&event.Event{
		Type: event.TypeFailoverExecuted,
		Data: map[string]interface{}{"From": "aws", "To": "vultr", "Reason": "连续失败超过阈值"},
	})

	deadline := time.After(2 * time.Second)
	for rec.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("故障转移事件应该触发通知")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	s, _ := newTestService(30)

	if !s.allow("health_down:aws") {
		t.Fatal("首次告警应该放行")
	}
	if s.allow("health_down:aws") {
		t.Error("冷却期内重复告警应该被抑制")
	}
	// 不同键互不影响
	if !s.allow("health_down:vultr") {
		t.Error("不同键不应该被抑制")
	}
}

func TestFormatEventUnknownType(t *testing.T) {
	msg, _ := formatEvent("zh-CN", &event.Event{Type: event.TypeSignalCreated})
	if msg != "" {
		t.Errorf("不需要通知的事件类型应该返回空串, 得到 %s", msg)
	}
}

func TestFormatEventLocalization(t *testing.T) {
	e := &event.Event{
		Type: event.TypeDesyncDetected,
		Data: map[string]interface{}{"HostID": "i-1", "HostStatus": "running", "StoreStatus": "stopped"},
	}

	zh, key := formatEvent("zh-CN", e)
	if zh == "" || zh == "notify.desync_detected" {
		t.Errorf("中文消息应该完成翻译, 得到 %s", zh)
	}
	if key != "desync:i-1" {
		t.Errorf("冷却键错误: %s", key)
	}

	en, _ := formatEvent("en-US", e)
	if en == zh {
		t.Error("不同语言应该产生不同消息")
	}
}

func TestWebhookNotifier(t *testing.T) {
	received := make(chan map[string]interface{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		json.Unmarshal(body, &payload)
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.Webhook.URL = server.URL

	wn, err := NewWebhookNotifier(cfg)
	if err != nil {
		t.Fatalf("创建 Webhook 通知器失败: %v", err)
	}
	if err := wn.Send("测试消息"); err != nil {
		t.Fatalf("发送失败: %v", err)
	}

	payload := <-received
	if payload["text"] != "测试消息" {
		t.Errorf("消息内容错误: %v", payload["text"])
	}
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.Webhook.URL = server.URL

	wn, _ := NewWebhookNotifier(cfg)
	if err := wn.Send("boom"); err == nil {
		t.Error("5xx 响应应该返回错误")
	}
}
