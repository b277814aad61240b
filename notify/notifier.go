package notify

import (
	"fmt"
	"sync"
	"time"

	"tradepilot/config"
	"tradepilot/event"
	"tradepilot/i18n"
	"tradepilot/logger"
)

// Notifier 通知渠道接口
type Notifier interface {
	Send(message string) error
	Name() string
}

// Service 通知服务：订阅事件总线，格式化后异步推送到各渠道
// 同一键的重复告警在冷却期内只发一次
type Service struct {
	notifiers []Notifier
	cfg       *config.Config

	mu       sync.Mutex
	lastSent map[string]time.Time
	cooldown time.Duration

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewService 创建通知服务
func NewService(cfg *config.Config) *Service {
	s := &Service{
		cfg:      cfg,
		lastSent: make(map[string]time.Time),
		cooldown: time.Duration(cfg.Notifications.CooldownMinutes) * time.Minute,
		stopCh:   make(chan struct{}),
	}

	if cfg.Notifications.Enabled {
		if cfg.Notifications.Telegram.Enabled && cfg.Notifications.Telegram.BotToken != "" {
			tn, err := NewTelegramNotifier(cfg)
			if err != nil {
				logger.Warn("⚠️ 初始化 Telegram 通知失败: %v", err)
			} else {
				s.notifiers = append(s.notifiers, tn)
				logger.Info("✅ Telegram 通知已启用")
			}
		}

		if cfg.Notifications.Webhook.Enabled && cfg.Notifications.Webhook.URL != "" {
			wn, err := NewWebhookNotifier(cfg)
			if err != nil {
				logger.Warn("⚠️ 初始化 Webhook 通知失败: %v", err)
			} else {
				s.notifiers = append(s.notifiers, wn)
				logger.Info("✅ Webhook 通知已启用")
			}
		}
	}

	return s
}

// Start 订阅事件总线并开始推送
func (s *Service) Start(bus *event.Bus) {
	if len(s.notifiers) == 0 {
		logger.Info("⏸️ 未配置通知渠道，通知服务不启动")
		return
	}

	ch := bus.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.stopCh:
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				s.handle(e)
			}
		}
	}()
	logger.Info("🚀 通知服务已启动，渠道数: %d", len(s.notifiers))
}

// Stop 停止通知服务
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// handle 格式化事件并在冷却允许时推送
func (s *Service) handle(e *event.Event) {
	message, key := formatEvent(s.cfg.System.LogLanguage, e)
	if message == "" {
		return
	}

	if !s.allow(key) {
		logger.Debug("🔕 通知处于冷却期，跳过: %s", key)
		return
	}

	for _, n := range s.notifiers {
		notifier := n
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := notifier.Send(message); err != nil {
				logger.Warn("⚠️ %s 通知发送失败: %v", notifier.Name(), err)
			}
		}()
	}
}

// allow 冷却检查，同一键在冷却期内只放行一次
func (s *Service) allow(key string) bool {
	if s.cooldown <= 0 {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastSent[key]; ok && time.Since(last) < s.cooldown {
		return false
	}
	s.lastSent[key] = time.Now()
	return true
}

// formatEvent 把事件翻译成本地化消息，返回消息和冷却键
// 不需要通知的事件类型返回空串
func formatEvent(lang string, e *event.Event) (string, string) {
	data := e.Data
	if data == nil {
		data = map[string]interface{}{}
	}

	switch e.Type {
	case event.TypeFailoverExecuted:
		return i18n.TWithLang(lang, "notify.failover_executed", data),
			fmt.Sprintf("failover:%v:%v", data["From"], data["To"])
	case event.TypeHealthChanged:
		if data["Status"] == "down" {
			return i18n.TWithLang(lang, "notify.health_down", data),
				fmt.Sprintf("health_down:%v", data["Provider"])
		}
		if data["Recovered"] == true {
			return i18n.TWithLang(lang, "notify.health_recovered", data),
				fmt.Sprintf("health_recovered:%v", data["Provider"])
		}
		return "", ""
	case event.TypeDeploymentFailed:
		return i18n.TWithLang(lang, "notify.deployment_failed", data),
			fmt.Sprintf("deploy_failed:%v", data["Provider"])
	case event.TypeDeploymentFinished:
		return i18n.TWithLang(lang, "notify.deployment_finished", data),
			fmt.Sprintf("deploy_finished:%v", data["Provider"])
	case event.TypeDesyncDetected:
		return i18n.TWithLang(lang, "notify.desync_detected", data),
			fmt.Sprintf("desync:%v", data["HostID"])
	case event.TypeKillSwitchChanged:
		if data["Enabled"] == true {
			return i18n.TWithLang(lang, "notify.kill_switch_on", data), "kill_switch_on"
		}
		return i18n.TWithLang(lang, "notify.kill_switch_off", data), "kill_switch_off"
	case event.TypeDataReset:
		return i18n.TWithLang(lang, "notify.data_reset", data), "data_reset"
	default:
		return "", ""
	}
}
