package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradepilot/config"
	"tradepilot/event"
	"tradepilot/i18n"
	"tradepilot/lock"
	"tradepilot/logger"
	"tradepilot/metrics"
	"tradepilot/monitor"
	"tradepilot/notify"
	"tradepilot/provider"
	"tradepilot/provider/alibaba"
	"tradepilot/provider/aws"
	"tradepilot/provider/azure"
	"tradepilot/provider/digitalocean"
	"tradepilot/provider/gcp"
	"tradepilot/provider/linode"
	"tradepilot/provider/oracle"
	"tradepilot/provider/vultr"
	"tradepilot/store"
	"tradepilot/vault"
	"tradepilot/web"
)

// Version 版本号
var Version = "1.2.0"

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-version" || os.Args[1] == "--version") {
		fmt.Printf("tradepilot %s\n", Version)
		return
	}

	// 配置文件路径可选，缺省时按默认值启动
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	var cfg *config.Config
	if _, err := os.Stat(configPath); err == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg = config.Default()
		logger.Warn("⚠️ 未找到配置文件 %s，使用默认配置", configPath)
	}

	logger.SetAppName("tradepilot")
	logger.SetLevel(logger.ParseLogLevel(cfg.System.LogLevel))
	if err := i18n.Init(cfg.System.LogLanguage); err != nil {
		logger.Warn("⚠️ 初始化多语言失败: %v", err)
	}

	st, err := store.New(&store.Config{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		LogLevel:        cfg.Database.LogLevel,
	})
	if err != nil {
		logger.Fatal("❌ 初始化存储失败: %v", err)
	}
	defer st.Close()
	logger.InitStoreWriter(func(level, message string) {
		if err := st.SaveLog(level, message); err != nil {
			fmt.Fprintf(os.Stderr, "日志落库失败: %v\n", err)
		}
	})

	v := vault.New(st, cfg.Vault.EncryptionKey, time.Duration(cfg.Vault.KeyCacheTTL)*time.Second)

	locker, err := lock.New(&lock.Config{
		Enabled:  cfg.DistributedLock.Enabled,
		Prefix:   cfg.DistributedLock.Prefix,
		Addr:     cfg.DistributedLock.Redis.Addr,
		Password: cfg.DistributedLock.Redis.Password,
		DB:       cfg.DistributedLock.Redis.DB,
		PoolSize: cfg.DistributedLock.Redis.PoolSize,
	})
	if err != nil {
		logger.Fatal("❌ 初始化分布式锁失败: %v", err)
	}
	defer locker.Close()

	bus := event.NewBus(1000)
	defer bus.Close()

	notifier := notify.NewService(cfg)
	notifier.Start(bus)
	defer notifier.Stop()

	// 云厂商适配器
	provider.Register(aws.New())
	provider.Register(azure.New())
	provider.Register(gcp.New())
	provider.Register(alibaba.New())
	provider.Register(digitalocean.New())
	provider.Register(vultr.New())
	provider.Register(linode.New())
	provider.Register(oracle.New())
	logger.Info("✅ 已注册云厂商: %v", provider.Names())

	checker := monitor.NewChecker(cfg, st, bus, locker)
	srv := web.NewServer(cfg, st, v, bus, checker)
	srv.SetEdgeScheduler(monitor.NewEdgeBackoff(
		cfg.Monitor.EdgeBackoff.HealthyInterval,
		cfg.Monitor.EdgeBackoff.DegradedInterval,
		cfg.Monitor.EdgeBackoff.DisableThreshold,
	))

	// 不同步扫描复用控制台到代理的客户端
	agents := web.NewAgentClient(cfg.Server.ServiceToken)
	checker.SetAgentStatusFn(func(ctx context.Context, hostIP string) (string, error) {
		status, err := agents.Status(ctx, hostIP)
		if err != nil {
			return "", err
		}
		return status.BotStatus, nil
	})

	if cfg.Monitor.Enabled {
		checker.Start()
		defer checker.Stop()
	} else {
		logger.Warn("🔕 健康检查循环已禁用")
	}

	// 配置文件存在时监控热更新
	if _, err := os.Stat(configPath); err == nil {
		watcher, err := config.NewWatcher(configPath)
		if err != nil {
			logger.Warn("⚠️ 创建配置监控器失败: %v", err)
		} else {
			watchCtx, cancelWatch := context.WithCancel(context.Background())
			defer cancelWatch()
			if err := watcher.Start(watchCtx); err != nil {
				logger.Warn("⚠️ 启动配置监控失败: %v", err)
			} else {
				defer watcher.Stop()
				go func() {
					for {
						select {
						case newCfg, ok := <-watcher.Updates():
							if !ok {
								return
							}
							checker.UpdateConfig(newCfg)
						case err, ok := <-watcher.Errors():
							if !ok {
								return
							}
							logger.Warn("⚠️ 配置热更新出错: %v", err)
						}
					}
				}()
			}
		}
	}

	// 重启后恢复主节点指标
	if primary, err := st.GetPrimary(context.Background()); err == nil && primary != nil {
		metrics.SetPrimary(primary.Provider)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("🛑 收到信号 %v，正在退出", sig)
	case err := <-errCh:
		logger.Error("❌ 控制台退出: %v", err)
	}
	logger.Close()
}
