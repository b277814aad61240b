package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"tradepilot/agent"
	"tradepilot/config"
	"tradepilot/i18n"
	"tradepilot/logger"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-version" || os.Args[1] == "--version") {
		fmt.Printf("tradepilot-agent %s\n", agent.Version)
		return
	}

	// 代理允许无配置文件启动，全部走默认值
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
	}

	logger.SetAppName("tradepilot-agent")
	logger.SetLevel(logger.ParseLogLevel(cfg.System.LogLevel))
	if err := i18n.Init(cfg.System.LogLanguage); err != nil {
		logger.Warn("⚠️ 初始化多语言失败: %v", err)
	}

	if err := os.MkdirAll(cfg.Agent.DataDir, 0o755); err != nil {
		logger.Fatal("❌ 创建数据目录失败: %v", err)
	}

	a := agent.New(&agent.Config{
		DataDir:    cfg.Agent.DataDir,
		ComposeDir: filepath.Dir(cfg.Agent.ComposeFile),
		Port:       cfg.Agent.Port,
		Token:      cfg.Server.ServiceToken,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("🛑 收到信号 %v，正在退出", sig)
	case err := <-errCh:
		logger.Error("❌ 代理退出: %v", err)
	}
	logger.Close()
}
