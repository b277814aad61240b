package agent

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"tradepilot/exchange"
)

// writeEnvFile 原子写交易所环境文件：临时文件 + 改名，机器人读不到半截内容
func (a *Agent) writeEnvFile(env map[string]string) error {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, env[k])
	}

	tmp := a.envPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("写入环境文件失败: %w", err)
	}
	if err := os.Rename(tmp, a.envPath()); err != nil {
		return fmt.Errorf("环境文件落盘失败: %w", err)
	}
	return nil
}

// readEnvFile 读取环境文件为键值对
func (a *Agent) readEnvFile() (map[string]string, error) {
	data, err := os.ReadFile(a.envPath())
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取环境文件失败: %w", err)
	}
	env := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		env[k] = v
	}
	return env, nil
}

// credsFor 从环境键值对里提取某交易所的凭证
// 键形如 BINANCE_API_KEY / OKX_PASSPHRASE，去掉前缀后转小写
func credsFor(env map[string]string, exchangeName string) exchange.Credentials {
	prefix := strings.ToUpper(exchangeName) + "_"
	creds := exchange.Credentials{}
	for k, v := range env {
		if strings.HasPrefix(k, prefix) {
			creds[strings.ToLower(strings.TrimPrefix(k, prefix))] = v
		}
	}
	return creds
}

// reloadAdapters 按环境文件重建交易所适配器
func (a *Agent) reloadAdapters() error {
	env, err := a.readEnvFile()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.adapters = make(map[string]exchange.Exchange)
	for _, name := range exchange.Names() {
		creds := credsFor(env, name)
		if len(creds) == 0 {
			continue
		}
		ex, err := exchange.New(name, creds, env[strings.ToUpper(name)+"_TESTNET"] == "true")
		if err != nil {
			// 凭证不全的交易所跳过，不阻断其余交易所
			continue
		}
		a.adapters[name] = ex
	}
	return nil
}

// exchangeList 当前已配置的适配器快照
func (a *Agent) exchangeList() map[string]exchange.Exchange {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]exchange.Exchange, len(a.adapters))
	for k, v := range a.adapters {
		out[k] = v
	}
	return out
}
