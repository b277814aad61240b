package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"tradepilot/fault"
	"tradepilot/logger"
)

// StartSignal 启动信号文件内容
// 机器人开机时只认这个文件：文件在就跑，不在就不跑，宿主机重启后不会自动拉起
type StartSignal struct {
	StartedAt time.Time `json:"started_at"`
	Source    string    `json:"source"` // 下发来源（控制台操作员）
	Mode      string    `json:"mode"`   // live / paper
}

// writeSignal 写入启动信号，先写临时文件再改名
func (a *Agent) writeSignal(sig *StartSignal) error {
	data, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化启动信号失败: %w", err)
	}
	tmp := a.signalPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("写入启动信号失败: %w", err)
	}
	if err := os.Rename(tmp, a.signalPath()); err != nil {
		return fmt.Errorf("启动信号落盘失败: %w", err)
	}
	return nil
}

// readSignal 读取启动信号，文件不存在返回 (nil, nil)
func (a *Agent) readSignal() (*StartSignal, error) {
	data, err := os.ReadFile(a.signalPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取启动信号失败: %w", err)
	}
	var sig StartSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		// 损坏的信号文件等价于没有信号，但要告警
		logger.Warn("⚠️ 启动信号文件损坏: %v", err)
		return nil, fault.Wrap(fault.KindIntegrity, "启动信号文件损坏", err)
	}
	return &sig, nil
}

// removeSignal 删除启动信号，文件本就不存在不算错
func (a *Agent) removeSignal() error {
	err := os.Remove(a.signalPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("删除启动信号失败: %w", err)
	}
	return nil
}

// verifySignalOnDisk 启动后置校验：stat 确认信号文件真实存在
func (a *Agent) verifySignalOnDisk() error {
	if _, err := os.Stat(a.signalPath()); err != nil {
		return fault.Wrap(fault.KindIntegrity, "启动信号未落盘", err)
	}
	return nil
}
