package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// composeRunner docker compose 操作，测试时替换为假实现
type composeRunner interface {
	Up(ctx context.Context) (string, error)
	Down(ctx context.Context) (string, error)
	Restart(ctx context.Context) (string, error)
	PS(ctx context.Context) (string, error)
	Logs(ctx context.Context, tail int) (string, error)
}

// dockerCompose 调用 docker compose 命令行
type dockerCompose struct {
	dir string
}

func (d *dockerCompose) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	full := append([]string{"compose"}, args...)
	cmd := exec.CommandContext(ctx, "docker", full...)
	cmd.Dir = d.dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("docker compose %s 失败: %v, 输出: %s",
			strings.Join(args, " "), err, string(output))
	}
	return string(output), nil
}

func (d *dockerCompose) Up(ctx context.Context) (string, error) {
	return d.run(ctx, "up", "-d")
}

func (d *dockerCompose) Down(ctx context.Context) (string, error) {
	return d.run(ctx, "down")
}

func (d *dockerCompose) Restart(ctx context.Context) (string, error) {
	return d.run(ctx, "restart")
}

func (d *dockerCompose) PS(ctx context.Context) (string, error) {
	return d.run(ctx, "ps", "--format", "json")
}

func (d *dockerCompose) Logs(ctx context.Context, tail int) (string, error) {
	return d.run(ctx, "logs", "--no-color", "--tail", strconv.Itoa(tail))
}
