package provider

import (
	"context"
	"time"

	"tradepilot/fault"
	"tradepilot/logger"
)

const (
	retryAttempts = 3
	retryBase     = time.Second
)

// Retry 对瞬时错误重试，最多 3 次，退避 1s、2s、4s
// auth / capacity / protocol 类错误立即返回，绝不重试 4xx 鉴权失败
func Retry(ctx context.Context, op string, fn func() error) error {
	var err error
	backoff := retryBase

	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !fault.Retryable(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}

		logger.Warn("⚠️ %s 第 %d 次尝试失败，%v 后重试: %v", op, attempt, backoff, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return err
}
