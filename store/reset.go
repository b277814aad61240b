package store

import (
	"context"

	"gorm.io/gorm"
)

// ResetConfirmSentinel 破坏性重置的确认哨兵，请求必须原样携带
const ResetConfirmSentinel = "RESET_ALL_DATA"

// resetAllowlist 允许清空的历史表
// 凭证记录与提供商配置绝不在此列
var resetAllowlist = []interface{}{
	&Signal{},
	&HealthEvent{},
	&FailoverEvent{},
	&LatencySample{},
	&LogRecord{},
}

// ResetTradingData 清空交易历史数据
// 只清固定允许列表内的表，将机器人状态置为 stopped 并清空余额缓存；
// 凭证、提供商配置、审计事件一律保留
func (s *Store) ResetTradingData(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range resetAllowlist {
			if err := tx.Where("1 = 1").Delete(model).Error; err != nil {
				return err
			}
		}

		if err := tx.Model(&BotDeployment{}).
			Where("1 = 1").
			Updates(map[string]interface{}{
				"bot_status":     BotStopped,
				"signal_present": false,
			}).Error; err != nil {
			return err
		}

		if err := tx.Model(&ExchangeConnection{}).
			Where("1 = 1").
			Updates(map[string]interface{}{
				"balance_usdt":       0,
				"balance_updated_at": nil,
			}).Error; err != nil {
			return err
		}

		return nil
	})
}
