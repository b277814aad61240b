package utils

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var orderSeq atomic.Int64

// maxClientOrderIDLen 各交易所客户端订单号长度上限
var maxClientOrderIDLen = map[string]int{
	"binance": 36,
	"okx":     32,
	"bybit":   36,
}

// GenerateClientOrderID 生成客户端订单号
// 格式: tp_<方向首字母>_<毫秒时间戳>_<进程内序号>，保证进程内唯一
func GenerateClientOrderID(exchange, side string) string {
	s := "B"
	if strings.EqualFold(side, "SELL") {
		s = "S"
	}
	id := fmt.Sprintf("tp%s%d%03d", s, time.Now().UnixMilli(), orderSeq.Add(1)%1000)
	if max, ok := maxClientOrderIDLen[strings.ToLower(exchange)]; ok && len(id) > max {
		id = id[:max]
	}
	return id
}

// ParseClientOrderID 解析订单号中的方向和时间戳
func ParseClientOrderID(id string) (side string, timestamp int64, valid bool) {
	if len(id) < 4 || !strings.HasPrefix(id, "tp") {
		return "", 0, false
	}
	switch id[2] {
	case 'B':
		side = "BUY"
	case 'S':
		side = "SELL"
	default:
		return "", 0, false
	}
	rest := id[3:]
	if len(rest) < 16 {
		return "", 0, false
	}
	ms, err := strconv.ParseInt(rest[:13], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return side, ms, true
}
