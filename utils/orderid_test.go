package utils

import (
	"strings"
	"testing"
)

func TestGenerateClientOrderID(t *testing.T) {
	id1 := GenerateClientOrderID("binance", "BUY")
	if id1 == "" {
		t.Fatal("生成的订单号不能为空")
	}
	if !strings.HasPrefix(id1, "tpB") {
		t.Errorf("订单号格式错误: %s", id1)
	}

	id2 := GenerateClientOrderID("binance", "BUY")
	if id1 == id2 {
		t.Errorf("连续生成的订单号不唯一: %s == %s", id1, id2)
	}

	if len(id1) > 36 {
		t.Errorf("币安订单号超长: %d", len(id1))
	}
	okxID := GenerateClientOrderID("okx", "SELL")
	if len(okxID) > 32 {
		t.Errorf("okx 订单号超长: %d", len(okxID))
	}
	if !strings.HasPrefix(okxID, "tpS") {
		t.Errorf("卖单方向编码错误: %s", okxID)
	}
}

func TestParseClientOrderID(t *testing.T) {
	id := GenerateClientOrderID("bybit", "SELL")
	side, ts, valid := ParseClientOrderID(id)
	if !valid {
		t.Fatalf("解析订单号失败: %s", id)
	}
	if side != "SELL" {
		t.Errorf("方向解析错误: %s", side)
	}
	if ts == 0 {
		t.Error("时间戳解析错误: 得到 0")
	}

	if _, _, ok := ParseClientOrderID("garbage"); ok {
		t.Error("非法订单号不应该解析成功")
	}
}
