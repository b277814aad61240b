package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 健康探测指标
	probeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradepilot_probe_total",
			Help: "Total number of health probes",
		},
		[]string{"provider", "status"},
	)

	probeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradepilot_probe_duration_seconds",
			Help:    "Health probe round-trip duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.15, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"provider"},
	)

	consecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradepilot_consecutive_failures",
			Help: "Consecutive probe failures per provider",
		},
		[]string{"provider"},
	)

	// 故障转移指标
	failoverTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradepilot_failover_total",
			Help: "Total number of primary failovers",
		},
		[]string{"from", "to", "automatic"},
	)

	primaryInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradepilot_primary",
			Help: "Current primary provider (1 on the active entry)",
		},
		[]string{"provider"},
	)

	// 部署指标
	deployTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradepilot_deploy_total",
			Help: "Total number of deployment attempts",
		},
		[]string{"provider", "result"},
	)

	deployDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradepilot_deploy_duration_seconds",
			Help:    "Deployment duration from create to running in seconds",
			Buckets: []float64{10, 30, 60, 120, 180, 240, 300},
		},
		[]string{"provider"},
	)

	// 订单指标
	orderTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradepilot_order_total",
			Help: "Total number of orders placed",
		},
		[]string{"exchange", "symbol", "side", "status"},
	)

	orderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradepilot_order_latency_seconds",
			Help:    "Order placement-to-fill latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"exchange"},
	)

	// 余额指标
	exchangeBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradepilot_exchange_balance_usdt",
			Help: "Cached total USDT balance per exchange",
		},
		[]string{"exchange"},
	)

	killSwitch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradepilot_kill_switch",
			Help: "Global kill switch state (0=off, 1=on)",
		},
	)
)

// RecordProbe 记录一次健康探测
func RecordProbe(provider, status string, duration time.Duration, failures int) {
	probeTotal.WithLabelValues(provider, status).Inc()
	probeDuration.WithLabelValues(provider).Observe(duration.Seconds())
	consecutiveFailures.WithLabelValues(provider).Set(float64(failures))
}

// RecordFailover 记录一次主节点切换
func RecordFailover(from, to string, automatic bool) {
	auto := "false"
	if automatic {
		auto = "true"
	}
	failoverTotal.WithLabelValues(from, to, auto).Inc()
	primaryInfo.WithLabelValues(from).Set(0)
	primaryInfo.WithLabelValues(to).Set(1)
}

// SetPrimary 标记当前主节点
func SetPrimary(provider string) {
	primaryInfo.WithLabelValues(provider).Set(1)
}

// RecordDeploy 记录一次部署尝试
func RecordDeploy(provider, result string, duration time.Duration) {
	deployTotal.WithLabelValues(provider, result).Inc()
	if result == "success" {
		deployDuration.WithLabelValues(provider).Observe(duration.Seconds())
	}
}

// RecordOrder 记录一次下单
func RecordOrder(exchange, symbol, side, status string, latency time.Duration) {
	orderTotal.WithLabelValues(exchange, symbol, side, status).Inc()
	if latency > 0 {
		orderLatency.WithLabelValues(exchange).Observe(latency.Seconds())
	}
}

// SetExchangeBalance 更新交易所余额指标
func SetExchangeBalance(exchange string, balanceUSDT float64) {
	exchangeBalance.WithLabelValues(exchange).Set(balanceUSDT)
}

// SetKillSwitch 更新全局开关指标
func SetKillSwitch(enabled bool) {
	if enabled {
		killSwitch.Set(1)
	} else {
		killSwitch.Set(0)
	}
}
