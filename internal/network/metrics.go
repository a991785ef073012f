package network

import "github.com/prometheus/client_golang/prometheus"

// Metrics метрики websocket-транспорта
type Metrics struct {
	ConnectedPeers prometheus.Gauge
	Messages       *prometheus.CounterVec // direction, type
	RateLimited    prometheus.Counter
	SlowPeers      prometheus.Counter
}

// NewMetrics создаёт метрики и регистрирует их в reg (nil: без регистрации)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "terrain",
			Subsystem: "network",
			Name:      "connected_peers",
			Help:      "Количество подключённых пиров.",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "terrain",
			Subsystem: "network",
			Name:      "messages_total",
			Help:      "Сообщения websocket по направлению и типу.",
		}, []string{"direction", "type"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "terrain",
			Subsystem: "network",
			Name:      "rate_limited_total",
			Help:      "Правки, отклонённые ограничителем частоты.",
		}),
		SlowPeers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "terrain",
			Subsystem: "network",
			Name:      "slow_peers_total",
			Help:      "Пиры, отключённые из-за переполненной очереди отправки.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ConnectedPeers, m.Messages, m.RateLimited, m.SlowPeers)
	}
	return m
}
