package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors for pool and balancer state. All helper
// methods are nil-receiver safe so wiring metrics stays optional.
type Metrics struct {
	PoolTotal     *prometheus.GaugeVec
	PoolInUse     *prometheus.GaugeVec
	PoolWaits     *prometheus.CounterVec
	PoolExhausted *prometheus.CounterVec
	QueriesTotal  *prometheus.CounterVec
	SlowQueries   *prometheus.CounterVec
	HostUp        *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		PoolTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dbkit_pool_connections_total",
			Help: "Live connections per logical name (available + in use).",
		}, []string{"name"}),
		PoolInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dbkit_pool_connections_in_use",
			Help: "Checked-out connections per logical name.",
		}, []string{"name"}),
		PoolWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbkit_pool_waits_total",
			Help: "Acquire attempts that had to wait for a slot.",
		}, []string{"name"}),
		PoolExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbkit_pool_exhausted_total",
			Help: "Acquires that timed out waiting for a slot.",
		}, []string{"name"}),
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbkit_queries_total",
			Help: "Executed statements by routing kind (read or write).",
		}, []string{"name", "kind"}),
		SlowQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbkit_slow_queries_total",
			Help: "Statements over the slow-query threshold.",
		}, []string{"name"}),
		HostUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dbkit_balancer_host_up",
			Help: "1 when the balancer considers the host selectable.",
		}, []string{"name", "host"}),
	}

	for _, c := range []prometheus.Collector{
		m.PoolTotal, m.PoolInUse, m.PoolWaits, m.PoolExhausted,
		m.QueriesTotal, m.SlowQueries, m.HostUp,
	} {
		registerCollector(reg, c)
	}
	return m
}

func registerCollector(reg prometheus.Registerer, c prometheus.Collector) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			// Already registered, fine.
			return
		}
	}
}

func (m *Metrics) ObservePool(name string, total, inUse int) {
	if m == nil {
		return
	}
	m.PoolTotal.WithLabelValues(name).Set(float64(total))
	m.PoolInUse.WithLabelValues(name).Set(float64(inUse))
}

func (m *Metrics) IncWait(name string) {
	if m == nil {
		return
	}
	m.PoolWaits.WithLabelValues(name).Inc()
}

func (m *Metrics) IncExhausted(name string) {
	if m == nil {
		return
	}
	m.PoolExhausted.WithLabelValues(name).Inc()
}

func (m *Metrics) IncQuery(name, kind string) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(name, kind).Inc()
}

func (m *Metrics) IncSlowQuery(name string) {
	if m == nil {
		return
	}
	m.SlowQueries.WithLabelValues(name).Inc()
}

func (m *Metrics) SetHostUp(name, host string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1.0
	}
	m.HostUp.WithLabelValues(name, host).Set(v)
}
