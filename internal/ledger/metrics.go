package ledger

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors the engine reports to. All fields
// are optional; a nil Metrics or nil field is skipped.
type Metrics struct {
	ConsumeTotal      *prometheus.CounterVec // labels: result
	CreditTotal       *prometheus.CounterVec // labels: result
	PacksExpiredTotal prometheus.Counter
	TokensForfeited   prometheus.Counter
	ReconcileDrift    prometheus.Observer
	LockWaitTimeouts  prometheus.Counter
}

func (m *Metrics) consumeResult(result string) {
	if m == nil || m.ConsumeTotal == nil {
		return
	}
	m.ConsumeTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) creditResult(result string) {
	if m == nil || m.CreditTotal == nil {
		return
	}
	m.CreditTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) packExpired(forfeited int64) {
	if m == nil {
		return
	}
	if m.PacksExpiredTotal != nil {
		m.PacksExpiredTotal.Inc()
	}
	if m.TokensForfeited != nil {
		m.TokensForfeited.Add(float64(forfeited))
	}
}

func (m *Metrics) driftObserved(drift int64) {
	if m == nil || m.ReconcileDrift == nil {
		return
	}
	if drift < 0 {
		drift = -drift
	}
	m.ReconcileDrift.Observe(float64(drift))
}

func (m *Metrics) lockTimeout() {
	if m == nil || m.LockWaitTimeouts == nil {
		return
	}
	m.LockWaitTimeouts.Inc()
}
