package authheader

import "github.com/prometheus/client_golang/prometheus"

// Retry reasons.
const (
	reasonTokenChanged = "token_changed"
	reasonRefreshed    = "refreshed"
)

// Metrics counts token lifecycle events. A nil *Metrics records nothing.
type Metrics struct {
	refreshes prometheus.Counter
	retries   *prometheus.CounterVec
	logouts   prometheus.Counter
	abandoned prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "storefront"
	}

	m := &Metrics{
		refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "token_refreshes_total",
			Help:      "Refresh exchanges triggered after an expired access token.",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "request_retries_total",
			Help:      "Requests replayed with a newer access token, by reason.",
		}, []string{"reason"}),
		logouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "forced_logouts_total",
			Help:      "Sessions ended because the token could not be refreshed.",
		}),
		abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "abandoned_requests_total",
			Help:      "Requests dropped because the session expired.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.refreshes, m.retries, m.logouts, m.abandoned)
	}
	return m
}

func (m *Metrics) refreshTriggered() {
	if m != nil {
		m.refreshes.Inc()
	}
}

func (m *Metrics) retried(reason string) {
	if m != nil {
		m.retries.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) forcedLogout() {
	if m != nil {
		m.logouts.Inc()
	}
}

func (m *Metrics) abandon() {
	if m != nil {
		m.abandoned.Inc()
	}
}
