package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Collector using Prometheus metrics.
type PrometheusCollector struct {
	sessionsTotal  prometheus.Counter
	sessionsActive prometheus.Gauge

	authAttemptsTotal *prometheus.CounterVec

	commandsTotal *prometheus.CounterVec

	sanitizedTotal     prometheus.Counter
	sanitizeSkipsTotal *prometheus.CounterVec

	mispForwardedTotal prometheus.Counter
}

// NewPrometheusCollector creates a PrometheusCollector with all metrics
// registered on reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imapproxy_sessions_total",
			Help: "Total number of client sessions accepted.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imapproxy_sessions_active",
			Help: "Number of currently active client sessions.",
		}),
		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imapproxy_auth_attempts_total",
			Help: "Total number of upstream authentication attempts.",
		}, []string{"domain", "result"}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imapproxy_commands_total",
			Help: "Total number of client commands processed.",
		}, []string{"verb", "path"}),
		sanitizedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imapproxy_messages_sanitized_total",
			Help: "Total number of messages rewritten by the sanitizer.",
		}),
		sanitizeSkipsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imapproxy_sanitize_skips_total",
			Help: "Total number of sanitizer invocations that skipped a message.",
		}, []string{"reason"}),
		mispForwardedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imapproxy_misp_forwarded_total",
			Help: "Total number of messages forwarded to the MISP sink.",
		}),
	}

	reg.MustRegister(
		c.sessionsTotal,
		c.sessionsActive,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.sanitizedTotal,
		c.sanitizeSkipsTotal,
		c.mispForwardedTotal,
	)
	return c
}

func (c *PrometheusCollector) SessionOpened() {
	c.sessionsTotal.Inc()
	c.sessionsActive.Inc()
}

func (c *PrometheusCollector) SessionClosed() {
	c.sessionsActive.Dec()
}

func (c *PrometheusCollector) AuthAttempt(domain string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(domain, result).Inc()
}

func (c *PrometheusCollector) CommandIntercepted(verb string) {
	c.commandsTotal.WithLabelValues(verb, "intercepted").Inc()
}

func (c *PrometheusCollector) CommandRelayed(verb string) {
	c.commandsTotal.WithLabelValues(verb, "relayed").Inc()
}

func (c *PrometheusCollector) MessageSanitized() {
	c.sanitizedTotal.Inc()
}

func (c *PrometheusCollector) SanitizeSkipped(reason string) {
	c.sanitizeSkipsTotal.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) MISPForwarded() {
	c.mispForwardedTotal.Inc()
}

// Handler returns an HTTP handler exposing the registry's metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
