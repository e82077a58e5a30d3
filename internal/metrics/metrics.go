package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result label values
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Metrics counts the externally-latent OAuth operations. One instance per
// process, registered on its own registry so tests stay isolated.
type Metrics struct {
	registry *prometheus.Registry

	CodeExchanges   *prometheus.CounterVec
	Refreshes       *prometheus.CounterVec
	Revokes         *prometheus.CounterVec
	RefreshInflight prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		CodeExchanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth_code_exchange_total",
			Help: "Authorization code exchanges by result",
		}, []string{"result"}),

		Refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth_token_refresh_total",
			Help: "Token refresh calls against the provider by result",
		}, []string{"result"}),

		Revokes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth_revoke_total",
			Help: "Remote revoke calls by result",
		}, []string{"result"}),

		RefreshInflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "oauth_refresh_inflight",
			Help: "Coalesced refresh operations currently awaiting the provider",
		}),
	}
}

// Handler serves the registry for the /metrics route
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
