package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds the service's Prometheus collectors in a private registry,
// so constructing it twice (tests) never panics on duplicate registration.
type Metrics struct {
	Registry *prometheus.Registry

	requestDuration   *prometheus.HistogramVec
	sefazDuration     *prometheus.HistogramVec
	externalErrors    *prometheus.CounterVec
	emissions         *prometheus.CounterVec
	distributionPolls *prometheus.CounterVec
	distributedDocs   *prometheus.CounterVec
}

// NewMetrics creates the registry and registers every collector
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nfe_http_request_duration_seconds",
				Help:    "Duration of inbound API requests by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		sefazDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nfe_sefaz_request_duration_seconds",
				Help:    "Duration of authority web service calls.",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"service", "outcome"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nfe_external_errors_total",
				Help: "Failed authority calls by service.",
			},
			[]string{"service"},
		),
		emissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nfe_emissions_total",
				Help: "Emission attempts by final status.",
			},
			[]string{"status"},
		),
		distributionPolls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nfe_distribution_polls_total",
				Help: "Distribution queries by resulting state.",
			},
			[]string{"state"},
		),
		distributedDocs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nfe_distribution_documents_total",
				Help: "Documents received through distribution by schema.",
			},
			[]string{"schema"},
		),
	}
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// RecordRequestDuration records an inbound API request
func (m *Metrics) RecordRequestDuration(route string, d time.Duration) {
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// ObserveSEFAZ records one authority call; outcome "error" also counts as
// an external error.
func (m *Metrics) ObserveSEFAZ(service, outcome string, d time.Duration) {
	m.sefazDuration.WithLabelValues(service, outcome).Observe(d.Seconds())
	if outcome == "error" {
		m.externalErrors.WithLabelValues(service).Inc()
	}
}

// IncrEmission counts an emission by status
func (m *Metrics) IncrEmission(status string) {
	m.emissions.WithLabelValues(status).Inc()
}

// IncrDistributionPoll counts a distribution query by state
func (m *Metrics) IncrDistributionPoll(state string) {
	m.distributionPolls.WithLabelValues(state).Inc()
}

// AddDistributedDocuments counts received documents
func (m *Metrics) AddDistributedDocuments(schema string, n int) {
	m.distributedDocs.WithLabelValues(schema).Add(float64(n))
}

// Snapshot is a point-in-time summary for the health endpoint
type Snapshot struct {
	Emissions            map[string]float64 `json:"emissions"`
	ExternalErrors       map[string]float64 `json:"external_errors"`
	DistributionPolls    map[string]float64 `json:"distribution_polls"`
	DistributedDocuments float64            `json:"distributed_documents"`
}

// Snapshot gathers the counters' current values
func (m *Metrics) Snapshot() *Snapshot {
	s := &Snapshot{
		Emissions:         counterValues(m.emissions),
		ExternalErrors:    counterValues(m.externalErrors),
		DistributionPolls: counterValues(m.distributionPolls),
	}
	for _, v := range counterValues(m.distributedDocs) {
		s.DistributedDocuments += v
	}
	return s
}

// counterValues reads every child of a single-label CounterVec
func counterValues(cv *prometheus.CounterVec) map[string]float64 {
	out := make(map[string]float64)
	ch := make(chan prometheus.Metric, 16)
	go func() {
		cv.Collect(ch)
		close(ch)
	}()
	for metric := range ch {
		m := &dto.Metric{}
		if err := metric.Write(m); err != nil || m.Counter == nil {
			continue
		}
		label := ""
		if len(m.GetLabel()) > 0 {
			label = m.GetLabel()[0].GetValue()
		}
		out[label] = m.GetCounter().GetValue()
	}
	return out
}
