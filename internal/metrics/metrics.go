package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatgate"

// Metrics groups the collectors exported on /metrics. A nil *Metrics is valid
// and records nothing, so packages can take one optionally.
type Metrics struct {
	// ExchangesTotal counts chat exchanges by outcome.
	// Labels: outcome (completed, resolution_error, generation_error, persist_error, canceled)
	ExchangesTotal *prometheus.CounterVec

	// FlushesTotal counts coalesced model events by what triggered the flush.
	// Labels: trigger (timer, size, final)
	FlushesTotal *prometheus.CounterVec

	// StoreOpSeconds measures message store operations including queue wait.
	// Labels: op (read_all, append, clear), status (ok, error)
	StoreOpSeconds *prometheus.HistogramVec

	MalformedRecordsTotal prometheus.Counter

	// ModelListTotal counts model discovery lookups.
	// Labels: source (cache, upstream, error)
	ModelListTotal *prometheus.CounterVec

	ActiveStreams prometheus.Gauge

	// StoreQueueDepth is the number of store jobs waiting for a worker.
	StoreQueueDepth prometheus.Gauge

	// StoreWorkers counts store workers.
	// Labels: state (live, idle)
	StoreWorkers *prometheus.GaugeVec
}

// New registers the collectors on reg. Passing nil uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ExchangesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "exchanges_total",
			Help:      "Chat exchanges by outcome",
		}, []string{"outcome"}),
		FlushesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "flushes_total",
			Help:      "Model events emitted by flush trigger",
		}, []string{"trigger"}),
		StoreOpSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_seconds",
			Help:      "Message store operation latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"op", "status"}),
		MalformedRecordsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "malformed_records_total",
			Help:      "History rows skipped because they could not be decoded",
		}),
		ModelListTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "models",
			Name:      "list_total",
			Help:      "Model discovery lookups by source",
		}, []string{"source"}),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "active_streams",
			Help:      "Chat streams currently open",
		}),
		StoreQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "queue_depth",
			Help:      "Store jobs waiting for a worker",
		}),
		StoreWorkers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "workers",
			Help:      "Store workers by state",
		}, []string{"state"}),
	}
}

func (m *Metrics) Exchange(outcome string) {
	if m == nil {
		return
	}
	m.ExchangesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Flush(trigger string) {
	if m == nil {
		return
	}
	m.FlushesTotal.WithLabelValues(trigger).Inc()
}

// ObserveStore records one store operation started at start.
func (m *Metrics) ObserveStore(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StoreOpSeconds.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

func (m *Metrics) MalformedRecords(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MalformedRecordsTotal.Add(float64(n))
}

func (m *Metrics) ModelList(source string) {
	if m == nil {
		return
	}
	m.ModelListTotal.WithLabelValues(source).Inc()
}

// StreamOpened bumps the active stream gauge and returns the matching decrement.
func (m *Metrics) StreamOpened() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveStreams.Inc()
	return m.ActiveStreams.Dec
}

// StorePool records the store worker pool after an operation.
func (m *Metrics) StorePool(pending, live, idle int) {
	if m == nil {
		return
	}
	m.StoreQueueDepth.Set(float64(pending))
	m.StoreWorkers.WithLabelValues("live").Set(float64(live))
	m.StoreWorkers.WithLabelValues("idle").Set(float64(idle))
}
