package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements Collector with Prometheus counters, a gauge of
// in-flight workers and a handler latency histogram.
type Prometheus struct {
	fetched      *prometheus.CounterVec
	fetchErrors  *prometheus.CounterVec
	finished     *prometheus.CounterVec
	extensions   *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	inflight     *prometheus.GaugeVec
	taskDuration *prometheus.HistogramVec
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus creates the collectors and registers them with reg
// (prometheus.DefaultRegisterer when nil). An empty namespace defaults to
// "taskclaim".
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "taskclaim"
	}

	p := &Prometheus{
		fetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_fetched_total",
			Help:      "Tasks returned by fetch-and-lock, by topic.",
		}, []string{"topic"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Failed fetch-and-lock calls, by topic.",
		}, []string{"topic"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal worker state, by topic and outcome.",
		}, []string{"topic", "outcome"}),
		extensions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_extensions_total",
			Help:      "Lock renewal attempts, by topic and result.",
		}, []string{"topic", "result"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_dropped_total",
			Help:      "Complete or fail reports given up on, by topic and kind.",
		}, []string{"topic", "kind"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_inflight",
			Help:      "Workers currently holding a task, by topic.",
		}, []string{"topic"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from dispatch to terminal state, by topic.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"topic"}),
	}

	for _, c := range []prometheus.Collector{
		p.fetched, p.fetchErrors, p.finished, p.extensions, p.dropped, p.inflight, p.taskDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Prometheus) TasksFetched(topic string, n int) {
	p.fetched.WithLabelValues(topic).Add(float64(n))
}

func (p *Prometheus) FetchFailed(topic string) {
	p.fetchErrors.WithLabelValues(topic).Inc()
}

func (p *Prometheus) WorkerStarted(topic string) {
	p.inflight.WithLabelValues(topic).Inc()
}

func (p *Prometheus) WorkerFinished(topic, outcome string, elapsed time.Duration) {
	p.inflight.WithLabelValues(topic).Dec()
	p.finished.WithLabelValues(topic, outcome).Inc()
	p.taskDuration.WithLabelValues(topic).Observe(elapsed.Seconds())
}

func (p *Prometheus) LockExtended(topic, result string) {
	p.extensions.WithLabelValues(topic, result).Inc()
}

func (p *Prometheus) ReportDropped(topic, kind string) {
	p.dropped.WithLabelValues(topic, kind).Inc()
}
