package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DirToEngine = "to_engine"
	DirToClient = "to_client"

	ExitClientClosed = "client_closed"
	ExitEngineExited = "engine_exited"
)

// Metrics is safe to use through a nil pointer; every method then no-ops.
type Metrics struct {
	registry      *prometheus.Registry
	sessionsAct   prometheus.Gauge
	sessionsTotal prometheus.Counter
	sessionDur    prometheus.Histogram
	spawnFailures prometheus.Counter
	engineExits   *prometheus.CounterVec
	frames        *prometheus.CounterVec
	linesDropped  prometheus.Counter
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "bridge"
	}
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	sessionsAct := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "sessions_active"})
	sessionsTotal := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sessions_total"})
	sessionDur := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600},
	})
	spawnFailures := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "engine_spawn_failures_total"})
	engineExits := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "engine_exits_total"}, []string{"reason"})
	frames := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "frames_total"}, []string{"direction"})
	linesDropped := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "lines_dropped_total"})
	r.MustRegister(sessionsAct, sessionsTotal, sessionDur, spawnFailures, engineExits, frames, linesDropped)

	return &Metrics{
		registry:      r,
		sessionsAct:   sessionsAct,
		sessionsTotal: sessionsTotal,
		sessionDur:    sessionDur,
		spawnFailures: spawnFailures,
		engineExits:   engineExits,
		frames:        frames,
		linesDropped:  linesDropped,
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsAct.Inc()
	m.sessionsTotal.Inc()
}

func (m *Metrics) SessionClosed(since time.Time) {
	if m == nil {
		return
	}
	m.sessionsAct.Dec()
	m.sessionDur.Observe(time.Since(since).Seconds())
}

func (m *Metrics) SpawnFailed() {
	if m == nil {
		return
	}
	m.spawnFailures.Inc()
}

func (m *Metrics) EngineExited(reason string) {
	if m == nil {
		return
	}
	m.engineExits.WithLabelValues(reason).Inc()
}

func (m *Metrics) Frame(direction string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(direction).Inc()
}

func (m *Metrics) LineDropped() {
	if m == nil {
		return
	}
	m.linesDropped.Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
