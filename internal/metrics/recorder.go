package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bnema/questd/internal/domain"
	"github.com/bnema/questd/internal/ports"
)

const namespace = "questd"

// Recorder exports supervisor counters on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	sessionsStarted prometheus.Counter
	sessionsEnded   *prometheus.CounterVec
	messagesDropped *prometheus.CounterVec
	workerExits     *prometheus.CounterVec
	slotTasks       *prometheus.GaugeVec
	globalTasks     prometheus.Gauge
}

var _ ports.MetricsRecorder = (*Recorder)(nil)

func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		sessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions dispatched to a worker.",
		}),
		sessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Sessions that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_messages_dropped_total",
			Help:      "Worker messages that matched no live session.",
		}, []string{"reason"}),
		workerExits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_exits_total",
			Help:      "Worker processes that exited.",
		}, []string{"worker"}),
		slotTasks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_tasks",
			Help:      "Sessions assigned to each worker.",
		}, []string{"worker"}),
		globalTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "global_tasks",
			Help:      "Sessions assigned across all workers.",
		}),
	}
}

func (r *Recorder) SessionStarted() { r.sessionsStarted.Inc() }

func (r *Recorder) SessionEnded(kind domain.EventKind) {
	r.sessionsEnded.WithLabelValues(string(kind)).Inc()
}

func (r *Recorder) MessageDropped(reason string) {
	r.messagesDropped.WithLabelValues(reason).Inc()
}

func (r *Recorder) WorkerExited(index int) {
	r.workerExits.WithLabelValues(strconv.Itoa(index)).Inc()
}

func (r *Recorder) SetSlotTasks(index int, tasks int) {
	r.slotTasks.WithLabelValues(strconv.Itoa(index)).Set(float64(tasks))
}

func (r *Recorder) SetGlobalTasks(tasks int) { r.globalTasks.Set(float64(tasks)) }

func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
