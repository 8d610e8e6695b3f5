package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "buildstate"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once               sync.Once
	roundDuration      *prom.HistogramVec
	roundOutcome       *prom.CounterVec
	dirtySources       *prom.GaugeVec
	outputsDeleted     *prom.CounterVec
	deleteFailures     *prom.CounterVec
	builderConflicts   *prom.CounterVec
	checkpointDuration *prom.HistogramVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.roundDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Duration of build rounds from scan to commit",
			Buckets:   prom.DefBuckets,
		}, []string{"target"})
		pr.roundOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "round_outcomes_total",
			Help:      "Build rounds by final outcome",
		}, []string{"target", "outcome"})
		pr.dirtySources = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "dirty_sources",
			Help:      "Sources scheduled for recompilation in the current round",
		}, []string{"target"})
		pr.outputsDeleted = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "outputs_deleted_total",
			Help:      "Stale output files deleted from disk",
		}, []string{"target"})
		pr.deleteFailures = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "output_delete_failures_total",
			Help:      "Output files that could not be deleted and were kept registered",
		}, []string{"target"})
		pr.builderConflicts = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "builder_conflicts_total",
			Help:      "Outputs registered by more than one builder",
		}, []string{"target"})
		pr.checkpointDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_duration_seconds",
			Help:      "Duration of persisting target state",
			Buckets:   prom.DefBuckets,
		}, []string{"backend", "result"})
		reg.MustRegister(pr.roundDuration, pr.roundOutcome, pr.dirtySources, pr.outputsDeleted,
			pr.deleteFailures, pr.builderConflicts, pr.checkpointDuration)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveRoundDuration(target string, d time.Duration) {
	if p == nil || p.roundDuration == nil {
		return
	}
	p.roundDuration.WithLabelValues(target).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncRoundOutcome(target string, outcome OutcomeLabel) {
	if p == nil || p.roundOutcome == nil {
		return
	}
	p.roundOutcome.WithLabelValues(target, string(outcome)).Inc()
}

func (p *PrometheusRecorder) SetDirtySources(target string, n int) {
	if p == nil || p.dirtySources == nil {
		return
	}
	p.dirtySources.WithLabelValues(target).Set(float64(n))
}

func (p *PrometheusRecorder) AddOutputsDeleted(target string, n int) {
	if p == nil || p.outputsDeleted == nil || n <= 0 {
		return
	}
	p.outputsDeleted.WithLabelValues(target).Add(float64(n))
}

func (p *PrometheusRecorder) IncOutputDeleteFailure(target string) {
	if p == nil || p.deleteFailures == nil {
		return
	}
	p.deleteFailures.WithLabelValues(target).Inc()
}

func (p *PrometheusRecorder) IncBuilderConflict(target string) {
	if p == nil || p.builderConflicts == nil {
		return
	}
	p.builderConflicts.WithLabelValues(target).Inc()
}

func (p *PrometheusRecorder) ObserveCheckpointDuration(backend string, d time.Duration, success bool) {
	if p == nil || p.checkpointDuration == nil {
		return
	}
	res := "failed"
	if success {
		res = "success"
	}
	p.checkpointDuration.WithLabelValues(backend, res).Observe(d.Seconds())
}
