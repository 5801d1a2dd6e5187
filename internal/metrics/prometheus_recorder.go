package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	stepDuration *prom.HistogramVec
	taskDuration *prom.HistogramVec
	stepResults  *prom.CounterVec
	taskOutcomes *prom.CounterVec
	runningTasks prom.Gauge
	cloneResults *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers the pipeline metrics.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		stepDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "packflow",
			Name:      "step_duration_seconds",
			Help:      "Duration of individual pipeline steps",
			Buckets:   prom.ExponentialBuckets(0.1, 3, 10),
		}, []string{"step"}),
		taskDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "packflow",
			Name:      "task_duration_seconds",
			Help:      "Total task duration by mode",
			Buckets:   prom.ExponentialBuckets(1, 3, 10),
		}, []string{"mode"}),
		stepResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "packflow",
			Name:      "step_results_total",
			Help:      "Step result counts by outcome",
		}, []string{"step", "result"}),
		taskOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "packflow",
			Name:      "task_outcomes_total",
			Help:      "Task outcomes by final status",
		}, []string{"outcome"}),
		runningTasks: prom.NewGauge(prom.GaugeOpts{
			Namespace: "packflow",
			Name:      "running_tasks",
			Help:      "Tasks currently executing",
		}),
		cloneResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "packflow",
			Name:      "clone_results_total",
			Help:      "Clone results by success/failure",
		}, []string{"result"}),
	}
	reg.MustRegister(pr.stepDuration, pr.taskDuration, pr.stepResults, pr.taskOutcomes, pr.runningTasks, pr.cloneResults)
	return pr
}

func (p *PrometheusRecorder) ObserveStepDuration(step string, d time.Duration) {
	p.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveTaskDuration(mode string, d time.Duration) {
	p.taskDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStepResult(step string, result ResultLabel) {
	p.stepResults.WithLabelValues(step, string(result)).Inc()
}

func (p *PrometheusRecorder) IncTaskOutcome(outcome string) {
	p.taskOutcomes.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) SetRunningTasks(n int) {
	p.runningTasks.Set(float64(n))
}

func (p *PrometheusRecorder) IncCloneResult(result ResultLabel) {
	p.cloneResults.WithLabelValues(string(result)).Inc()
}

// HTTPHandler serves the registry in Prometheus exposition format.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
