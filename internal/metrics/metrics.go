package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ronappleton/mitigation-orchestrator/internal/workflow"
	"go.uber.org/fx"
)

var httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Metrics holds the Prometheus instruments fed from domain events and the
// HTTP layer.
type Metrics struct {
	ExecutionsStarted  *prometheus.CounterVec
	ExecutionsFinished *prometheus.CounterVec
	ExecutionsActive   prometheus.Gauge
	StepOutcomes       *prometheus.CounterVec
	StepTimeouts       *prometheus.CounterVec
	Escalations        *prometheus.CounterVec
	ApprovalsRequested prometheus.Counter
	Effectiveness      *prometheus.HistogramVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExecutionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mitigation_executions_started_total",
			Help: "Workflow executions started.",
		}, []string{"workflow_id"}),
		ExecutionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mitigation_executions_finished_total",
			Help: "Workflow executions that reached a terminal state.",
		}, []string{"workflow_id", "status"}),
		ExecutionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mitigation_executions_active",
			Help: "Executions started and not yet finished.",
		}),
		StepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mitigation_step_outcomes_total",
			Help: "Step transitions by step type and outcome.",
		}, []string{"step_type", "outcome"}),
		StepTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mitigation_step_timeouts_total",
			Help: "Steps flagged by the execution monitor.",
		}, []string{"workflow_id"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mitigation_escalations_total",
			Help: "Escalations by outcome.",
		}, []string{"outcome"}),
		ApprovalsRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mitigation_approvals_requested_total",
			Help: "Approval requests raised by approval steps.",
		}),
		Effectiveness: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mitigation_execution_effectiveness",
			Help:    "Effectiveness of finished executions.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"workflow_id"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mitigation_http_requests_total",
			Help: "HTTP requests served.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mitigation_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
	}
	reg.MustRegister(
		m.ExecutionsStarted, m.ExecutionsFinished, m.ExecutionsActive,
		m.StepOutcomes, m.StepTimeouts, m.Escalations, m.ApprovalsRequested,
		m.Effectiveness, m.HTTPRequestsTotal, m.HTTPRequestDuration,
	)
	return m
}

// Observe folds one domain event into the instruments.
func (m *Metrics) Observe(ev workflow.Event) {
	switch ev.Type {
	case workflow.EventExecutionStarted:
		m.ExecutionsStarted.WithLabelValues(ev.WorkflowID).Inc()
		m.ExecutionsActive.Inc()
	case workflow.EventExecutionCompleted, workflow.EventExecutionFailed, workflow.EventExecutionCancelled:
		status := map[workflow.EventType]string{
			workflow.EventExecutionCompleted: string(workflow.StatusCompleted),
			workflow.EventExecutionFailed:    string(workflow.StatusFailed),
			workflow.EventExecutionCancelled: string(workflow.StatusCancelled),
		}[ev.Type]
		m.ExecutionsFinished.WithLabelValues(ev.WorkflowID, status).Inc()
		m.ExecutionsActive.Dec()
		if v, ok := ev.Data["effectiveness"].(float64); ok {
			m.Effectiveness.WithLabelValues(ev.WorkflowID).Observe(v)
		}
	case workflow.EventStepCompleted, workflow.EventStepFailed, workflow.EventStepRetrying,
		workflow.EventStepSkipped, workflow.EventStepBlocked:
		m.StepOutcomes.WithLabelValues(string(ev.StepType), string(ev.Type)).Inc()
	case workflow.EventStepTimeout:
		m.StepTimeouts.WithLabelValues(ev.WorkflowID).Inc()
	case workflow.EventEscalationFinished:
		m.Escalations.WithLabelValues(ev.Reason).Inc()
	case workflow.EventApprovalRequested:
		m.ApprovalsRequested.Inc()
	}
}

// Middleware records request counts and latency keyed by the chi route
// pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		pattern := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry the metrics were created on.
func (m *Metrics) Handler() http.Handler {
	if m.registry != nil {
		return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func Module() fx.Option {
	return fx.Options(
		fx.Provide(func() *Metrics {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			m := New(reg)
			m.registry = reg
			return m
		}),
		fx.Invoke(func(m *Metrics, bus *workflow.EventBus) {
			bus.SubscribeAll(m.Observe)
		}),
	)
}
