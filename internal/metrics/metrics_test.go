package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ronappleton/mitigation-orchestrator/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveExecutionLifecycle(t *testing.T) {
	m := New(prometheus.NewRegistry())
	bus := workflow.NewEventBus()
	bus.SubscribeAll(m.Observe)

	bus.Publish(workflow.Event{Type: workflow.EventExecutionStarted, WorkflowID: "wf-1"})
	bus.Publish(workflow.Event{Type: workflow.EventExecutionStarted, WorkflowID: "wf-1"})
	bus.Publish(workflow.Event{Type: workflow.EventStepCompleted, WorkflowID: "wf-1", StepType: workflow.StepNotification})
	bus.Publish(workflow.Event{Type: workflow.EventExecutionFailed, WorkflowID: "wf-1", Data: map[string]any{"effectiveness": 0.5}})
	bus.Publish(workflow.Event{Type: workflow.EventEscalationFinished, Reason: "UNRESOLVED"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ExecutionsStarted.WithLabelValues("wf-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExecutionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExecutionsFinished.WithLabelValues("wf-1", "FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StepOutcomes.WithLabelValues("NOTIFICATION", "step.completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Escalations.WithLabelValues("UNRESOLVED")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Effectiveness))
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.registry = reg
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/v1/executions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/executions/exe_1", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/executions/{id}", "404")))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "mitigation_http_requests_total"))
}
