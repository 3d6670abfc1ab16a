package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ronappleton/mitigation-orchestrator/internal/metrics"
	"go.uber.org/zap"
)

// Routes builds the REST surface. m may be nil, in which case /metrics is
// not served.
func (s *Server) Routes(m *metrics.Metrics) chi.Router {
	r := chi.NewRouter()
	r.Use(s.recoverer)
	if m != nil {
		r.Use(m.Middleware)
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/executions", s.handleTrigger)
		r.Get("/executions", s.handleListForInstruction)
		r.Get("/executions/active", s.handleListActive)
		r.Get("/executions/{id}", s.handleGetExecution)
		r.Post("/executions/{id}/pause", s.handlePause)
		r.Post("/executions/{id}/resume", s.handleResume)
		r.Post("/executions/{id}/cancel", s.handleCancel)
		r.Post("/executions/{id}/steps/{stepId}/approval", s.handleDecideApproval)

		r.Get("/approvals", s.handlePendingApprovals)
		r.Get("/escalations", s.handleActiveEscalations)
		r.Post("/escalations/{id}/acknowledge", s.handleAcknowledge)

		r.Get("/workflows", s.handleListWorkflows)
		r.Post("/workflows", s.handleCreateWorkflow)
		r.Get("/workflows/{id}", s.handleGetWorkflow)
		r.Patch("/workflows/{id}", s.handleUpdateWorkflow)
		r.Get("/workflows/{id}/versions", s.handleWorkflowVersions)

		r.Get("/reports", s.handleReport)
	})
	return r
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic serving request",
					zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
