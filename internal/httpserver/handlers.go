package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ronappleton/mitigation-orchestrator/internal/workflow"
	"go.uber.org/zap"
)

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req workflow.TriggerRequest
	if !decode(w, r, &req) {
		return
	}
	exec, err := s.svc.TriggerWorkflow(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

func (s *Server) handleListForInstruction(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("instruction_id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "instruction_id required")
		return
	}
	items, err := s.svc.ListExecutionsForInstruction(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.svc.ListActiveExecutions(r.Context())})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.svc.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if !decodeOptional(w, r, &body) {
		return
	}
	id := chi.URLParam(r, "id")
	ok, err := s.svc.PauseExecution(r.Context(), id, body.Reason)
	s.transition(w, r, id, ok, err)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.svc.ResumeExecution(r.Context(), id)
	s.transition(w, r, id, ok, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if !decodeOptional(w, r, &body) {
		return
	}
	id := chi.URLParam(r, "id")
	ok, err := s.svc.CancelExecution(r.Context(), id, body.Reason)
	s.transition(w, r, id, ok, err)
}

// transition reports whether a pause, resume or cancel took effect along with
// the execution as it stands afterwards.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, id string, ok bool, err error) {
	if err != nil {
		s.fail(w, err)
		return
	}
	exec, err := s.svc.GetExecution(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": ok, "execution": exec})
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	var d workflow.ApprovalDecision
	if !decode(w, r, &d) {
		return
	}
	if err := s.svc.DecideApproval(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "stepId"), d); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.svc.ListPendingApprovals(r.Context())})
}

func (s *Server) handleActiveEscalations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.svc.ListActiveEscalations(r.Context())})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var ack workflow.Acknowledgment
	if !decode(w, r, &ack) {
		return
	}
	if err := s.svc.AcknowledgeEscalation(r.Context(), chi.URLParam(r, "id"), ack); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.svc.ListWorkflows(r.Context())})
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf workflow.Workflow
	if !decode(w, r, &wf) {
		return
	}
	saved, err := s.svc.CreateWorkflow(r.Context(), wf)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.svc.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var patch workflow.WorkflowPatch
	if !decode(w, r, &patch) {
		return
	}
	wf, err := s.svc.UpdateWorkflow(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleWorkflowVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.svc.ListWorkflowVersions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": versions})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("time_frame")
	if raw == "" {
		raw = string(workflow.TimeFrameDaily)
	}
	tf, err := workflow.ParseTimeFrame(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.svc.GenerateWorkflowReport(r.Context(), tf)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrExecutionNotFound),
		errors.Is(err, workflow.ErrWorkflowNotFound),
		errors.Is(err, workflow.ErrApprovalNotFound),
		errors.Is(err, workflow.ErrEscalationNotFound),
		errors.Is(err, workflow.ErrEscalationRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrNoApplicableWorkflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, workflow.ErrAlreadyDecided),
		errors.Is(err, workflow.ErrWorkflowInactive):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrInvalidWorkflow),
		errors.Is(err, workflow.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	return decode(w, r, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
