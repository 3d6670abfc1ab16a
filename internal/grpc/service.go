package grpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ronappleton/mitigation-orchestrator/internal/workflow"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type SignalService struct {
	svc *workflow.Service
}

func NewSignalService(svc *workflow.Service) *SignalService {
	return &SignalService{svc: svc}
}

func (s *SignalService) Trigger(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	tr := workflow.TriggerRequest{
		InstructionID: stringField(fields, "instruction_id"),
		TriggeredBy:   stringField(fields, "triggered_by"),
		WorkflowID:    stringField(fields, "workflow_id"),
	}
	if data, ok := fields["trigger_data"].(map[string]any); ok {
		tr.TriggerData = data
	}
	if tr.TriggeredBy == "" {
		tr.TriggeredBy = "grpc"
	}
	exec, err := s.svc.TriggerWorkflow(ctx, tr)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(exec)
}

func (s *SignalService) GetExecution(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	exec, err := s.svc.GetExecution(ctx, stringField(req.AsMap(), "execution_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(exec)
}

func (s *SignalService) CancelExecution(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	id := stringField(fields, "execution_id")
	ok, err := s.svc.CancelExecution(ctx, id, stringField(fields, "reason"))
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"execution_id": id, "changed": ok})
}

func stringField(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return v
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, workflow.ErrExecutionNotFound), errors.Is(err, workflow.ErrWorkflowNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, workflow.ErrNoApplicableWorkflow), errors.Is(err, workflow.ErrWorkflowInactive):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, workflow.ErrInvalidRequest), errors.Is(err, workflow.ErrInvalidWorkflow):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
