package signalworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ronappleton/mitigation-orchestrator/internal/workflow"
	"go.uber.org/zap"
)

// Triggerer starts mitigation for a risk signal.
type Triggerer interface {
	TriggerWorkflow(ctx context.Context, req workflow.TriggerRequest) (workflow.Execution, error)
}

// Worker consumes settlement risk signals from a Redis stream. Each entry
// carries instruction_id and a JSON payload; other fields are optional.
type Worker struct {
	client  *redis.Client
	stream  string
	lastID  string
	block   time.Duration
	count   int64
	trigger Triggerer
	logger  *zap.Logger
}

type Options struct {
	Stream  string
	StartID string
	// Block is how long one read waits for new entries. Negative values
	// return immediately.
	Block time.Duration
	Count int64
}

func New(client *redis.Client, trigger Triggerer, logger *zap.Logger, opts Options) *Worker {
	if opts.StartID == "" {
		opts.StartID = "$"
	}
	if opts.Count <= 0 {
		opts.Count = 50
	}
	return &Worker{
		client:  client,
		stream:  opts.Stream,
		lastID:  opts.StartID,
		block:   opts.Block,
		count:   opts.Count,
		trigger: trigger,
		logger:  logger,
	}
}

func (w *Worker) run(ctx context.Context) {
	w.logger.Info("signal worker consuming", zap.String("stream", w.stream))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := w.Poll(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Warn("signal worker read failed; retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// Poll performs one stream read and triggers workflows for every entry it
// returns. Entries that cannot be handled are logged and skipped.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	res, err := w.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{w.stream, w.lastID},
		Count:   w.count,
		Block:   w.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	handled := 0
	for _, s := range res {
		for _, msg := range s.Messages {
			w.lastID = msg.ID
			if err := w.handle(ctx, msg); err != nil {
				w.logger.Warn("signal worker dropped entry", zap.String("id", msg.ID), zap.Error(err))
				continue
			}
			handled++
		}
	}
	return handled, nil
}

func (w *Worker) handle(ctx context.Context, msg redis.XMessage) error {
	req, err := decodeSignal(msg.Values)
	if err != nil {
		return err
	}
	exec, err := w.trigger.TriggerWorkflow(ctx, req)
	if errors.Is(err, workflow.ErrNoApplicableWorkflow) {
		w.logger.Info("signal below every trigger threshold", zap.String("instruction_id", req.InstructionID))
		return nil
	}
	if err != nil {
		return err
	}
	w.logger.Info("mitigation triggered from stream",
		zap.String("instruction_id", req.InstructionID),
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", exec.WorkflowID),
	)
	return nil
}

func decodeSignal(values map[string]any) (workflow.TriggerRequest, error) {
	req := workflow.TriggerRequest{TriggeredBy: "stream"}
	data := map[string]any{}
	for k, v := range values {
		s := fmt.Sprint(v)
		switch k {
		case "instruction_id":
			req.InstructionID = s
		case "triggered_by":
			req.TriggeredBy = s
		case "workflow_id":
			req.WorkflowID = s
		case "payload":
			if err := json.Unmarshal([]byte(s), &data); err != nil {
				return req, fmt.Errorf("invalid payload: %w", err)
			}
		}
	}
	if strings.TrimSpace(req.InstructionID) == "" {
		if id, ok := data["instruction_id"].(string); ok {
			req.InstructionID = id
		}
	}
	if strings.TrimSpace(req.InstructionID) == "" {
		return req, fmt.Errorf("missing instruction_id")
	}
	req.TriggerData = data
	return req, nil
}
