package integrations

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ronappleton/mitigation-orchestrator/internal/workflow"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// HTTPActionExecutor hands mitigation actions to an execution service at
// POST {base}/v1/actions/{type}.
type HTTPActionExecutor struct {
	baseURL string
	client  *http.Client
}

func NewHTTPActionExecutor(baseURL string, timeout time.Duration) (*HTTPActionExecutor, error) {
	if !strings.HasPrefix(strings.ToLower(baseURL), "http") {
		return nil, fmt.Errorf("action service url must be http or https")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPActionExecutor{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}, nil
}

func (x *HTTPActionExecutor) ExecuteAction(ctx context.Context, req workflow.ActionRequest) (map[string]any, error) {
	endpoint := x.baseURL + "/v1/actions/" + url.PathEscape(strings.ToLower(string(req.Action.Type)))
	body, err := postJSON(ctx, x.client, endpoint, req)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("decode action response: %w", err)
		}
	}
	return out, nil
}

// DryRunActions records actions without carrying them out. It is used when
// no action service is configured.
type DryRunActions struct {
	log *zap.Logger
}

func NewDryRunActions(log *zap.Logger) *DryRunActions {
	return &DryRunActions{log: log}
}

func (d *DryRunActions) ExecuteAction(_ context.Context, req workflow.ActionRequest) (map[string]any, error) {
	d.log.Warn("dry-run mitigation action",
		zap.String("execution_id", req.ExecutionID),
		zap.String("action_id", req.Action.ID),
		zap.String("action_type", string(req.Action.Type)),
	)
	return map[string]any{"status": "dry_run", "reversible": req.Action.Reversible}, nil
}
