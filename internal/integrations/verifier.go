package integrations

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ronappleton/mitigation-orchestrator/internal/workflow"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPVerifier asks a verification service whether a check passes.
type HTTPVerifier struct {
	baseURL string
	client  *http.Client
}

func NewHTTPVerifier(baseURL string, timeout time.Duration) *HTTPVerifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPVerifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, req workflow.VerificationRequest) (workflow.VerificationResult, error) {
	body, err := postJSON(ctx, v.client, v.baseURL+"/v1/verifications", req)
	if err != nil {
		return workflow.VerificationResult{}, err
	}
	var res workflow.VerificationResult
	if err := json.Unmarshal(body, &res); err != nil {
		return workflow.VerificationResult{}, fmt.Errorf("decode verification response: %w", err)
	}
	return res, nil
}

// TriggerVerifier checks the signal that started the execution. A check
// named in the step parameters must hold a truthy value in the trigger data
// under the "verified_checks" key, or the "expect" parameter must equal the
// trigger value stored under "field".
type TriggerVerifier struct{}

func (TriggerVerifier) Verify(_ context.Context, req workflow.VerificationRequest) (workflow.VerificationResult, error) {
	if field, ok := req.Parameters["field"].(string); ok && field != "" {
		got, present := req.TriggerData[field]
		want := req.Parameters["expect"]
		if present && fmt.Sprint(got) == fmt.Sprint(want) {
			return workflow.VerificationResult{Passed: true, Details: map[string]any{field: got}}, nil
		}
		return workflow.VerificationResult{Reason: fmt.Sprintf("%s is %v, want %v", field, got, want)}, nil
	}
	checks, _ := req.TriggerData["verified_checks"].([]any)
	for _, c := range checks {
		if c == req.Check {
			return workflow.VerificationResult{Passed: true}, nil
		}
	}
	return workflow.VerificationResult{Reason: "check " + req.Check + " not confirmed"}, nil
}
