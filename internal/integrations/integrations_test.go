package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ronappleton/mitigation-orchestrator/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWebhookNotifierPostsNotification(t *testing.T) {
	var got workflow.Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/notifications", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"message_id":"m-1","recipients":1}`))
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL+"/", time.Second)
	d, err := n.Notify(context.Background(), workflow.Notification{
		ExecutionID: "exec-1",
		Recipients:  []string{"ops@example.com", "desk@example.com"},
		Subject:     "settlement at risk",
	})
	require.NoError(t, err)
	assert.Equal(t, "m-1", d.MessageID)
	assert.Equal(t, 1, d.Recipients)
	assert.Equal(t, "settlement at risk", got.Subject)
	assert.Len(t, got.Recipients, 2)
}

func TestWebhookNotifierSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), workflow.Notification{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

type countingNotifier struct{ calls int }

func (c *countingNotifier) Notify(_ context.Context, n workflow.Notification) (workflow.Delivery, error) {
	c.calls++
	return workflow.Delivery{Recipients: len(n.Recipients)}, nil
}

func TestRateLimitedNotifierHonoursContext(t *testing.T) {
	next := &countingNotifier{}
	n := NewRateLimitedNotifier(next, 0.001, 1)

	_, err := n.Notify(context.Background(), workflow.Notification{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = n.Notify(ctx, workflow.Notification{})
	require.Error(t, err)
	assert.Equal(t, 1, next.calls)
}

func TestStaticDirectory(t *testing.T) {
	d := NewStaticDirectory(map[string][]string{"operations": {"ana", "bo"}})

	people, err := d.Resolve(context.Background(), "operations")
	require.NoError(t, err)
	assert.Equal(t, []string{"ana", "bo"}, people)

	people, err = d.Resolve(context.Background(), "treasury")
	require.NoError(t, err)
	assert.Equal(t, []string{"treasury"}, people)

	people, err = d.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, people)
	assert.Equal(t, []string{"operations"}, d.Roles())
}

func TestHTTPActionExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/actions/system_adjustment", r.URL.Path)
		var req workflow.ActionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "increase-buffer", req.Action.ID)
		_, _ = w.Write([]byte(`{"status":"applied"}`))
	}))
	defer srv.Close()

	x, err := NewHTTPActionExecutor(srv.URL, time.Second)
	require.NoError(t, err)
	out, err := x.ExecuteAction(context.Background(), workflow.ActionRequest{
		Action:      workflow.MitigationAction{ID: "increase-buffer", Type: workflow.ActionSystemAdjustment},
		ExecutionID: "exec-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "applied", out["status"])

	_, err = NewHTTPActionExecutor("ftp://nope", time.Second)
	require.Error(t, err)
}

func TestDryRunActions(t *testing.T) {
	out, err := NewDryRunActions(zap.NewNop()).ExecuteAction(context.Background(), workflow.ActionRequest{
		Action: workflow.MitigationAction{ID: "file-claim", Reversible: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "dry_run", out["status"])
	assert.Equal(t, true, out["reversible"])
}

func TestHTTPVerifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/verifications", r.URL.Path)
		_, _ = w.Write([]byte(`{"passed":false,"reason":"funds not received"}`))
	}))
	defer srv.Close()

	res, err := NewHTTPVerifier(srv.URL, time.Second).Verify(context.Background(), workflow.VerificationRequest{Check: "funds"})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, "funds not received", res.Reason)
}

func TestTriggerVerifier(t *testing.T) {
	v := TriggerVerifier{}
	res, err := v.Verify(context.Background(), workflow.VerificationRequest{
		Parameters:  map[string]any{"field": "status", "expect": "SETTLED"},
		TriggerData: map[string]any{"status": "SETTLED"},
	})
	require.NoError(t, err)
	assert.True(t, res.Passed)

	res, err = v.Verify(context.Background(), workflow.VerificationRequest{
		Check:       "buffer_applied",
		TriggerData: map[string]any{"verified_checks": []any{"buffer_applied"}},
	})
	require.NoError(t, err)
	assert.True(t, res.Passed)

	res, err = v.Verify(context.Background(), workflow.VerificationRequest{Check: "funds"})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Reason, "funds")
}

func TestWriterAuditSinkWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterAuditSink(&buf)
	require.NoError(t, sink.Record(context.Background(), workflow.AuditRecord{ID: "a1", ExecutionID: "exec-1"}))
	require.NoError(t, sink.Record(context.Background(), workflow.AuditRecord{ID: "a2", ExecutionID: "exec-1"}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var rec workflow.AuditRecord
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, "a2", rec.ID)
}

type fakePutter struct {
	bucket, key, contentType string
	body                     []byte
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.bucket = *in.Bucket
	f.key = *in.Key
	f.contentType = *in.ContentType
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3AuditSinkKeysByExecution(t *testing.T) {
	put := &fakePutter{}
	sink := NewS3AuditSink(put, "audit-bucket", "mitigation-audit/")
	require.NoError(t, sink.Record(context.Background(), workflow.AuditRecord{ID: "a1", ExecutionID: "exec-9", Notes: "closed"}))

	assert.Equal(t, "audit-bucket", put.bucket)
	assert.Equal(t, "mitigation-audit/exec-9/a1.json", put.key)
	assert.Equal(t, "application/json", put.contentType)
	assert.Contains(t, string(put.body), `"notes":"closed"`)
}
