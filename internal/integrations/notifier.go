package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ronappleton/mitigation-orchestrator/internal/workflow"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LogNotifier writes notifications to the log instead of delivering them.
type LogNotifier struct {
	log *zap.Logger
	now func() time.Time
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log, now: func() time.Time { return time.Now().UTC() }}
}

func (n *LogNotifier) Notify(_ context.Context, msg workflow.Notification) (workflow.Delivery, error) {
	n.log.Info("notification",
		zap.String("execution_id", msg.ExecutionID),
		zap.String("step_id", msg.StepID),
		zap.Strings("recipients", msg.Recipients),
		zap.Strings("channels", msg.Channels),
		zap.String("subject", msg.Subject),
	)
	return workflow.Delivery{Recipients: len(msg.Recipients), SentAt: n.now()}, nil
}

// WebhookNotifier posts notifications as JSON to a delivery service.
type WebhookNotifier struct {
	url    string
	client *http.Client
	now    func() time.Time
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type deliveryResponse struct {
	MessageID  string `json:"message_id"`
	Recipients *int   `json:"recipients"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, msg workflow.Notification) (workflow.Delivery, error) {
	body, err := postJSON(ctx, n.client, n.url+"/v1/notifications", msg)
	if err != nil {
		return workflow.Delivery{}, err
	}
	d := workflow.Delivery{Recipients: len(msg.Recipients), SentAt: n.now()}
	var resp deliveryResponse
	if len(body) > 0 && json.Unmarshal(body, &resp) == nil {
		d.MessageID = resp.MessageID
		if resp.Recipients != nil {
			d.Recipients = *resp.Recipients
		}
	}
	return d, nil
}

// RateLimitedNotifier caps the delivery rate of the wrapped notifier.
type RateLimitedNotifier struct {
	next    workflow.Notifier
	limiter *rate.Limiter
}

func NewRateLimitedNotifier(next workflow.Notifier, perSecond float64, burst int) *RateLimitedNotifier {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedNotifier{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (n *RateLimitedNotifier) Notify(ctx context.Context, msg workflow.Notification) (workflow.Delivery, error) {
	if err := n.limiter.Wait(ctx); err != nil {
		return workflow.Delivery{}, fmt.Errorf("notification rate limit: %w", err)
	}
	return n.next.Notify(ctx, msg)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return b, fmt.Errorf("http status %d", resp.StatusCode)
	}
	return b, nil
}
