package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-scheduler/internal/domain"
)

// webhookPayload is the expected JSON structure in entry.Payload.
type webhookPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	// ExpectStatus, when set, is the only status code counted as success.
	ExpectStatus int `json:"expect_status"`
}

// WebhookAction makes an outbound HTTP call on every run of the entry.
type WebhookAction struct {
	client *http.Client
}

// NewWebhookAction creates a WebhookAction. A zero timeout defaults to 15s.
func NewWebhookAction(timeout time.Duration) *WebhookAction {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WebhookAction{client: &http.Client{Timeout: timeout}}
}

func (a *WebhookAction) ActionID() string { return "webhook" }

func (a *WebhookAction) Execute(ctx context.Context, entry *domain.Entry) (bool, error) {
	ctx, span := otel.Tracer("actions").Start(ctx, "action.webhook")
	defer span.End()

	var p webhookPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return false, fmt.Errorf("invalid webhook payload: %w", err)
	}
	if p.URL == "" {
		err := errors.New("webhook payload missing required field 'url'")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing 'url' field")
		return false, err
	}
	if p.Method == "" {
		p.Method = http.MethodPost
	}

	span.SetAttributes(
		attribute.String("webhook.url", p.URL),
		attribute.String("webhook.method", p.Method),
		attribute.String("entry.id", entry.ID),
	)

	var body io.Reader
	if p.Body != "" {
		body = strings.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return false, fmt.Errorf("build webhook request: %w", err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Scheduler-Entry", entry.ID)
	req.Header.Set("X-Scheduler-Attempt", fmt.Sprint(entry.Config.RetryCount+1))

	resp, err := a.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return false, fmt.Errorf("webhook call to %s: %w", p.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("webhook %s returned status %d", p.URL, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return false, err
	}
	if p.ExpectStatus != 0 && resp.StatusCode != p.ExpectStatus {
		span.SetStatus(codes.Error, "unexpected status code")
		return false, nil
	}
	return true, nil
}
