package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/telemetry"
)

// ConsoleChannel writes notifications to the structured log. It never
// fails, which makes it the safe default channel.
type ConsoleChannel struct {
	logger telemetry.Logger
}

// NewConsoleChannel builds a console channel over the given logger.
func NewConsoleChannel(logger telemetry.Logger) *ConsoleChannel {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &ConsoleChannel{logger: logger}
}

func (c *ConsoleChannel) Name() string { return "console" }

func (c *ConsoleChannel) Send(ctx context.Context, n Notification) error {
	c.logger.Info(ctx, n.Subject(),
		"task_id", n.TaskID,
		"tenant_id", n.TenantID,
		"workflow_id", n.WorkflowID,
		"step_id", n.StepID,
		"risk_score", n.RiskScore,
		"reasons", strings.Join(n.Reasons, "; "),
		"review_url", n.TaskURL(),
	)
	return nil
}

// WebhookChannel posts the raw notification JSON to an operator endpoint.
// A circuit breaker sheds sends while the endpoint is down so a dead
// webhook cannot pile up timeouts behind every task creation.
type WebhookChannel struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewWebhookChannel builds a webhook channel for the URL.
func NewWebhookChannel(url string, client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookChannel{
		url:    url,
		client: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "man-notification-webhook",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, n Notification) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, postJSON(ctx, c.client, c.url, n)
	})
	return err
}

// EmailChannel posts a rendered message to the mail relay endpoint, which
// owns actual delivery.
type EmailChannel struct {
	endpoint string
	to       string
	client   *http.Client
}

// NewEmailChannel builds an email channel. to may be empty when the relay
// resolves recipients from the tenant.
func NewEmailChannel(endpoint, to string, client *http.Client) *EmailChannel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &EmailChannel{endpoint: endpoint, to: to, client: client}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(ctx context.Context, n Notification) error {
	body := fmt.Sprintf(
		"Workflow %s is waiting on approval.\n\nStep: %s\nTool: %s\nRisk score: %.2f\nReasons: %s\n\nReview: %s\n",
		n.WorkflowID, n.StepID, n.Tool, n.RiskScore, strings.Join(n.Reasons, "; "), n.TaskURL(),
	)
	payload := map[string]any{
		"subject": n.Subject(),
		"body":    body,
	}
	if c.to != "" {
		payload["to"] = c.to
	}
	return postJSON(ctx, c.client, c.endpoint, payload)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %s", resp.Status)
	}
	return nil
}
