// Package notify fans approval-task notifications out to operator channels.
// The dispatcher is fire-and-forget: a channel failing, tripping its
// breaker, or exceeding its rate limit is logged and dropped, never
// surfaced to the workflow that opened the task. Channels are selected by
// MAN_NOTIFICATION_CHANNELS; console is always safe and is the default.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/manmode"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/telemetry"
)

// DefaultDashboardURL is where notifications point reviewers when
// MAN_DASHBOARD_URL is unset.
const DefaultDashboardURL = "https://apex.app/man/tasks"

// Notification is the channel-neutral payload rendered per channel.
type Notification struct {
	TaskID       string    `json:"task_id"`
	TenantID     string    `json:"tenant_id"`
	WorkflowID   string    `json:"workflow_id"`
	StepID       string    `json:"step_id"`
	Tool         string    `json:"tool"`
	Lane         string    `json:"lane"`
	RiskScore    float64   `json:"risk_score"`
	Reasons      []string  `json:"reasons"`
	DashboardURL string    `json:"dashboard_url"`
	CreatedAt    time.Time `json:"created_at"`
}

// TaskURL is the deep link to the task on the review dashboard.
func (n Notification) TaskURL() string {
	return strings.TrimSuffix(n.DashboardURL, "/") + "/" + n.TaskID
}

// Subject renders the one-line summary shared by email and console.
func (n Notification) Subject() string {
	return fmt.Sprintf("[MAN Mode] Approval Required: %s (%s)", n.Tool, n.Lane)
}

// Channel delivers a notification over one transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Config selects and parameterizes channels. FromEnv fills it from the
// MAN_NOTIFICATION_* variables.
type Config struct {
	// Channels lists enabled channel names: console, webhook, slack, email.
	Channels []string

	// DashboardURL is the reviewer dashboard base URL.
	DashboardURL string

	// WebhookURL receives the raw notification JSON.
	WebhookURL string

	// SlackWebhookURL receives the Block Kit message.
	SlackWebhookURL string

	// EmailEndpoint receives {to, subject, body} posts.
	EmailEndpoint string

	// EmailTo is the recipient the email channel addresses.
	EmailTo string

	// RatePerChannel caps notifications per second per channel. Zero means
	// one per second with a small burst.
	RatePerChannel rate.Limit
}

// FromEnv reads the notification configuration from the environment.
func FromEnv() Config {
	channels := []string{"console"}
	if raw := os.Getenv("MAN_NOTIFICATION_CHANNELS"); raw != "" {
		channels = channels[:0]
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				channels = append(channels, name)
			}
		}
	}
	dashboard := os.Getenv("MAN_DASHBOARD_URL")
	if dashboard == "" {
		dashboard = DefaultDashboardURL
	}
	return Config{
		Channels:        channels,
		DashboardURL:    dashboard,
		WebhookURL:      os.Getenv("MAN_NOTIFICATION_WEBHOOK_URL"),
		SlackWebhookURL: os.Getenv("MAN_SLACK_WEBHOOK_URL"),
		EmailEndpoint:   os.Getenv("MAN_EMAIL_NOTIFICATION_ENDPOINT"),
		EmailTo:         os.Getenv("MAN_EMAIL_NOTIFICATION_TO"),
	}
}

// Dispatcher implements the runtime Notifier contract over a channel set.
type Dispatcher struct {
	channels     []Channel
	limiters     map[string]*rate.Limiter
	dashboardURL string
	logger       telemetry.Logger
}

// NewDispatcher builds a dispatcher from explicit channels.
func NewDispatcher(cfg Config, logger telemetry.Logger, channels ...Channel) *Dispatcher {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	dashboard := cfg.DashboardURL
	if dashboard == "" {
		dashboard = DefaultDashboardURL
	}
	limit := cfg.RatePerChannel
	if limit <= 0 {
		limit = rate.Limit(1)
	}
	limiters := make(map[string]*rate.Limiter, len(channels))
	for _, ch := range channels {
		limiters[ch.Name()] = rate.NewLimiter(limit, 5)
	}
	return &Dispatcher{
		channels:     channels,
		limiters:     limiters,
		dashboardURL: dashboard,
		logger:       logger,
	}
}

// FromConfig assembles the configured channel set. Unknown channel names
// and channels missing their endpoint are skipped with a warning so one
// typo does not silence the rest.
func FromConfig(cfg Config, logger telemetry.Logger, httpClient *http.Client) *Dispatcher {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	var channels []Channel
	for _, name := range cfg.Channels {
		switch name {
		case "console":
			channels = append(channels, NewConsoleChannel(logger))
		case "webhook":
			if cfg.WebhookURL == "" {
				logger.Warn(context.Background(), "webhook channel enabled without MAN_NOTIFICATION_WEBHOOK_URL, skipping")
				continue
			}
			channels = append(channels, NewWebhookChannel(cfg.WebhookURL, httpClient))
		case "slack":
			if cfg.SlackWebhookURL == "" {
				logger.Warn(context.Background(), "slack channel enabled without MAN_SLACK_WEBHOOK_URL, skipping")
				continue
			}
			channels = append(channels, NewSlackChannel(cfg.SlackWebhookURL, httpClient))
		case "email":
			if cfg.EmailEndpoint == "" {
				logger.Warn(context.Background(), "email channel enabled without MAN_EMAIL_NOTIFICATION_ENDPOINT, skipping")
				continue
			}
			channels = append(channels, NewEmailChannel(cfg.EmailEndpoint, cfg.EmailTo, httpClient))
		default:
			logger.Warn(context.Background(), "unknown notification channel", "channel", name)
		}
	}
	return NewDispatcher(cfg, logger, channels...)
}

// NotifyTaskCreated renders the task and sends it to every channel. Always
// returns nil: delivery is advisory, the approval gate does not depend on it.
func (d *Dispatcher) NotifyTaskCreated(ctx context.Context, task *manmode.ManTask) error {
	if task == nil {
		return nil
	}
	n := Notification{
		TaskID:       task.ID,
		TenantID:     task.TenantID,
		WorkflowID:   task.WorkflowID,
		StepID:       task.StepID,
		Tool:         task.ToolName,
		Lane:         string(manmode.LaneRed),
		RiskScore:    task.RiskScore,
		Reasons:      task.RiskReasons,
		DashboardURL: d.dashboardURL,
		CreatedAt:    task.CreatedAt,
	}
	for _, ch := range d.channels {
		if lim := d.limiters[ch.Name()]; lim != nil && !lim.Allow() {
			d.logger.Warn(ctx, "notification rate limited", "channel", ch.Name(), "task_id", n.TaskID)
			continue
		}
		if err := ch.Send(ctx, n); err != nil {
			d.logger.Warn(ctx, "notification delivery failed", "channel", ch.Name(), "task_id", n.TaskID, "err", err)
		}
	}
	return nil
}
