package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// SlackChannel delivers notifications as Block Kit messages through an
// incoming webhook.
type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

// NewSlackChannel builds a slack channel for the incoming-webhook URL.
func NewSlackChannel(webhookURL string, client *http.Client) *SlackChannel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SlackChannel{webhookURL: webhookURL, client: client}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Send(ctx context.Context, n Notification) error {
	header := slack.NewHeaderBlock(
		slack.NewTextBlockObject(slack.PlainTextType, n.Subject(), false, false),
	)
	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Workflow:*\n`%s`", n.WorkflowID), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Step:*\n`%s`", n.StepID), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Tenant:*\n%s", n.TenantID), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Risk score:*\n%.2f", n.RiskScore), false, false),
	}
	details := slack.NewSectionBlock(nil, fields, nil)
	blocks := []slack.Block{header, details}
	if len(n.Reasons) > 0 {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, "*Reasons:* "+strings.Join(n.Reasons, "; "), false, false),
			nil, nil,
		))
	}
	blocks = append(blocks, slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("<%s|Review task>", n.TaskURL()), false, false),
		nil, nil,
	))

	msg := &slack.WebhookMessage{
		Text:   n.Subject(),
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, c.webhookURL, c.client, msg); err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	return nil
}
