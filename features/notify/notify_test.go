package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/manmode"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/telemetry"
)

func testTask() *manmode.ManTask {
	return &manmode.ManTask{
		ID:          "task-1",
		TenantID:    "t1",
		WorkflowID:  "agent-workflow-abc",
		StepID:      "s2",
		ToolName:    "delete_record",
		RiskScore:   0.85,
		RiskReasons: []string{"Tool delete_record is irreversible"},
		CreatedAt:   time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
	}
}

type captureChannel struct {
	name string
	err  error

	mu   sync.Mutex
	sent []Notification
}

func (c *captureChannel) Name() string { return c.name }

func (c *captureChannel) Send(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return c.err
}

func (c *captureChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestDispatcherFansOut(t *testing.T) {
	a := &captureChannel{name: "a"}
	b := &captureChannel{name: "b"}
	d := NewDispatcher(Config{}, telemetry.NewNoopLogger(), a, b)

	require.NoError(t, d.NotifyTaskCreated(context.Background(), testTask()))
	require.Equal(t, 1, a.count())
	require.Equal(t, 1, b.count())

	n := a.sent[0]
	assert.Equal(t, "task-1", n.TaskID)
	assert.Equal(t, "RED", n.Lane)
	assert.Equal(t, "[MAN Mode] Approval Required: delete_record (RED)", n.Subject())
	assert.Equal(t, DefaultDashboardURL+"/task-1", n.TaskURL())
}

func TestChannelFailureIsSwallowed(t *testing.T) {
	failing := &captureChannel{name: "a", err: errors.New("boom")}
	healthy := &captureChannel{name: "b"}
	d := NewDispatcher(Config{}, telemetry.NewNoopLogger(), failing, healthy)

	require.NoError(t, d.NotifyTaskCreated(context.Background(), testTask()))
	assert.Equal(t, 1, healthy.count())
}

func TestRateLimitDropsExcess(t *testing.T) {
	ch := &captureChannel{name: "a"}
	d := NewDispatcher(Config{RatePerChannel: rate.Limit(0.001)}, telemetry.NewNoopLogger(), ch)

	// Burst admits the first five, the rest are shed.
	for i := 0; i < 8; i++ {
		require.NoError(t, d.NotifyTaskCreated(context.Background(), testTask()))
	}
	assert.Equal(t, 5, ch.count())
}

func TestWebhookChannelPostsPayload(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, srv.Client())
	d := NewDispatcher(Config{}, telemetry.NewNoopLogger(), ch)
	require.NoError(t, d.NotifyTaskCreated(context.Background(), testTask()))

	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, "delete_record", got.Tool)
	assert.Equal(t, 0.85, got.RiskScore)
}

func TestWebhookBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, srv.Client())
	for i := 0; i < 5; i++ {
		err := ch.Send(context.Background(), Notification{TaskID: "task-1"})
		require.Error(t, err)
	}
	// After three consecutive failures the breaker stops hitting the wire.
	assert.Equal(t, 3, calls)
}

func TestEmailChannelRendersSubject(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	ch := NewEmailChannel(srv.URL, "oncall@apex.app", srv.Client())
	d := NewDispatcher(Config{}, telemetry.NewNoopLogger(), ch)
	require.NoError(t, d.NotifyTaskCreated(context.Background(), testTask()))

	assert.Equal(t, "[MAN Mode] Approval Required: delete_record (RED)", got["subject"])
	assert.Equal(t, "oncall@apex.app", got["to"])
	assert.Contains(t, got["body"], "agent-workflow-abc")
	assert.Contains(t, got["body"], DefaultDashboardURL+"/task-1")
}

func TestSlackChannelPostsBlocks(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL, srv.Client())
	require.NoError(t, ch.Send(context.Background(), Notification{
		TaskID:       "task-1",
		WorkflowID:   "agent-workflow-abc",
		StepID:       "s2",
		TenantID:     "t1",
		Tool:         "delete_record",
		Lane:         "RED",
		RiskScore:    0.85,
		Reasons:      []string{"irreversible"},
		DashboardURL: DefaultDashboardURL,
	}))

	assert.Equal(t, "[MAN Mode] Approval Required: delete_record (RED)", got["text"])
	blocks, ok := got["blocks"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, blocks)
	first, ok := blocks[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "header", first["type"])
}

func TestFromConfigSkipsMisconfiguredChannels(t *testing.T) {
	d := FromConfig(Config{
		Channels:     []string{"console", "webhook", "nonsense"},
		DashboardURL: "https://example.test/man",
	}, telemetry.NewNoopLogger(), nil)

	// Webhook lacks a URL and nonsense is unknown; only console remains.
	require.Len(t, d.channels, 1)
	assert.Equal(t, "console", d.channels[0].Name())
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("MAN_NOTIFICATION_CHANNELS", "")
	t.Setenv("MAN_DASHBOARD_URL", "")
	cfg := FromEnv()
	assert.Equal(t, []string{"console"}, cfg.Channels)
	assert.Equal(t, DefaultDashboardURL, cfg.DashboardURL)
}

func TestFromEnvParsesChannelList(t *testing.T) {
	t.Setenv("MAN_NOTIFICATION_CHANNELS", "console, slack ,webhook")
	t.Setenv("MAN_NOTIFICATION_WEBHOOK_URL", "https://hooks.example.test/man")
	cfg := FromEnv()
	assert.Equal(t, []string{"console", "slack", "webhook"}, cfg.Channels)
	assert.Equal(t, "https://hooks.example.test/man", cfg.WebhookURL)
}
