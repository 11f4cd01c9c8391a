// Package nats mirrors workflow events onto a JetStream stream. Every
// appended AgentEvent is published (already redacted and truncated by the
// mirror activity) to omnitrace.events.<event_type> with the omnitrace
// event key as the message ID, so replayed workflow histories collapse to
// one message server-side inside the duplicate window.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName holds the mirrored event log.
	StreamName = "OMNITRACE_EVENTS"

	// SubjectPrefix roots every event subject.
	SubjectPrefix = "omnitrace.events"

	// DuplicateWindow is how long the server deduplicates message IDs.
	DuplicateWindow = 2 * time.Minute
)

// publisher is the slice of jetstream.JetStream the mirror uses.
type publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Mirror implements the runtime event mirror contract over JetStream.
type Mirror struct {
	js publisher
}

// New connects the mirror to JetStream and ensures the stream exists.
func New(ctx context.Context, nc *nats.Conn) (*Mirror, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Mirrored agent workflow events",
		Subjects:    []string{SubjectPrefix + ".>"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		Duplicates:  DuplicateWindow,
	}); err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", StreamName, err)
	}
	return &Mirror{js: js}, nil
}

// Publish sends one event. The key doubles as the JetStream message ID, so
// publishing the same event twice lands one message.
func (m *Mirror) Publish(ctx context.Context, eventKey string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	subject := Subject(eventType(payload))
	if _, err := m.js.Publish(ctx, subject, data, jetstream.WithMsgID(eventKey)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subject renders the stream subject for an event type.
func Subject(eventType string) string {
	return SubjectPrefix + "." + sanitizeToken(eventType)
}

func eventType(payload map[string]any) string {
	if t, ok := payload["event_type"].(string); ok && t != "" {
		return t
	}
	return "unknown"
}

// sanitizeToken keeps the event type a single valid subject token.
func sanitizeToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		default:
			return r
		}
	}, s)
}
