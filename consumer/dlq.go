package consumer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mahtamzz/Reve-sub002/pkg/otelhelper"
)

const (
	eventStream      = "DOMAIN_EVENTS"
	deadLetterStream = "DEAD_LETTERS"
)

// ProvisionStreams ensures the event and dead-letter streams exist.
// CreateOrUpdate keeps startup idempotent across replicas.
func ProvisionStreams(ctx context.Context, js jetstream.JetStream) error {
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      eventStream,
		Subjects:  []string{"evt.>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
	}); err != nil {
		return fmt.Errorf("provision %s: %w", eventStream, err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      deadLetterStream,
		Subjects:  []string{"dlq.>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    30 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
	}); err != nil {
		return fmt.Errorf("provision %s: %w", deadLetterStream, err)
	}
	return nil
}

// NatsDLQ publishes rejected events onto the dead-letter stream with the
// rejection reason in headers, keeping the original payload intact for
// operational replay.
type NatsDLQ struct {
	nc *nats.Conn
}

func NewNatsDLQ(nc *nats.Conn) *NatsDLQ {
	return &NatsDLQ{nc: nc}
}

func (d *NatsDLQ) Publish(ctx context.Context, eventType, reason string, data []byte) error {
	msg := nats.NewMsg("dlq." + subjectToken(eventType))
	msg.Data = data
	msg.Header.Set("Event-Type", eventType)
	msg.Header.Set("Dead-Letter-Reason", reason)
	return otelhelper.TracedPublish(ctx, d.nc, msg)
}

// subjectToken makes an event type safe to use as a single subject token.
func subjectToken(eventType string) string {
	r := strings.NewReplacer(":", "_", ".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(eventType)
}
