// Package consumer applies external domain events to local state exactly
// once. Delivery is at-least-once, so every event carries an id that is
// checked against and recorded in the processed-event ledger; anything
// that cannot be applied goes to a dead-letter stream instead of being
// redelivered.
package consumer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mahtamzz/Reve-sub002/pkg/otelhelper"
)

// Envelope is the wire shape of every domain event.
type Envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Notifier is the gateway surface the consumer drives on membership events.
type Notifier interface {
	RevokeMembership(ctx context.Context, userID, groupID string)
	GroupDeleted(ctx context.Context, groupID string)
}

// UserCache mutates the locally cached user rows.
type UserCache interface {
	UpdateUsername(ctx context.Context, uid, username string) error
	UpdatePasswordHash(ctx context.Context, uid, hash string) error
}

// ProcessedLedger records which event ids have already been applied.
type ProcessedLedger interface {
	Has(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, eventType string) error
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// DeadLetters receives events that will never be retried.
type DeadLetters interface {
	Publish(ctx context.Context, eventType, reason string, data []byte) error
}

type Consumer struct {
	ledger ProcessedLedger
	users  UserCache
	notify Notifier
	dlq    DeadLetters
	log    *slog.Logger

	processed   metric.Int64Counter
	duplicates  metric.Int64Counter
	deadLetters metric.Int64Counter
}

func New(ledger ProcessedLedger, users UserCache, notify Notifier, dlq DeadLetters, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("consumer")
	processed, _ := meter.Int64Counter("events.processed.total")
	duplicates, _ := meter.Int64Counter("events.duplicates.total")
	deadLetters, _ := meter.Int64Counter("events.dead_letters.total")
	return &Consumer{
		ledger:      ledger,
		users:       users,
		notify:      notify,
		dlq:         dlq,
		log:         logger,
		processed:   processed,
		duplicates:  duplicates,
		deadLetters: deadLetters,
	}
}

// Run provisions the streams and durable consumer, then consumes until ctx
// is done. Acks are explicit: an event is acknowledged only after its
// ledger record is written; terminal failures are dead-lettered and
// terminated so the broker never redelivers them.
func (c *Consumer) Run(ctx context.Context, js jetstream.JetStream) error {
	if err := ProvisionStreams(ctx, js); err != nil {
		return err
	}

	stream, err := js.Stream(ctx, eventStream)
	if err != nil {
		return err
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       "realtime-service",
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return err
	}
	c.log.Info("domain event consumer ready", "stream", eventStream, "durable", "realtime-service")

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		natsMsg := &nats.Msg{Subject: msg.Subject(), Data: msg.Data(), Header: msg.Headers()}
		spanCtx, span := otelhelper.StartConsumerSpan(context.Background(), natsMsg, "process domain event")
		defer span.End()

		if c.processEvent(spanCtx, msg.Data()) {
			msg.Ack()
		} else {
			msg.Term()
		}
	})
	if err != nil {
		return err
	}
	defer cc.Stop()

	<-ctx.Done()
	return nil
}

// processEvent runs one delivery end to end. It reports true when the
// event should be acknowledged (applied or duplicate) and false when it
// was dead-lettered.
func (c *Consumer) processEvent(ctx context.Context, data []byte) bool {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.deadLetter(ctx, "unknown", "malformed envelope: "+err.Error(), data)
		return false
	}
	if env.ID == "" || env.Type == "" {
		c.deadLetter(ctx, typeOrUnknown(env.Type), "envelope missing id or type", data)
		return false
	}

	seen, err := c.ledger.Has(ctx, env.ID)
	if err != nil {
		c.deadLetter(ctx, env.Type, "ledger check failed: "+err.Error(), data)
		return false
	}
	if seen {
		c.duplicates.Add(ctx, 1, metric.WithAttributes(attribute.String("type", env.Type)))
		c.log.Debug("duplicate event", "id", env.ID, "type", env.Type)
		return true
	}

	if err := c.apply(ctx, env); err != nil {
		c.deadLetter(ctx, env.Type, err.Error(), data)
		return false
	}

	if err := c.ledger.MarkProcessed(ctx, env.ID, env.Type); err != nil {
		c.deadLetter(ctx, env.Type, "ledger write failed: "+err.Error(), data)
		return false
	}

	c.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("type", env.Type)))
	return true
}

func (c *Consumer) deadLetter(ctx context.Context, eventType, reason string, data []byte) {
	c.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
	c.log.Warn("event dead-lettered", "type", eventType, "reason", reason)
	if err := c.dlq.Publish(ctx, eventType, reason, data); err != nil {
		c.log.Error("dead letter publish failed", "type", eventType, "error", err)
	}
}

// RunPruner trims old ledger rows on a ticker. Retention only has to
// exceed the broker's redelivery horizon, not be infinite.
func (c *Consumer) RunPruner(ctx context.Context, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.ledger.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				c.log.Error("ledger prune failed", "error", err)
				continue
			}
			if n > 0 {
				c.log.Info("ledger pruned", "rows", n)
			}
		}
	}
}

func typeOrUnknown(t string) string {
	if t == "" {
		return "unknown"
	}
	return t
}
