// Package broadcast fans frames out to every live connection in a room.
package broadcast

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mahtamzz/Reve-sub002/pkg/otelhelper"
	"github.com/mahtamzz/Reve-sub002/protocol"
	"github.com/mahtamzz/Reve-sub002/registry"
)

// Broadcaster delivers encoded frames through the connection registry. A
// delivery failure on one connection never aborts delivery to the others and
// is never retried synchronously; disconnect cleanup handles the casualty.
type Broadcaster struct {
	reg *registry.Registry

	delivered metric.Int64Counter
	dropped   metric.Int64Counter
	duration  metric.Float64Histogram
}

func New(reg *registry.Registry) *Broadcaster {
	meter := otel.Meter("broadcast")
	delivered, _ := meter.Int64Counter("fanout_frames_delivered_total",
		metric.WithDescription("Frames enqueued to room members"))
	dropped, _ := meter.Int64Counter("fanout_frames_dropped_total",
		metric.WithDescription("Frames dropped due to dead or slow connections"))
	duration, _ := otelhelper.NewDurationHistogram(meter, "fanout_duration_seconds",
		"Time to fan out one frame to all room members")
	return &Broadcaster{
		reg:       reg,
		delivered: delivered,
		dropped:   dropped,
		duration:  duration,
	}
}

// ToRoom encodes the frame once and enqueues it to every live connection in
// the room.
func (b *Broadcaster) ToRoom(ctx context.Context, groupID string, op string, payload any) {
	frame, err := protocol.Push(op, payload)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to build push frame", "op", op, "error", err)
		return
	}
	data, err := frame.Encode()
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode push frame", "op", op, "error", err)
		return
	}

	start := time.Now()
	conns := b.reg.ConnsInRoom(groupID)
	ok, failed := 0, 0
	for _, c := range conns {
		if c.Enqueue(data) {
			ok++
		} else {
			failed++
		}
	}

	attrs := metric.WithAttributes(attribute.String("op", op))
	b.delivered.Add(ctx, int64(ok), attrs)
	if failed > 0 {
		b.dropped.Add(ctx, int64(failed), attrs)
		slog.DebugContext(ctx, "Fan-out skipped dead or slow connections", "room", groupID, "op", op, "skipped", failed)
	}
	b.duration.Record(ctx, time.Since(start).Seconds(), attrs)
}

// ToConns pushes a frame to an explicit set of connections, used for
// directed notices such as revocation.
func (b *Broadcaster) ToConns(ctx context.Context, conns []*registry.Conn, op string, payload any) {
	frame, err := protocol.Push(op, payload)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to build push frame", "op", op, "error", err)
		return
	}
	data, err := frame.Encode()
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode push frame", "op", op, "error", err)
		return
	}
	attrs := metric.WithAttributes(attribute.String("op", op))
	for _, c := range conns {
		if c.Enqueue(data) {
			b.delivered.Add(ctx, 1, attrs)
		} else {
			b.dropped.Add(ctx, 1, attrs)
		}
	}
}
