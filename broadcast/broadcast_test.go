package broadcast

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mahtamzz/Reve-sub002/protocol"
	"github.com/mahtamzz/Reve-sub002/registry"
)

func drain(t *testing.T, c *registry.Conn) []protocol.Frame {
	t.Helper()
	var frames []protocol.Frame
	for {
		select {
		case data := <-c.Outbound():
			var f protocol.Frame
			require.NoError(t, json.Unmarshal(data, &f))
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func TestToRoomDeliversToAllMembers(t *testing.T) {
	reg := registry.New()
	a := registry.NewConn("a", "u1", 8)
	b := registry.NewConn("b", "u2", 8)
	reg.Register(a)
	reg.Register(b)
	reg.JoinRoom("a", "g1")
	reg.JoinRoom("b", "g1")

	bc := New(reg)
	bc.ToRoom(context.Background(), "g1", protocol.OpMessageNew, protocol.ChatMessage{ID: "m1", GroupID: "g1"})

	for _, c := range []*registry.Conn{a, b} {
		frames := drain(t, c)
		require.Len(t, frames, 1)
		require.Equal(t, protocol.OpMessageNew, frames[0].Op)
	}
}

func TestToRoomSkipsNonMembers(t *testing.T) {
	reg := registry.New()
	a := registry.NewConn("a", "u1", 8)
	b := registry.NewConn("b", "u2", 8)
	reg.Register(a)
	reg.Register(b)
	reg.JoinRoom("a", "g1")

	bc := New(reg)
	bc.ToRoom(context.Background(), "g1", protocol.OpMessageNew, protocol.ChatMessage{ID: "m1"})

	require.Len(t, drain(t, a), 1)
	require.Empty(t, drain(t, b))
}

func TestToRoomSurvivesDeadConnection(t *testing.T) {
	reg := registry.New()
	a := registry.NewConn("a", "u1", 8)
	dead := registry.NewConn("dead", "u2", 8)
	reg.Register(a)
	reg.Register(dead)
	reg.JoinRoom("a", "g1")
	reg.JoinRoom("dead", "g1")

	// Snapshot-then-die: kill the conn outside the registry to simulate the
	// race; Enqueue must fail without aborting delivery to the rest.
	reg.Unregister("dead")

	bc := New(reg)
	bc.ToRoom(context.Background(), "g1", protocol.OpGroupDeleted, protocol.Deleted{GroupID: "g1"})

	require.Len(t, drain(t, a), 1)
}

func TestToConnsDirectedPush(t *testing.T) {
	reg := registry.New()
	a := registry.NewConn("a", "u1", 8)
	reg.Register(a)

	bc := New(reg)
	bc.ToConns(context.Background(), []*registry.Conn{a}, protocol.OpGroupRevoked, protocol.Revoked{GroupID: "g1"})

	frames := drain(t, a)
	require.Len(t, frames, 1)
	require.Equal(t, protocol.OpGroupRevoked, frames[0].Op)

	var p protocol.Revoked
	require.NoError(t, json.Unmarshal(frames[0].Data, &p))
	require.Equal(t, "g1", p.GroupID)
}
