package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mahtamzz/Reve-sub002/pkg/otelhelper"
)

// Oracle answers whether a user is currently a member of a group. Results
// are never cached by callers; revocation can happen out-of-band at any time.
type Oracle interface {
	IsMember(ctx context.Context, userID, groupID, credential string) (bool, error)
}

type checkRequest struct {
	UserID     string `json:"userId"`
	Credential string `json:"credential"`
}

type checkReply struct {
	IsMember bool `json:"isMember"`
}

// NatsOracle asks the group service over request/reply on
// membership.check.{groupId}. A timeout is a failure, never an implicit
// grant.
type NatsOracle struct {
	nc      *nats.Conn
	timeout time.Duration
}

func NewNatsOracle(nc *nats.Conn, timeout time.Duration) *NatsOracle {
	return &NatsOracle{nc: nc, timeout: timeout}
}

func (o *NatsOracle) IsMember(ctx context.Context, userID, groupID, credential string) (bool, error) {
	data, err := json.Marshal(checkRequest{UserID: userID, Credential: credential})
	if err != nil {
		return false, fmt.Errorf("marshal membership check: %w", err)
	}

	reply, err := otelhelper.TracedRequest(ctx, o.nc, "membership.check."+groupID, data, o.timeout)
	if err != nil {
		return false, fmt.Errorf("membership check for group %s: %w", groupID, err)
	}

	var resp checkReply
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return false, fmt.Errorf("decode membership reply: %w", err)
	}
	return resp.IsMember, nil
}
