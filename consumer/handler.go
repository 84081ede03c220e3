package consumer

import (
	"context"
	"encoding/json"
	"fmt"
)

// Domain event types this service reacts to.
const (
	EventUserUpdated   = "user:updated"
	EventMemberRemoved = "group:member_removed"
	EventGroupDeleted  = "group:deleted"
)

type userUpdated struct {
	UID          string  `json:"uid"`
	Username     *string `json:"username,omitempty"`
	PasswordHash *string `json:"passwordHash,omitempty"`
}

type memberRemoved struct {
	GroupID string `json:"groupId"`
	UID     string `json:"uid"`
}

type groupDeleted struct {
	GroupID string `json:"groupId"`
}

// apply runs the mutation for one event. Field mutations are applied one
// by one; a failure partway through returns early so the event is never
// marked processed with half its effects missing.
func (c *Consumer) apply(ctx context.Context, env Envelope) error {
	switch env.Type {
	case EventUserUpdated:
		var p userUpdated
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		if p.UID == "" {
			return fmt.Errorf("%s missing uid", env.Type)
		}
		if p.Username != nil {
			if err := c.users.UpdateUsername(ctx, p.UID, *p.Username); err != nil {
				return fmt.Errorf("update username: %w", err)
			}
		}
		if p.PasswordHash != nil {
			if err := c.users.UpdatePasswordHash(ctx, p.UID, *p.PasswordHash); err != nil {
				return fmt.Errorf("update password hash: %w", err)
			}
		}
		return nil

	case EventMemberRemoved:
		var p memberRemoved
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		if p.GroupID == "" || p.UID == "" {
			return fmt.Errorf("%s missing groupId or uid", env.Type)
		}
		c.notify.RevokeMembership(ctx, p.UID, p.GroupID)
		return nil

	case EventGroupDeleted:
		var p groupDeleted
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		if p.GroupID == "" {
			return fmt.Errorf("%s missing groupId", env.Type)
		}
		c.notify.GroupDeleted(ctx, p.GroupID)
		return nil

	default:
		return fmt.Errorf("unknown event type %q", env.Type)
	}
}
