// Package protocol defines the wire contract of the realtime channel.
//
// Client frames arrive as {"op": "...", "data": {...}} and are decoded into
// one typed payload per operation before any of them reaches core logic.
// Server pushes use the same envelope in the other direction.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client → server operations.
const (
	OpGroupJoin    = "group:join"
	OpGroupLeave   = "group:leave"
	OpMessageSend  = "message:send"
	OpMessagesList = "messages:list"
	OpGroupWatch   = "group:watch"
	OpGroupUnwatch = "group:unwatch"
	OpStudyStart   = "study:start"
	OpStudyStop    = "study:stop"
	OpHeartbeat    = "heartbeat"
)

// Server → client pushes.
const (
	OpGroupJoined      = "group:joined"
	OpMessageNew       = "message:new"
	OpMessagesResult   = "messages:list:result"
	OpGroupRevoked     = "group:revoked"
	OpGroupDeleted     = "group:deleted"
	OpPresenceSnapshot = "study_presence:snapshot"
	OpPresenceUpdate   = "study_presence:update"
	OpError            = "error"
)

// Frame is the envelope shared by both directions.
type Frame struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ChatMessage is the wire shape of a stored chat message.
type ChatMessage struct {
	ID              string `json:"id"`
	GroupID         string `json:"groupId"`
	SenderID        string `json:"senderId"`
	Text            string `json:"text"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
	CreatedAt       int64  `json:"createdAt"` // unix millis, server-assigned
}

// Client payloads.

type Join struct {
	GroupID string `json:"groupId"`
}

type Leave struct {
	GroupID string `json:"groupId"`
}

type Send struct {
	GroupID         string `json:"groupId"`
	Text            string `json:"text"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

type List struct {
	GroupID string `json:"groupId"`
	Limit   int    `json:"limit,omitempty"`
	Before  int64  `json:"before,omitempty"` // unix millis, exclusive
}

type Watch struct {
	GroupID    string   `json:"groupId"`
	MemberUIDs []string `json:"memberUids"`
}

type Unwatch struct {
	GroupID string `json:"groupId"`
}

type StudyStart struct {
	SubjectID string `json:"subjectId,omitempty"`
}

type StudyStop struct{}

type Heartbeat struct{}

// DecodeClient parses a raw client frame into its typed payload. Operations
// that name a group reject an empty groupId here, so core logic never sees
// one.
func DecodeClient(raw []byte) (any, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, NewError(CodeUnknown, "malformed frame")
	}

	unmarshal := func(v any) error {
		if len(f.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(f.Data, v); err != nil {
			return NewError(CodeUnknown, "malformed payload")
		}
		return nil
	}

	switch f.Op {
	case OpGroupJoin:
		var p Join
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.GroupID == "" {
			return nil, NewError(CodeGroupIDRequired, "groupId is required")
		}
		return &p, nil
	case OpGroupLeave:
		var p Leave
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.GroupID == "" {
			return nil, NewError(CodeGroupIDRequired, "groupId is required")
		}
		return &p, nil
	case OpMessageSend:
		var p Send
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.GroupID == "" {
			return nil, NewError(CodeGroupIDRequired, "groupId is required")
		}
		return &p, nil
	case OpMessagesList:
		var p List
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.GroupID == "" {
			return nil, NewError(CodeGroupIDRequired, "groupId is required")
		}
		return &p, nil
	case OpGroupWatch:
		var p Watch
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.GroupID == "" {
			return nil, NewError(CodeGroupIDRequired, "groupId is required")
		}
		return &p, nil
	case OpGroupUnwatch:
		var p Unwatch
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.GroupID == "" {
			return nil, NewError(CodeGroupIDRequired, "groupId is required")
		}
		return &p, nil
	case OpStudyStart:
		var p StudyStart
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return &p, nil
	case OpStudyStop:
		return &StudyStop{}, nil
	case OpHeartbeat:
		return &Heartbeat{}, nil
	default:
		return nil, NewError(CodeUnknown, fmt.Sprintf("unknown op %q", f.Op))
	}
}

// Server payloads.

type Joined struct {
	GroupID string `json:"groupId"`
}

type ListResult struct {
	GroupID  string        `json:"groupId"`
	Messages []ChatMessage `json:"messages"` // newest first
	HasMore  bool          `json:"hasMore"`
}

type Revoked struct {
	GroupID string `json:"groupId"`
}

type Deleted struct {
	GroupID string `json:"groupId"`
}

// ActiveSession describes one in-progress study session inside a snapshot.
type ActiveSession struct {
	SubjectID string `json:"subjectId,omitempty"`
	StartedAt int64  `json:"startedAt"` // unix millis
}

type PresenceSnapshot struct {
	GroupID       string                    `json:"groupId"`
	Day           string                    `json:"day"` // YYYY-MM-DD
	Active        map[string]*ActiveSession `json:"active"`
	TodayMinsBase map[string]int            `json:"todayMinsBase"`
}

type PresenceUpdate struct {
	UID           string `json:"uid"`
	Studying      bool   `json:"studying"`
	SubjectID     string `json:"subjectId,omitempty"`
	StartedAt     int64  `json:"startedAt,omitempty"`
	TodayMinsBase *int   `json:"todayMinsBase,omitempty"`
	Day           string `json:"day,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Push assembles a server frame ready for encoding.
func Push(op string, data any) (Frame, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s payload: %w", op, err)
		}
		raw = b
	}
	return Frame{Op: op, Data: raw}, nil
}

// Encode serializes a frame for the wire.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
