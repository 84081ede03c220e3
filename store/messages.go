// Package store holds the thin Postgres repositories the realtime service
// consumes: the message store, the daily-minutes totals, the processed-event
// ledger, and the cached-user mirror. None of the data here is owned by this
// service; the durable truth lives with the collaborator services.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mahtamzz/Reve-sub002/protocol"
)

// Messages appends and pages chat messages. A partial unique index on
// (group_id, sender_id, client_message_id) collapses retried sends into the
// original row.
type Messages struct {
	db         *sql.DB
	insert     *sql.Stmt
	listLatest *sql.Stmt
	listBefore *sql.Stmt
}

func NewMessages(db *sql.DB) (*Messages, error) {
	insert, err := db.Prepare(
		`INSERT INTO messages (id, group_id, sender_id, text, client_message_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (group_id, sender_id, client_message_id) WHERE client_message_id IS NOT NULL
		 DO UPDATE SET text = messages.text
		 RETURNING id, text, created_at`)
	if err != nil {
		return nil, fmt.Errorf("prepare message insert: %w", err)
	}
	listLatest, err := db.Prepare(
		`SELECT id, group_id, sender_id, text, COALESCE(client_message_id, ''), created_at
		 FROM messages WHERE group_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`)
	if err != nil {
		return nil, fmt.Errorf("prepare latest query: %w", err)
	}
	listBefore, err := db.Prepare(
		`SELECT id, group_id, sender_id, text, COALESCE(client_message_id, ''), created_at
		 FROM messages WHERE group_id = $1 AND created_at < $2
		 ORDER BY created_at DESC, id DESC LIMIT $3`)
	if err != nil {
		return nil, fmt.Errorf("prepare cursor query: %w", err)
	}
	return &Messages{db: db, insert: insert, listLatest: listLatest, listBefore: listBefore}, nil
}

// Append stores a message and returns the stored row. When the client
// idempotency token matches an existing row, the original row comes back,
// no second row is created, and created is false.
func (s *Messages) Append(ctx context.Context, groupID, senderID, text, clientMessageID string) (protocol.ChatMessage, bool, error) {
	freshID := uuid.NewString()
	msg := protocol.ChatMessage{
		ID:              freshID,
		GroupID:         groupID,
		SenderID:        senderID,
		Text:            text,
		ClientMessageID: clientMessageID,
		CreatedAt:       time.Now().UnixMilli(),
	}

	var token any
	if clientMessageID != "" {
		token = clientMessageID
	}
	row := s.insert.QueryRowContext(ctx, msg.ID, groupID, senderID, text, token, msg.CreatedAt)
	if err := row.Scan(&msg.ID, &msg.Text, &msg.CreatedAt); err != nil {
		return protocol.ChatMessage{}, false, fmt.Errorf("append message: %w", err)
	}
	return msg, msg.ID == freshID, nil
}

// List returns up to limit messages newest-first, strictly older than the
// before cursor when one is given. The extra row probes hasMore without a
// COUNT query.
func (s *Messages) List(ctx context.Context, groupID string, limit int, before int64) ([]protocol.ChatMessage, bool, error) {
	var rows *sql.Rows
	var err error
	if before > 0 {
		rows, err = s.listBefore.QueryContext(ctx, groupID, before, limit+1)
	} else {
		rows, err = s.listLatest.QueryContext(ctx, groupID, limit+1)
	}
	if err != nil {
		return nil, false, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []protocol.ChatMessage
	for rows.Next() {
		var m protocol.ChatMessage
		if err := rows.Scan(&m.ID, &m.GroupID, &m.SenderID, &m.Text, &m.ClientMessageID, &m.CreatedAt); err != nil {
			return nil, false, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("list messages: %w", err)
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	return messages, hasMore, nil
}

// Close releases the prepared statements.
func (s *Messages) Close() error {
	for _, stmt := range []*sql.Stmt{s.insert, s.listLatest, s.listBefore} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}
