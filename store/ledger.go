package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Ledger is the durable set of already-processed event ids. has(id) is
// monotonic: once an id is recorded it stays recorded until pruned past the
// redelivery window.
type Ledger struct {
	db    *sql.DB
	has   *sql.Stmt
	mark  *sql.Stmt
	prune *sql.Stmt
}

func NewLedger(db *sql.DB) (*Ledger, error) {
	has, err := db.Prepare(
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`)
	if err != nil {
		return nil, fmt.Errorf("prepare ledger lookup: %w", err)
	}
	mark, err := db.Prepare(
		`INSERT INTO processed_events (event_id, event_type, processed_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO NOTHING`)
	if err != nil {
		return nil, fmt.Errorf("prepare ledger insert: %w", err)
	}
	prune, err := db.Prepare(
		`DELETE FROM processed_events WHERE processed_at < $1`)
	if err != nil {
		return nil, fmt.Errorf("prepare ledger prune: %w", err)
	}
	return &Ledger{db: db, has: has, mark: mark, prune: prune}, nil
}

// Has reports whether the event id was already applied.
func (l *Ledger) Has(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	if err := l.has.QueryRowContext(ctx, eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("ledger lookup %s: %w", eventID, err)
	}
	return exists, nil
}

// MarkProcessed records the event id. Insert-or-ignore: recording the same
// id twice, including concurrently, is a no-op.
func (l *Ledger) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	if _, err := l.mark.ExecContext(ctx, eventID, eventType, time.Now()); err != nil {
		return fmt.Errorf("ledger mark %s: %w", eventID, err)
	}
	return nil
}

// Prune drops rows older than the cutoff. Safe for correctness as long as
// the broker does not redeliver past the retention window.
func (l *Ledger) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := l.prune.ExecContext(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("ledger prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (l *Ledger) Close() error {
	for _, stmt := range []*sql.Stmt{l.has, l.mark, l.prune} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}
