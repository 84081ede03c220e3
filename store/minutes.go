package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Minutes reads the committed study-minutes baseline per user and day. The
// presence engine treats this as read-through display data, not truth it
// owns.
type Minutes struct {
	total *sql.Stmt
}

func NewMinutes(db *sql.DB) (*Minutes, error) {
	total, err := db.Prepare(
		`SELECT total_mins FROM study_daily_totals WHERE user_id = $1 AND day = $2`)
	if err != nil {
		return nil, fmt.Errorf("prepare minutes query: %w", err)
	}
	return &Minutes{total: total}, nil
}

// TotalByDay returns the committed minutes for a user on a day (YYYY-MM-DD).
// A user with no committed sessions has 0.
func (s *Minutes) TotalByDay(ctx context.Context, uid, day string) (int, error) {
	var mins int
	err := s.total.QueryRowContext(ctx, uid, day).Scan(&mins)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("minutes lookup %s/%s: %w", uid, day, err)
	}
	return mins, nil
}

func (s *Minutes) Close() error {
	if s.total != nil {
		s.total.Close()
	}
	return nil
}
