package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Users is the locally cached mirror of identity data, kept fresh by the
// event consumer. Fields are updated independently so a partially populated
// event touches only what it carries.
type Users struct {
	updateName *sql.Stmt
	updateHash *sql.Stmt
}

func NewUsers(db *sql.DB) (*Users, error) {
	updateName, err := db.Prepare(
		`UPDATE cached_users SET username = $2 WHERE user_id = $1`)
	if err != nil {
		return nil, fmt.Errorf("prepare username update: %w", err)
	}
	updateHash, err := db.Prepare(
		`UPDATE cached_users SET password_hash = $2 WHERE user_id = $1`)
	if err != nil {
		return nil, fmt.Errorf("prepare password update: %w", err)
	}
	return &Users{updateName: updateName, updateHash: updateHash}, nil
}

func (s *Users) UpdateUsername(ctx context.Context, uid, username string) error {
	if _, err := s.updateName.ExecContext(ctx, uid, username); err != nil {
		return fmt.Errorf("update username for %s: %w", uid, err)
	}
	return nil
}

func (s *Users) UpdatePasswordHash(ctx context.Context, uid, hash string) error {
	if _, err := s.updateHash.ExecContext(ctx, uid, hash); err != nil {
		return fmt.Errorf("update password hash for %s: %w", uid, err)
	}
	return nil
}

func (s *Users) Close() error {
	for _, stmt := range []*sql.Stmt{s.updateName, s.updateHash} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}
