package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMessages(t *testing.T) (*Messages, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectPrepare(`INSERT INTO messages`)
	mock.ExpectPrepare(`SELECT .* FROM messages WHERE group_id = \$1\s+ORDER BY`)
	mock.ExpectPrepare(`SELECT .* FROM messages WHERE group_id = \$1 AND created_at <`)

	s, err := NewMessages(db)
	require.NoError(t, err)
	return s, mock
}

func TestMessagesAppendReturnsStoredRow(t *testing.T) {
	s, mock := newMessages(t)

	mock.ExpectQuery(`INSERT INTO messages`).
		WithArgs(sqlmock.AnyArg(), "g1", "u1", "hi", "tok-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "text", "created_at"}).
			AddRow("m-1", "hi", int64(1700000000000)))

	msg, created, err := s.Append(context.Background(), "g1", "u1", "hi", "tok-1")
	require.NoError(t, err)
	require.False(t, created, "conflict returns the original row")
	require.Equal(t, "m-1", msg.ID)
	require.Equal(t, int64(1700000000000), msg.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessagesAppendWithoutTokenPassesNull(t *testing.T) {
	s, mock := newMessages(t)

	mock.ExpectQuery(`INSERT INTO messages`).
		WithArgs(sqlmock.AnyArg(), "g1", "u1", "hi", nil, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "text", "created_at"}).
			AddRow("m-2", "hi", int64(1)))

	_, _, err := s.Append(context.Background(), "g1", "u1", "hi", "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessagesListTrimsToLimitAndReportsHasMore(t *testing.T) {
	s, mock := newMessages(t)

	rows := sqlmock.NewRows([]string{"id", "group_id", "sender_id", "text", "client_message_id", "created_at"}).
		AddRow("m3", "g1", "u1", "c", "", int64(3)).
		AddRow("m2", "g1", "u1", "b", "", int64(2)).
		AddRow("m1", "g1", "u1", "a", "", int64(1))
	mock.ExpectQuery(`SELECT .* FROM messages WHERE group_id = \$1\s+ORDER BY`).
		WithArgs("g1", 3).
		WillReturnRows(rows)

	msgs, hasMore, err := s.List(context.Background(), "g1", 2, 0)
	require.NoError(t, err)
	require.True(t, hasMore)
	require.Len(t, msgs, 2)
	require.Equal(t, "m3", msgs[0].ID) // newest first
	require.Equal(t, "m2", msgs[1].ID)
}

func TestMessagesListWithCursor(t *testing.T) {
	s, mock := newMessages(t)

	mock.ExpectQuery(`SELECT .* FROM messages WHERE group_id = \$1 AND created_at <`).
		WithArgs("g1", int64(100), 11).
		WillReturnRows(sqlmock.NewRows([]string{"id", "group_id", "sender_id", "text", "client_message_id", "created_at"}).
			AddRow("m1", "g1", "u1", "a", "", int64(50)))

	msgs, hasMore, err := s.List(context.Background(), "g1", 10, 100)
	require.NoError(t, err)
	require.False(t, hasMore)
	require.Len(t, msgs, 1)
}

func newLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectPrepare(`SELECT EXISTS`)
	mock.ExpectPrepare(`INSERT INTO processed_events`)
	mock.ExpectPrepare(`DELETE FROM processed_events`)

	l, err := NewLedger(db)
	require.NoError(t, err)
	return l, mock
}

func TestLedgerHas(t *testing.T) {
	l, mock := newLedger(t)

	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := l.Has(context.Background(), "evt-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLedgerMarkProcessedTwiceNeverErrors(t *testing.T) {
	l, mock := newLedger(t)

	// Second insert conflicts and affects zero rows; still no error.
	mock.ExpectExec(`INSERT INTO processed_events`).
		WithArgs("evt-1", "user:updated", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO processed_events`).
		WithArgs("evt-1", "user:updated", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, l.MarkProcessed(context.Background(), "evt-1", "user:updated"))
	require.NoError(t, l.MarkProcessed(context.Background(), "evt-1", "user:updated"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerPrune(t *testing.T) {
	l, mock := newLedger(t)

	mock.ExpectExec(`DELETE FROM processed_events`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := l.Prune(context.Background(), time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(7), n)
}

func TestMinutesDefaultsToZeroOnNoRows(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectPrepare(`SELECT total_mins FROM study_daily_totals`)
	s, err := NewMinutes(db)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT total_mins FROM study_daily_totals`).
		WithArgs("u1", "2026-08-31").
		WillReturnRows(sqlmock.NewRows([]string{"total_mins"}))

	mins, err := s.TotalByDay(context.Background(), "u1", "2026-08-31")
	require.NoError(t, err)
	require.Zero(t, mins)
}
