package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRecordAndHistory(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.RecordTransition("task-1", "needs_action", "in_progress", "cloud"))
	require.NoError(t, j.RecordTransition("task-1", "in_progress", "done", "cloud"))
	require.NoError(t, j.RecordTransition("task-2", "needs_action", "in_progress", "local"))

	history, err := j.History(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "in_progress", history[0].To)
	require.Equal(t, "done", history[1].To)
	require.False(t, history[0].Timestamp.IsZero())
}

func TestRecentNewestFirst(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.RecordTransition("a", "", "needs_action", ""))
	require.NoError(t, j.RecordTransition("b", "", "needs_action", ""))

	recent, err := j.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "b", recent[0].TaskID)
}

func TestInFlightFindsOrphanedClaims(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.RecordTransition("stuck", "needs_action", "in_progress", "cloud"))
	require.NoError(t, j.RecordTransition("finished", "needs_action", "in_progress", "cloud"))
	require.NoError(t, j.RecordTransition("finished", "in_progress", "done", "cloud"))

	ids, err := j.InFlight(context.Background(), "in_progress")
	require.NoError(t, err)
	require.Equal(t, []string{"stuck"}, ids)
}

func TestRecordTransitionWrapsDBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS transitions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	j, err := New(db)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO transitions").
		WillReturnError(errors.New("disk I/O error"))

	err = j.RecordTransition("task-1", "needs_action", "in_progress", "cloud")
	require.Error(t, err)
	require.Contains(t, err.Error(), "task-1")
	require.NoError(t, mock.ExpectationsWereMet())
}
