package history

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewStore(mock), mock
}

func TestAppend(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO gateway_chat_history").
		WithArgs(pgxmock.AnyArg(), "aa:bb:cc:dd:ee:ff", "ses_1", 1, "hello", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.Append(context.Background(), "aa:bb:cc:dd:ee:ff", "ses_1", 1, "hello")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecent(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now()
	rows := pgxmock.NewRows([]string{"id", "device_id", "session_id", "chat_type", "content", "created_at"}).
		AddRow("rep_2", "dev", "ses_1", 2, "the answer", now).
		AddRow("rep_1", "dev", "ses_1", 1, "the question", now.Add(-time.Second))

	mock.ExpectQuery("SELECT id, device_id, session_id, chat_type, content, created_at").
		WithArgs("dev", 10).
		WillReturnRows(rows)

	entries, err := store.Recent(context.Background(), "dev", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "the answer", entries[0].Content)
	assert.Equal(t, 2, entries[0].ChatType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentDefaultLimit(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, device_id, session_id, chat_type, content, created_at").
		WithArgs("dev", 20).
		WillReturnRows(pgxmock.NewRows([]string{"id", "device_id", "session_id", "chat_type", "content", "created_at"}))

	entries, err := store.Recent(context.Background(), "dev", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveMemoryUpserts(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO gateway_device_memory").
		WithArgs("dev", "likes jazz", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.SaveMemory(context.Background(), "dev", "likes jazz")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadMemory(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT summary FROM gateway_device_memory").
		WithArgs("dev").
		WillReturnRows(pgxmock.NewRows([]string{"summary"}).AddRow("likes jazz"))

	summary, err := store.LoadMemory(context.Background(), "dev")
	require.NoError(t, err)
	assert.Equal(t, "likes jazz", summary)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadMemoryAbsent(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT summary FROM gateway_device_memory").
		WithArgs("dev").
		WillReturnRows(pgxmock.NewRows([]string{"summary"}))

	summary, err := store.LoadMemory(context.Background(), "dev")
	require.NoError(t, err)
	assert.Empty(t, summary)
	assert.NoError(t, mock.ExpectationsWereMet())
}
