package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// timeWithin matches a time argument within delta of expected.
type timeWithin struct {
	expected time.Time
	delta    time.Duration
}

func (m timeWithin) Match(v driver.Value) bool {
	t, ok := v.(time.Time)
	return ok && t.After(m.expected.Add(-m.delta)) && t.Before(m.expected.Add(m.delta))
}

func newTestRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	repo := NewPostgresRepository(db, 5*time.Minute)
	return repo, mock, func() { db.Close() }
}

func messageRows(t *testing.T) *sqlmock.Rows {
	t.Helper()
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "aggregate_type", "aggregate_id", "event_type", "topic", "payload",
		"headers", "status", "retry_count", "created_at", "updated_at", "last_attempt_time",
	}).
		AddRow("msg-1", "Account", "acc-1", "AccountCreated", "dev.account.domain-event.account-created.v1",
			[]byte("payload1"), []byte(`{"message-id":"msg-1"}`), string(StatusPending), 0, now, now, nil).
		AddRow("msg-2", "Payment", "pay-7", "PaymentAuthorized", "dev.payment.domain-event.payment-authorized.v1",
			[]byte("payload2"), []byte(`{"message-id":"msg-2"}`), string(StatusPending), 2, now, now, nil)
}

func TestClaimBatch(t *testing.T) {
	repo, mock, cleanup := newTestRepo(t)
	defer cleanup()

	// The reclaim cutoff is the configured claim expiry (5m here) back from
	// now: PROCESSING rows older than that are claimable again.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM outbox_messages WHERE status = \$1 OR \(status = \$2 AND updated_at < \$3\) ORDER BY created_at ASC LIMIT \$4 FOR UPDATE SKIP LOCKED`).
		WithArgs(StatusPending, StatusProcessing, timeWithin{time.Now().Add(-5 * time.Minute), 30 * time.Second}, 10).
		WillReturnRows(messageRows(t))
	mock.ExpectExec(`UPDATE outbox_messages SET status=\$1, updated_at=\$2, last_attempt_time=\$2 WHERE id = ANY\(\$3\)`).
		WithArgs(StatusProcessing, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	messages, err := repo.ClaimBatch(context.Background(), 10)
	assert.NoError(t, err)
	require.Len(t, messages, 2)

	assert.Equal(t, "msg-1", messages[0].ID)
	assert.Equal(t, "Account", messages[0].AggregateType)
	assert.Equal(t, "acc-1", messages[0].AggregateID)
	assert.Equal(t, []byte("payload1"), messages[0].Payload)
	assert.Equal(t, map[string]string{"message-id": "msg-1"}, messages[0].Headers)
	assert.Equal(t, StatusProcessing, messages[0].Status)
	assert.NotNil(t, messages[0].LastAttemptTime)

	assert.Equal(t, "msg-2", messages[1].ID)
	assert.Equal(t, 2, messages[1].RetryCount)
	assert.Equal(t, StatusProcessing, messages[1].Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatch_Empty(t *testing.T) {
	repo, mock, cleanup := newTestRepo(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM outbox_messages WHERE status = \$1`).
		WithArgs(StatusPending, StatusProcessing, sqlmock.AnyArg(), 10).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "aggregate_type", "aggregate_id", "event_type", "topic", "payload",
			"headers", "status", "retry_count", "created_at", "updated_at", "last_attempt_time",
		}))
	mock.ExpectCommit()

	messages, err := repo.ClaimBatch(context.Background(), 10)
	assert.NoError(t, err)
	assert.Empty(t, messages)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatch_StoreUnavailable(t *testing.T) {
	repo, mock, cleanup := newTestRepo(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM outbox_messages`).
		WillReturnError(errors.New("connection refused"))
	mock.ExpectRollback()

	messages, err := repo.ClaimBatch(context.Background(), 10)
	assert.Nil(t, messages)

	var storeErr *Error
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, CodeUnavailable, storeErr.Code)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatus(t *testing.T) {
	repo, mock, cleanup := newTestRepo(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE outbox_messages SET status=\$1, updated_at=\$2 WHERE id=\$3`).
		WithArgs(StatusSent, sqlmock.AnyArg(), "msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.UpdateStatus(context.Background(), "msg-1", StatusSent, false)
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatus_IncrementRetry(t *testing.T) {
	repo, mock, cleanup := newTestRepo(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE outbox_messages SET status=\$1, retry_count = retry_count \+ 1, updated_at=\$2 WHERE id=\$3`).
		WithArgs(StatusFailed, sqlmock.AnyArg(), "msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.UpdateStatus(context.Background(), "msg-1", StatusFailed, true)
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatus_NotFound(t *testing.T) {
	repo, mock, cleanup := newTestRepo(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE outbox_messages SET status=\$1, updated_at=\$2 WHERE id=\$3`).
		WithArgs(StatusSent, sqlmock.AnyArg(), "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.UpdateStatus(context.Background(), "missing", StatusSent, false)

	var storeErr *Error
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, CodeNotFound, storeErr.Code)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindRetryCandidates(t *testing.T) {
	repo, mock, cleanup := newTestRepo(t)
	defer cleanup()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "aggregate_type", "aggregate_id", "event_type", "topic", "payload",
		"headers", "status", "retry_count", "created_at", "updated_at", "last_attempt_time",
	}).AddRow("msg-1", "Account", "acc-1", "AccountCreated", "topic-1",
		[]byte("payload"), []byte(`{}`), string(StatusFailed), 1, now, now, now)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM outbox_messages WHERE status = \$1 AND retry_count < \$2 ORDER BY created_at ASC LIMIT \$3`).
		WithArgs(StatusFailed, 3, 100).
		WillReturnRows(rows)
	mock.ExpectCommit()

	messages, err := repo.FindRetryCandidates(context.Background(), 3, 100)
	assert.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "msg-1", messages[0].ID)
	assert.Equal(t, StatusFailed, messages[0].Status)
	assert.Equal(t, 1, messages[0].RetryCount)
	assert.NotNil(t, messages[0].LastAttemptTime)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDeadLettered(t *testing.T) {
	repo, mock, cleanup := newTestRepo(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE outbox_messages SET status=\$1, updated_at=\$2 WHERE status=\$3 AND retry_count >= \$4`).
		WithArgs(StatusDeadLettered, sqlmock.AnyArg(), StatusFailed, 3).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	moved, err := repo.MarkDeadLettered(context.Background(), 3)
	assert.NoError(t, err)
	assert.Equal(t, int64(4), moved)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountByStatus(t *testing.T) {
	repo, mock, cleanup := newTestRepo(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM outbox_messages WHERE status=\$1`).
		WithArgs(StatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))
	mock.ExpectCommit()

	count, err := repo.CountByStatus(context.Background(), StatusPending)
	assert.NoError(t, err)
	assert.Equal(t, int64(42), count)

	assert.NoError(t, mock.ExpectationsWereMet())
}
