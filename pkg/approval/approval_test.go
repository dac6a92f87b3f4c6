package approval

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestEnqueue(t *testing.T) {
	q, mock := newTestQueue(t)
	mock.ExpectExec("INSERT INTO approval_entries").WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := q.Enqueue(context.Background(), "agent-1", "svc-1", "POST", "https://api.host.tld/x",
		http.Header{"X-Test": []string{"v"}}, []byte(`{}`), "book a flight", 0.8, "high risk write")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestApproveSucceedsWhenPending(t *testing.T) {
	q, mock := newTestQueue(t)
	mock.ExpectExec("UPDATE approval_entries SET status").
		WithArgs(StatusApproved, "action-1", StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, q.Approve(context.Background(), "action-1"))
}

func TestApproveFailsWhenNotPending(t *testing.T) {
	q, mock := newTestQueue(t)
	mock.ExpectExec("UPDATE approval_entries SET status").
		WithArgs(StatusApproved, "action-1", StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := q.Approve(context.Background(), "action-1")
	assert.ErrorIs(t, err, ErrTransitionFailed)
}

func TestMarkExecutedFailsAfterExpiry(t *testing.T) {
	q, mock := newTestQueue(t)
	mock.ExpectExec("UPDATE approval_entries").
		WithArgs(StatusExecuted, 200, []byte(`{}`), []byte(`ok`), "action-1", StatusApproved).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := q.MarkExecuted(context.Background(), "action-1", 200, http.Header{}, []byte(`ok`))
	assert.ErrorIs(t, err, ErrTransitionFailed)
}

// The CAS itself must guard against a window that has closed since the
// caller's last peek; the query carries an approval_expires_at check so
// the database, not just the caller, enforces it.
func TestMarkExecutedQueryGuardsExpiry(t *testing.T) {
	q, mock := newTestQueue(t)
	mock.ExpectExec("approval_expires_at IS NULL OR approval_expires_at > now\\(\\)").
		WithArgs(StatusExecuted, 200, []byte(`{}`), []byte(`ok`), "action-1", StatusApproved).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, q.MarkExecuted(context.Background(), "action-1", 200, http.Header{}, []byte(`ok`)))
}

func TestSweepExpired(t *testing.T) {
	q, mock := newTestQueue(t)
	mock.ExpectExec("UPDATE approval_entries").
		WithArgs(StatusExpired, StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := q.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestFetchNotFound(t *testing.T) {
	q, mock := newTestQueue(t)
	mock.ExpectQuery("SELECT action_id").WithArgs("missing").WillReturnRows(sqlmock.NewRows(nil))

	_, err := q.Fetch(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueueWithTTL(t *testing.T) {
	q, _ := newTestQueue(t)
	q2 := q.WithTTL(2 * time.Hour)
	assert.Equal(t, 2*time.Hour, q2.ttl)
	assert.NotSame(t, q, q2)
}
