package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestAppendWritesRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_records").WillReturnResult(sqlmock.NewResult(1, 1))

	w := New(db)
	w.Append(context.Background(), Record{
		AgentID:     "agent-1",
		ServiceID:   "svc-1",
		Method:      "POST",
		TargetURL:   "https://api.host.tld/x",
		Intent:      "book a flight",
		RequestedAt: time.Now(),
		CompletedAt: time.Now(),
		Status:      200,
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendSwallowsWriteFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_records").WillReturnError(sqlmock.ErrCancelled)

	w := New(db)
	w.Append(context.Background(), Record{AgentID: "agent-1", Method: "GET", TargetURL: "https://x"})
}
