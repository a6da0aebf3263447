package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/localmind/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	ctx := context.Background()
	now := time.Now().UTC()
	code := 1
	events := []history.Event{
		{Type: history.EventStart, Service: "tunnel", RunID: "run-1", PID: 4242, OccurredAt: now},
		{Type: history.EventURL, Service: "tunnel", RunID: "run-1", PID: 4242, Detail: "https://abc.trycloudflare.com", OccurredAt: now},
		{Type: history.EventExit, Service: "tunnel", RunID: "run-1", PID: 4242, ExitCode: &code, OccurredAt: now},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	var n int
	require.NoError(t, sink.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM service_history WHERE run_id = ?`, "run-1").Scan(&n))
	assert.Equal(t, 3, n)

	var exit sql.NullInt64
	require.NoError(t, sink.db.QueryRowContext(ctx, `SELECT exit_code FROM service_history WHERE type = 'exit'`).Scan(&exit))
	assert.True(t, exit.Valid)
	assert.Equal(t, int64(1), exit.Int64)

	require.NoError(t, sink.db.QueryRowContext(ctx, `SELECT exit_code FROM service_history WHERE type = 'start'`).Scan(&exit))
	assert.False(t, exit.Valid)
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventHealthy, Service: "automation-server", RunID: "r"}))
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
