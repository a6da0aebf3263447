package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/localmind/internal/history"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container skipped in -short mode")
	}
	ctx := context.Background()
	c, err := tcpg.Run(ctx, "postgres:15-alpine",
		tcpg.WithDatabase("localmind"),
		tcpg.WithUsername("localmind"),
		tcpg.WithPassword("localmind"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(45*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestSinkRecordsTunnelLifecycle(t *testing.T) {
	dsn := startPostgres(t)
	sink, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, sink.Close()) })

	ctx := t.Context()
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	failed := 1
	events := []history.Event{
		{Type: history.EventStart, Service: "tunnel", RunID: "pg-run", PID: 100, OccurredAt: at},
		{Type: history.EventURL, Service: "tunnel", RunID: "pg-run", PID: 100, Detail: "https://x.trycloudflare.com", OccurredAt: at.Add(time.Second)},
		{Type: history.EventExit, Service: "tunnel", RunID: "pg-run", PID: 100, ExitCode: &failed, OccurredAt: at.Add(2 * time.Second)},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	rows, err := sink.db.QueryContext(ctx,
		`SELECT type, exit_code, detail FROM service_history WHERE run_id = $1 ORDER BY occurred_at`, "pg-run")
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()

	var types []string
	var lastCode sql.NullInt64
	var url sql.NullString
	for rows.Next() {
		var typ string
		var code sql.NullInt64
		var detail sql.NullString
		require.NoError(t, rows.Scan(&typ, &code, &detail))
		types = append(types, typ)
		if code.Valid {
			lastCode = code
		}
		if detail.Valid && detail.String != "" {
			url = detail
		}
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"start", "url", "exit"}, types)
	assert.EqualValues(t, 1, lastCode.Int64)
	assert.Equal(t, "https://x.trycloudflare.com", url.String)
}

func TestNewRejectsEmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
