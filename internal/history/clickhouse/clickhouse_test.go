package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/localmind/internal/history"
)

// setupClickHouseContainer starts a ClickHouse container and returns its native address.
func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	container, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return container, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink, err := New(Options{Addr: addr, Table: "service_history"})
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	code := 1
	require.NoError(t, sink.Send(ctx, history.Event{
		Type: history.EventStart, Service: "tunnel", RunID: "run-ch", PID: 77, OccurredAt: time.Now(),
	}))
	require.NoError(t, sink.Send(ctx, history.Event{
		Type: history.EventExit, Service: "tunnel", RunID: "run-ch", PID: 77, ExitCode: &code, OccurredAt: time.Now(),
	}))

	var count uint64
	require.NoError(t, sink.conn.QueryRow(ctx, "SELECT COUNT(*) FROM service_history WHERE run_id = ?", "run-ch").Scan(&count))
	assert.Equal(t, uint64(2), count)

	// a cancelled context fails without panicking
	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()
	_ = sink.Send(cancelCtx, history.Event{Type: history.EventRetry, Service: "tunnel", RunID: "run-ch"})
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	_, err := New(Options{Addr: "invalid-host:9000"})
	assert.Error(t, err)
}
