package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/loykin/localmind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startDaemon(t *testing.T) *GlobalFlags {
	t.Helper()
	cfg, err := localmind.LoadConfig("")
	require.NoError(t, err)
	cfg.DataDir = t.TempDir()
	cfg.Store.DSN = "memory://"
	cfg.Model.BaseURL = "http://127.0.0.1:1"
	cfg.Metrics.Enabled = false

	d, err := localmind.New(t.Context(), cfg, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(d.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = d.Shutdown(context.Background())
	})
	return &GlobalFlags{APIUrl: srv.URL + "/api", APITimeout: 5 * time.Second}
}

func TestStatusCommand(t *testing.T) {
	flags := startDaemon(t)
	var out bytes.Buffer
	require.NoError(t, newCommand(flags, &out).Status(t.Context(), StatusFlags{}))
	assert.Contains(t, out.String(), "not ready")
	assert.Contains(t, out.String(), "down (stopped)")
	assert.Contains(t, out.String(), "unreachable")

	out.Reset()
	require.NoError(t, newCommand(flags, &out).Status(t.Context(), StatusFlags{Detailed: true}))
	assert.Contains(t, out.String(), "tunnel retry pending")
}

func TestStatusCommandJSON(t *testing.T) {
	flags := startDaemon(t)
	flags.JSON = true
	var out bytes.Buffer
	require.NoError(t, newCommand(flags, &out).Status(t.Context(), StatusFlags{}))
	assert.JSONEq(t,
		`{"automationReady":false,"tunnelUp":false,"publicUrl":null,"modelReachable":false,"tunnelState":"stopped"}`,
		out.String())
}

func TestDaemonUnreachable(t *testing.T) {
	flags := &GlobalFlags{APIUrl: "http://127.0.0.1:1/api", APITimeout: 200 * time.Millisecond}
	err := newCommand(flags, &bytes.Buffer{}).Status(t.Context(), StatusFlags{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "localmind serve")
}

func TestTunnelTokenAndStop(t *testing.T) {
	flags := startDaemon(t)
	var out bytes.Buffer
	cmd := newCommand(flags, &out)

	require.NoError(t, cmd.TunnelToken(t.Context(), "tok"))
	assert.Contains(t, out.String(), "saved")
	require.NoError(t, cmd.TunnelToken(t.Context(), ""))
	assert.Contains(t, out.String(), "cleared")
	require.NoError(t, cmd.TunnelStop(t.Context()))
	assert.Contains(t, out.String(), "tunnel stopped")
}

func TestTunnelStartRejectsConflictingFlags(t *testing.T) {
	err := newCommand(&GlobalFlags{}, &bytes.Buffer{}).TunnelStart(t.Context(), TunnelFlags{Quick: true, Token: "x", TokenSet: true})
	assert.Error(t, err)
}

func TestAutomationStopWhenNotRunning(t *testing.T) {
	flags := startDaemon(t)
	var out bytes.Buffer
	require.NoError(t, newCommand(flags, &out).AutomationStop(t.Context()))
	assert.Contains(t, out.String(), "not running")
}

func TestRootHasSubcommands(t *testing.T) {
	root := buildRoot()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "status", "tunnel", "automation", "models", "pull", "hardware"} {
		assert.Contains(t, names, want)
	}

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--help"})
	require.NoError(t, root.Execute())
	assert.True(t, strings.Contains(out.String(), "localmind"))
}

func TestPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "localmind.pid")
	require.NoError(t, writePidFile(pidFile, os.Getpid()))
	b, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(b))

	require.NoError(t, removePidFile(pidFile))
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, removePidFile(""))
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "-", pidOrDash(0))
	assert.Equal(t, "12", pidOrDash(12))
	assert.Equal(t, "512 B", humanBytes(512))
	assert.Equal(t, "1.5 KiB", humanBytes(1536))
	assert.Equal(t, "postgres://u:xxxxx@db/localmind", redactDSN("postgres://u:secret@db/localmind"))
	assert.Equal(t, "/var/lib/localmind.db", redactDSN("/var/lib/localmind.db"))
}
