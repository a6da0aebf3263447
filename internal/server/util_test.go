package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/loykin/localmind/internal/modelrt"
	"github.com/loykin/localmind/internal/orchestrator"
	"github.com/loykin/localmind/internal/process"
	"github.com/loykin/localmind/internal/tunnel"
)

func TestSanitizeBase(t *testing.T) {
	for in, want := range map[string]string{
		"":       "",
		"/":      "",
		"api":    "/api",
		"/api/":  "/api",
		" api ":  "/api",
		"v1/api": "/v1/api",
	} {
		assert.Equal(t, want, sanitizeBase(in), "input %q", in)
	}
}

func TestIsModelName(t *testing.T) {
	for _, s := range []string{"llama3", "llama3:8b", "library/tinyllama:latest", "qwen2.5-coder_1"} {
		assert.True(t, isModelName(s), s)
	}
	for _, s := range []string{"", "..", "a..b", "/abs", "hello*", "with space", "unicode한글", strings.Repeat("m", 257)} {
		assert.False(t, isModelName(s), s)
	}
}

func TestIsTrue(t *testing.T) {
	assert.True(t, isTrue("1"))
	assert.True(t, isTrue("TRUE"))
	assert.True(t, isTrue("yes"))
	assert.False(t, isTrue(""))
	assert.False(t, isTrue("0"))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("stop: %w", orchestrator.ErrNotRunning), http.StatusConflict},
		{orchestrator.ErrShuttingDown, http.StatusServiceUnavailable},
		{fmt.Errorf("start tunnel: %w", tunnel.ErrClosed), http.StatusServiceUnavailable},
		{&process.SpawnError{Name: "tunnel", Executable: "cloudflared", Err: errors.New("not found")}, http.StatusBadGateway},
		{&modelrt.APIError{Status: 500, Message: "boom"}, http.StatusBadGateway},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeJSON(c, http.StatusAccepted, map[string]bool{"ok": true}) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}
