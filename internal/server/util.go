package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/loykin/localmind/internal/modelrt"
	"github.com/loykin/localmind/internal/orchestrator"
	"github.com/loykin/localmind/internal/process"
	"github.com/loykin/localmind/internal/tunnel"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isModelName accepts registry-style model references such as "llama3",
// "llama3:8b" or "library/tinyllama:latest".
func isModelName(s string) bool {
	if s == "" || len(s) > 256 {
		return false
	}
	if strings.Contains(s, "..") || strings.HasPrefix(s, "/") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '.' || r == '_' || r == '-' || r == ':' || r == '/' {
			continue
		}
		return false
	}
	return true
}

func isTrue(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var spawnErr *process.SpawnError
	var apiErr *modelrt.APIError
	switch {
	case errors.Is(err, orchestrator.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrShuttingDown), errors.Is(err, tunnel.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &spawnErr):
		return http.StatusBadGateway
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (r *Router) writeError(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		r.log.Error("request failed", "path", c.FullPath(), "status", code, "error", err)
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// writeLine emits one NDJSON record and flushes it to the client.
func writeLine(c *gin.Context, v any) {
	_ = json.NewEncoder(c.Writer).Encode(v)
	c.Writer.Flush()
}
