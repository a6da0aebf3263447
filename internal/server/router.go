package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/localmind/internal/metrics"
	"github.com/loykin/localmind/internal/modelrt"
	"github.com/loykin/localmind/internal/orchestrator"
	"github.com/loykin/localmind/internal/sysinfo"
)

// Service is the orchestrator surface exposed over HTTP.
type Service interface {
	Status(ctx context.Context) orchestrator.Status
	Detail(ctx context.Context) orchestrator.Detail
	HardwareProfile(ctx context.Context) sysinfo.Profile
	ListModels(ctx context.Context) ([]modelrt.Model, error)
	PullModel(ctx context.Context, model string, fn func(modelrt.PullProgress)) error
	StartTunnel(ctx context.Context, token string) error
	StartTunnelWithSavedToken(ctx context.Context) error
	StopTunnel(ctx context.Context) error
	SetTunnelToken(ctx context.Context, token string) error
	StartAutomation(ctx context.Context) error
	StopAutomation(ctx context.Context) error
}

// StatusFeed delivers pushed status updates for the SSE stream.
type StatusFeed interface {
	Subscribe() (<-chan orchestrator.Status, func())
}

// Router provides embeddable HTTP handlers for the supervisor.
// Endpoints (relative to basePath):
//
//	GET  /status              aggregated status (?detail=1 for process facts)
//	GET  /status/stream       Server-Sent Events, one "status" event per update
//	GET  /hardware            hardware profile and recommended model
//	GET  /models              installed models
//	POST /models/pull         body {"model": "..."}; NDJSON progress stream
//	POST /tunnel/start        body {"token": "..."} optional; no body uses the saved token
//	POST /tunnel/stop
//	PUT  /tunnel/token        body {"token": "..."}
//	POST /automation/start
//	POST /automation/stop
//	GET  /resources           sampled CPU/memory per service (when enabled)
//	GET  /metrics             Prometheus exposition (when enabled)
type Router struct {
	svc       Service
	feed      StatusFeed
	resources *metrics.ResourceCollector
	metrics   bool
	basePath  string
	log       *slog.Logger
}

type Option func(*Router)

func WithStatusFeed(f StatusFeed) Option { return func(r *Router) { r.feed = f } }

func WithResources(c *metrics.ResourceCollector) Option {
	return func(r *Router) { r.resources = c }
}

// WithMetrics mounts GET /metrics.
func WithMetrics() Option { return func(r *Router) { r.metrics = true } }

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.log = l } }

// NewRouter constructs a Router. basePath may be empty or start with '/'.
func NewRouter(svc Service, basePath string, opts ...Option) *Router {
	r := &Router{svc: svc, basePath: sanitizeBase(basePath), log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register mounts the endpoints on an existing gin engine or group.
func (r *Router) Register(g gin.IRouter) {
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/status/stream", r.handleStatusStream)
	group.GET("/hardware", r.handleHardware)
	group.GET("/models", r.handleModels)
	group.POST("/models/pull", r.handlePull)
	group.POST("/tunnel/start", r.handleTunnelStart)
	group.POST("/tunnel/stop", r.handleTunnelStop)
	group.PUT("/tunnel/token", r.handleTunnelToken)
	group.POST("/automation/start", r.handleAutomationStart)
	group.POST("/automation/stop", r.handleAutomationStop)
	group.GET("/resources", r.handleResources)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g)
	return g
}

// NewServer builds a standalone HTTP server on addr. The caller runs
// ListenAndServe and Shutdown. WriteTimeout is left unset for the streaming routes.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type tokenReq struct {
	Token *string `json:"token"`
}

type pullReq struct {
	Model string `json:"model"`
}

func (r *Router) handleStatus(c *gin.Context) {
	if isTrue(c.Query("detail")) {
		writeJSON(c, http.StatusOK, r.svc.Detail(c.Request.Context()))
		return
	}
	writeJSON(c, http.StatusOK, r.svc.Status(c.Request.Context()))
}

func (r *Router) handleStatusStream(c *gin.Context) {
	if r.feed == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "status stream not enabled"})
		return
	}
	ch, unsub := r.feed.Subscribe()
	defer unsub()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("status", r.svc.Status(c.Request.Context()))
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case st, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("status", st)
			return true
		}
	})
}

func (r *Router) handleHardware(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.svc.HardwareProfile(c.Request.Context()))
}

func (r *Router) handleModels(c *gin.Context) {
	models, err := r.svc.ListModels(c.Request.Context())
	if err != nil {
		r.writeError(c, err)
		return
	}
	if models == nil {
		models = []modelrt.Model{}
	}
	writeJSON(c, http.StatusOK, models)
}

// handlePull streams one PullProgress JSON object per line. Failures after the
// stream started are reported as a final "error" phase line.
func (r *Router) handlePull(c *gin.Context) {
	var req pullReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isModelName(req.Model) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid model: allowed [A-Za-z0-9._:/-] and no '..'"})
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	var last modelrt.Phase
	err := r.svc.PullModel(c.Request.Context(), req.Model, func(p modelrt.PullProgress) {
		last = p.Phase
		writeLine(c, p)
	})
	if err != nil && last != modelrt.PhaseError {
		writeLine(c, modelrt.PullProgress{ModelID: req.Model, Phase: modelrt.PhaseError, Detail: err.Error()})
	}
	if err != nil {
		r.log.Warn("model pull failed", "model", req.Model, "error", err)
	}
}

func (r *Router) handleTunnelStart(c *gin.Context) {
	var req tokenReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	ctx := c.Request.Context()
	var err error
	if req.Token == nil {
		err = r.svc.StartTunnelWithSavedToken(ctx)
	} else {
		err = r.svc.StartTunnel(ctx, *req.Token)
	}
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.svc.Status(ctx))
}

func (r *Router) handleTunnelStop(c *gin.Context) {
	if err := r.svc.StopTunnel(c.Request.Context()); err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleTunnelToken(c *gin.Context) {
	var req tokenReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Token == nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "token required"})
		return
	}
	if err := r.svc.SetTunnelToken(c.Request.Context(), *req.Token); err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleAutomationStart(c *gin.Context) {
	if err := r.svc.StartAutomation(c.Request.Context()); err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleAutomationStop(c *gin.Context) {
	if err := r.svc.StopAutomation(c.Request.Context()); err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleResources(c *gin.Context) {
	if r.resources == nil || !r.resources.IsEnabled() {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource sampling not enabled"})
		return
	}
	if svc := c.Query("service"); svc != "" {
		if isTrue(c.Query("history")) {
			writeJSON(c, http.StatusOK, r.resources.History(svc))
			return
		}
		u, ok := r.resources.Latest(svc)
		if !ok {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "no samples for " + svc})
			return
		}
		writeJSON(c, http.StatusOK, u)
		return
	}
	writeJSON(c, http.StatusOK, r.resources.All())
}
