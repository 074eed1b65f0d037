// Package api exposes the lifecycle engine over HTTP for editor extensions
// and other local tools.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/neodock/neodock/internal/config"
	"github.com/neodock/neodock/internal/domain"
	"github.com/neodock/neodock/internal/metrics"
	"github.com/neodock/neodock/internal/orchestrator"
	"github.com/neodock/neodock/internal/ports"
	"github.com/neodock/neodock/pkg/logging"
)

// Pinger reports whether the container engine is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the HTTP handlers and dependencies.
type Handler struct {
	cfg       *config.Config
	manager   orchestrator.Manager
	allocator *ports.Allocator
	engine    Pinger
	metrics   *metrics.Collector
	logger    *logging.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	cfg *config.Config,
	manager orchestrator.Manager,
	allocator *ports.Allocator,
	engine Pinger,
	m *metrics.Collector,
	logger *logging.Logger,
) *Handler {
	return &Handler{
		cfg:       cfg,
		manager:   manager,
		allocator: allocator,
		engine:    engine,
		metrics:   m,
		logger:    logger.With("component", "api"),
	}
}

// Router returns the configured Gin router.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger(h.logger, h.metrics))

	r.GET("/health", h.health)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	v1 := r.Group("/api/v1")
	v1.Use(APIKeyAuth(h.cfg.Server.APIKey))
	{
		instances := v1.Group("/instances")
		{
			instances.POST("", h.startInstance)
			instances.GET("", h.listInstances)
			instances.POST("/stop-all", h.stopAll)
			instances.GET("/:id", h.getInstance)
			instances.DELETE("/:id", h.stopInstance)
			instances.POST("/:id/export", h.exportInstance)
			instances.POST("/:id/import", h.importInstance)
		}

		v1.POST("/cleanup", h.cleanup)

		portsGroup := v1.Group("/ports")
		{
			portsGroup.GET("", h.listPorts)
			portsGroup.POST("/reconcile", h.reconcilePorts)
		}
	}

	return r
}

// health reports whether the container engine answers.
func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.engine.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded",
			"engine": "unavailable",
			"hint":   domain.Hint(err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"engine": "ok",
	})
}

func (h *Handler) startInstance(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body")
		return
	}
	cfg, err := req.config()
	if err != nil {
		h.fail(c, err)
		return
	}

	inst, err := h.manager.Start(c.Request.Context(), cfg)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(inst))
}

func (h *Handler) listInstances(c *gin.Context) {
	list, err := h.manager.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]InstanceResponse, 0, len(list))
	for _, inst := range list {
		out = append(out, toResponse(inst))
	}
	c.JSON(http.StatusOK, gin.H{"instances": out})
}

func (h *Handler) getInstance(c *gin.Context) {
	inst, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(inst))
}

func (h *Handler) stopInstance(c *gin.Context) {
	if err := h.manager.Stop(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) stopAll(c *gin.Context) {
	if err := h.manager.StopAll(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) cleanup(c *gin.Context) {
	var req CleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.badRequest(c, "invalid request body")
		return
	}
	keepDays := h.cfg.Cleanup.KeepDays
	if req.KeepDays != nil {
		keepDays = *req.KeepDays
	}

	report, err := h.manager.Cleanup(c.Request.Context(), keepDays)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) exportInstance(c *gin.Context) {
	var req ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.badRequest(c, "invalid request body")
		return
	}

	dest, err := h.snapshotPath(req.Path)
	if err != nil {
		h.fail(c, err)
		return
	}
	inst, err := h.instance(c, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	if req.Path == "" {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			h.fail(c, err)
			return
		}
	}
	path, err := inst.ExportData(c.Request.Context(), dest)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path})
}

func (h *Handler) importInstance(c *gin.Context) {
	var req ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "path is required")
		return
	}

	path, err := h.snapshotPath(req.Path)
	if err != nil {
		h.fail(c, err)
		return
	}
	inst, err := h.instance(c, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := inst.ImportData(c.Request.Context(), path, req.options()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "status": "imported"})
}

func (h *Handler) listPorts(c *gin.Context) {
	allocs, err := h.allocator.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"allocations": allocs})
}

func (h *Handler) reconcilePorts(c *gin.Context) {
	removed, err := h.allocator.Reconcile(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if h.metrics != nil {
		h.metrics.ReconcileRemovedTotal.Add(float64(removed))
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// instance resolves :id, switching credentials when the caller sent a
// password.
func (h *Handler) instance(c *gin.Context, password string) (*orchestrator.Instance, error) {
	inst, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	if password != "" {
		inst = inst.WithPassword(password)
	}
	return inst, nil
}

// snapshotPath resolves p below the snapshot directory. Relative paths are
// joined onto it; absolute ones must already point inside it. The HTTP
// surface never reads or writes archives anywhere else.
func (h *Handler) snapshotPath(p string) (string, error) {
	root, err := filepath.Abs(h.cfg.Snapshot.Dir)
	if err != nil {
		return "", err
	}
	if p == "" {
		return root, nil
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: snapshot path %q is outside %s", domain.ErrInvalidConfig, p, root)
	}
	return p, nil
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, code := errorStatus(err)
	log := h.logger.WithContext(c.Request.Context())
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", "code", code, "error", err)
	} else {
		log.Info("Request rejected", "code", code, "error", err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:  domain.Hint(err),
		Code:   code,
		Detail: err.Error(),
	})
}

func (h *Handler) badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error: msg,
		Code:  "BAD_REQUEST",
	})
}
