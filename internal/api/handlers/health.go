package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/celebrum-quant/internal/services"
)

// HealthChecker is satisfied by the Postgres and Redis clients.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ResourceReporter reports host load.
type ResourceReporter interface {
	Snapshot(ctx context.Context) services.ResourceSnapshot
}

type HealthHandler struct {
	db        HealthChecker
	redis     HealthChecker
	resources ResourceReporter
	version   string
	started   time.Time
}

type HealthResponse struct {
	Status    string                     `json:"status"`
	Timestamp time.Time                  `json:"timestamp"`
	Services  map[string]string          `json:"services"`
	Resources *services.ResourceSnapshot `json:"resources,omitempty"`
	Version   string                     `json:"version"`
	Uptime    string                     `json:"uptime"`
}

func NewHealthHandler(db, redis HealthChecker, resources ResourceReporter, version string) *HealthHandler {
	return &HealthHandler{
		db:        db,
		redis:     redis,
		resources: resources,
		version:   version,
		started:   time.Now(),
	}
}

func check(ctx context.Context, c HealthChecker) string {
	if c == nil {
		return "unhealthy: not configured"
	}
	if err := c.HealthCheck(ctx); err != nil {
		return "unhealthy: " + err.Error()
	}
	return "healthy"
}

// HealthCheck reports database, Redis and host resources. Any unhealthy
// dependency turns the response into a 503.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx := c.Request.Context()
	svc := map[string]string{
		"database": check(ctx, h.db),
		"redis":    check(ctx, h.redis),
	}

	overall := "healthy"
	for _, status := range svc {
		if status != "healthy" {
			overall = "unhealthy"
			break
		}
	}

	resp := HealthResponse{
		Status:    overall,
		Timestamp: time.Now().UTC(),
		Services:  svc,
		Version:   h.version,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	}
	if h.resources != nil {
		snap := h.resources.Snapshot(ctx)
		resp.Resources = &snap
	}

	code := http.StatusOK
	if overall != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// LivenessCheck only proves the process answers.
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
