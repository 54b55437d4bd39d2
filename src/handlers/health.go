package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

var startTime = time.Now()

// Version is reported by /info
var Version = "dev"

// HealthChecker is implemented by *database.Database
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthHandler handles health check requests
type HealthHandler struct {
	db HealthChecker
}

// NewHealthHandler creates a new health handler. A nil db means the
// gateway runs on in-memory stores.
func NewHealthHandler(db HealthChecker) *HealthHandler {
	return &HealthHandler{
		db: db,
	}
}

// HandleHealth returns health status with DB check
func (hh *HealthHandler) HandleHealth(c *gin.Context) {
	if hh.db == nil {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"store":  "memory",
			"uptime": time.Since(startTime).String(),
		})
		return
	}

	start := time.Now()
	err := hh.db.Health(c.Request.Context())
	dbLatency := time.Since(start)

	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"store":    "postgres",
			"database": "disconnected",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"store":      "postgres",
		"database":   "connected",
		"db_latency": dbLatency.String(),
		"uptime":     time.Since(startTime).String(),
	})
}

// HandleInfo returns service information
func (hh *HealthHandler) HandleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "gatekeeper",
		"version": Version,
		"status":  "running",
		"uptime":  time.Since(startTime).String(),
	})
}

// HandleReady returns readiness status (for load balancers)
func (hh *HealthHandler) HandleReady(c *gin.Context) {
	if hh.db != nil {
		if err := hh.db.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready": false,
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"ready": true,
	})
}
