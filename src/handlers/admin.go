package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/khabaroff/gatekeeper/src/middleware"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/services"
)

const (
	defaultUsageLimit = 100
	maxUsageLimit     = 1000
)

// AdminHandler handles key lifecycle and security operations
type AdminHandler struct {
	keyService *services.KeyService
	guard      *services.LoginGuard
	events     *services.RecentEventsSink
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(keyService *services.KeyService, guard *services.LoginGuard, events *services.RecentEventsSink) *AdminHandler {
	return &AdminHandler{
		keyService: keyService,
		guard:      guard,
		events:     events,
	}
}

// CreateKeyRequest represents the request body for minting a key
type CreateKeyRequest struct {
	Owner      string         `json:"owner" binding:"required,max=255"`
	Name       string         `json:"name" binding:"max=255"`
	Scopes     []models.Scope `json:"scopes" binding:"required,min=1"`
	RateLimit  int            `json:"rate_limit" binding:"min=0"`
	TTLSeconds int64          `json:"ttl_seconds" binding:"min=0"`
}

// CreateKeyResponse carries the plaintext key. It is shown exactly once.
type CreateKeyResponse struct {
	Key    *models.APIKey `json:"key"`
	APIKey string         `json:"api_key"`
}

// HandleCreateKey mints a new API key
func (ah *AdminHandler) HandleCreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body",
		})
		return
	}

	key, plaintext, err := ah.keyService.CreateKey(c.Request.Context(), services.NewKeyRequest{
		Owner:     req.Owner,
		Name:      req.Name,
		Scopes:    req.Scopes,
		RateLimit: req.RateLimit,
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		if errors.Is(err, services.ErrUpstreamStoreUnavailable) {
			middleware.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, CreateKeyResponse{Key: key, APIKey: plaintext})
}

// HandleListKeys lists keys, optionally filtered by ?owner=
func (ah *AdminHandler) HandleListKeys(c *gin.Context) {
	keys, err := ah.keyService.ListKeys(c.Request.Context(), c.Query("owner"))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	if keys == nil {
		keys = []*models.APIKey{}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys": keys,
	})
}

// HandleGetKey returns one key record
func (ah *AdminHandler) HandleGetKey(c *gin.Context) {
	key, err := ah.keyService.GetKey(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, key)
}

// HandleRevokeKey revokes a key; requests using it fail from now on
func (ah *AdminHandler) HandleRevokeKey(c *gin.Context) {
	if err := ah.keyService.RevokeKey(c.Request.Context(), c.Param("id")); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "revoked",
	})
}

// usageLimit parses ?limit= within [1, maxUsageLimit]
func usageLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultUsageLimit)))
	if err != nil || limit < 1 {
		return defaultUsageLimit
	}
	if limit > maxUsageLimit {
		return maxUsageLimit
	}
	return limit
}

// HandleKeyUsage returns the audit trail of one key
func (ah *AdminHandler) HandleKeyUsage(c *gin.Context) {
	usage, err := ah.keyService.ListUsage(c.Request.Context(), c.Param("id"), usageLimit(c))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	if usage == nil {
		usage = []*models.UsageRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"usage": usage,
	})
}

// HandleGetLockout returns the login attempt state of an identity
func (ah *AdminHandler) HandleGetLockout(c *gin.Context) {
	st := ah.guard.State(c.Param("identity"))
	c.JSON(http.StatusOK, gin.H{
		"identity":     st.Identity,
		"state":        st.State(time.Now()),
		"failures":     st.Count,
		"locked_until": st.LockedUntil,
	})
}

// HandleClearLockout unlocks an identity
func (ah *AdminHandler) HandleClearLockout(c *gin.Context) {
	ah.guard.Clear(c.Request.Context(), c.Param("identity"))
	c.JSON(http.StatusOK, gin.H{
		"status": "cleared",
	})
}

// HandleListEvents returns recent security events, optionally filtered by ?kind=
func (ah *AdminHandler) HandleListEvents(c *gin.Context) {
	var events []models.SecurityEvent
	if kind := c.Query("kind"); kind != "" {
		events = ah.events.Find(kind)
	} else {
		events = ah.events.Events()
	}
	if events == nil {
		events = []models.SecurityEvent{}
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
	})
}
