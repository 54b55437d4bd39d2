package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/khabaroff/gatekeeper/src/logging"
	"github.com/khabaroff/gatekeeper/src/middleware"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/services"
)

// multipartOverhead is the allowance for headers and boundaries on top of
// the category's size limit
const multipartOverhead = 64 << 10

// APIHandler serves the protected /api routes
type APIHandler struct {
	keyService *services.KeyService
	uploads    *services.UploadValidator
	uploadDir  string
}

// NewAPIHandler creates the API handler. An empty uploadDir validates
// uploads without persisting them.
func NewAPIHandler(keyService *services.KeyService, uploads *services.UploadValidator, uploadDir string) *APIHandler {
	return &APIHandler{
		keyService: keyService,
		uploads:    uploads,
		uploadDir:  uploadDir,
	}
}

// HandleWhoAmI returns the resolved caller
func (h *APIHandler) HandleWhoAmI(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"identity":    middleware.GetIdentity(c),
		"api_version": middleware.GetAPIVersion(c),
	})
}

// HandleEcho returns the verified body of a signed request
func (h *APIHandler) HandleEcho(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	identity := middleware.GetIdentity(c)
	c.JSON(http.StatusOK, gin.H{
		"key_id": identity.KeyID,
		"bytes":  len(body),
		"body":   string(body),
	})
}

// HandleUpload validates a multipart "file" against the category policy
// and stores it under a server-generated name
func (h *APIHandler) HandleUpload(c *gin.Context) {
	category := c.Param("category")
	maxSize, ok := h.uploads.MaxSize(category)
	if !ok {
		middleware.AbortWithError(c, fmt.Errorf("%w: unknown category %q", services.ErrUnsupportedFileType, category))
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize+multipartOverhead)

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.AbortWithError(c, services.ErrFileTooLarge)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "missing file",
			"request_id": middleware.GetRequestID(c),
		})
		return
	}

	f, err := header.Open()
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	defer f.Close()

	payload, err := io.ReadAll(io.LimitReader(f, maxSize+1))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	accepted, err := h.uploads.Validate(c.Request.Context(), category, models.UploadCandidate{
		Payload:      payload,
		Filename:     header.Filename,
		DeclaredMIME: header.Header.Get("Content-Type"),
		Size:         header.Size,
	})
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	if h.uploadDir != "" {
		dest := filepath.Join(h.uploadDir, accepted.StorageName)
		if err := os.WriteFile(dest, payload, 0o600); err != nil {
			logger := logging.FromContext(c.Request.Context(), "upload")
			logger.Error().Err(err).Str("path", dest).Msg("failed to store upload")
			middleware.AbortWithError(c, err)
			return
		}
	}

	c.JSON(http.StatusCreated, accepted)
}

// ownerKeyUsage is one key and its recent audit trail
type ownerKeyUsage struct {
	Key   *models.APIKey        `json:"key"`
	Usage []*models.UsageRecord `json:"usage"`
}

// HandleOwnerUsage returns usage for every key of :owner. Access is decided
// by the route's capability check (owner or admin).
func (h *APIHandler) HandleOwnerUsage(c *gin.Context) {
	owner := c.Param("owner")
	keys, err := h.keyService.ListKeys(c.Request.Context(), owner)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	limit := usageLimit(c)
	out := make([]ownerKeyUsage, 0, len(keys))
	for _, key := range keys {
		usage, err := h.keyService.ListUsage(c.Request.Context(), key.ID, limit)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}
		if usage == nil {
			usage = []*models.UsageRecord{}
		}
		out = append(out, ownerKeyUsage{Key: key, Usage: usage})
	}

	c.JSON(http.StatusOK, gin.H{
		"owner": owner,
		"keys":  out,
	})
}
