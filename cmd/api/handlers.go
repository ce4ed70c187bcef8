package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/M-Rafay/ocr-api/internal/logging"
	"github.com/M-Rafay/ocr-api/internal/metrics"
	"github.com/M-Rafay/ocr-api/internal/middleware"
	"github.com/M-Rafay/ocr-api/internal/orchestrator"
	"github.com/M-Rafay/ocr-api/pkg/models"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
)

// API holds the HTTP handlers
type API struct {
	orchestrator   *orchestrator.Service
	logger         *logging.Logger
	maxUploadBytes int64
}

// NewAPI creates the handler set
func NewAPI(svc *orchestrator.Service, logger *logging.Logger, maxUploadBytes int64) *API {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 32 << 20
	}
	return &API{
		orchestrator:   svc,
		logger:         logger,
		maxUploadBytes: maxUploadBytes,
	}
}

type extractTextRequest struct {
	ImageBase64 string `json:"image_base64"`
	ImageURL    string `json:"image_url"`
	Language    string `json:"language"`
	UserID      string `json:"user_id" binding:"required"`
}

type historyEntry struct {
	ID        string          `json:"id"`
	InputType string          `json:"input_type"`
	InputPath string          `json:"input_path"`
	Language  string          `json:"language"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}

func detail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"detail": msg})
}

// Health check endpoint. It never touches storage.
func (api *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Extract text from a base64 payload or an image URL
func (api *API) extractText(c *gin.Context) {
	var req extractTextRequest
	// The quota gate already consumed the body; read the cached copy
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		msg := fmt.Sprintf("Invalid request: %v", err)
		if userID, ok := middleware.GetUserID(c); ok {
			api.rejectAttempt(c, userID, models.EndpointExtractText, http.StatusBadRequest, msg)
			return
		}
		api.clientError(c, msg)
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		api.clientError(c, "user_id is required")
		return
	}

	results, err := api.orchestrator.ProcessImage(c.Request.Context(), orchestrator.ImageRequest{
		UserID:      userID,
		ImageBase64: req.ImageBase64,
		ImageURL:    req.ImageURL,
		Language:    req.Language,
	})
	if err != nil {
		api.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": results})
}

// Upload a PDF and extract text from every page
func (api *API) uploadPDF(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		userID = strings.TrimSpace(c.PostForm("user_id"))
	}
	if userID == "" {
		api.clientError(c, "user_id is required")
		return
	}

	language := c.Query("language")
	if language == "" {
		language = c.PostForm("language")
	}

	file, err := c.FormFile("file")
	if err != nil {
		api.rejectAttempt(c, userID, models.EndpointUploadPDF, http.StatusBadRequest, "No file provided")
		return
	}
	if file.Size > api.maxUploadBytes {
		api.rejectAttempt(c, userID, models.EndpointUploadPDF, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("File exceeds %d bytes", api.maxUploadBytes))
		return
	}

	f, err := file.Open()
	if err != nil {
		api.rejectAttempt(c, userID, models.EndpointUploadPDF, http.StatusBadRequest, "Failed to read upload")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		api.rejectAttempt(c, userID, models.EndpointUploadPDF, http.StatusBadRequest, "Failed to read upload")
		return
	}

	pages, err := api.orchestrator.ProcessPDF(c.Request.Context(), orchestrator.PDFRequest{
		UserID:   userID,
		Filename: file.Filename,
		Data:     data,
		Language: language,
	})
	if err != nil {
		api.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"pages": pages})
}

// List a user's jobs, newest first
func (api *API) getHistory(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))

	jobs, err := api.orchestrator.GetHistory(c.Request.Context(), userID)
	if err != nil {
		api.fail(c, err)
		return
	}

	history := make([]historyEntry, 0, len(jobs))
	for _, job := range jobs {
		history = append(history, historyEntry{
			ID:        job.ID,
			InputType: job.InputType,
			InputPath: job.InputPath,
			Language:  job.Language,
			Result:    job.Result,
			CreatedAt: job.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"history": history})
}

// rejectAttempt answers a client error for an admitted request. The
// attempt still counts against the caller's quota.
func (api *API) rejectAttempt(c *gin.Context, userID, endpoint string, status int, msg string) {
	if err := api.orchestrator.RecordAttempt(c.Request.Context(), userID, endpoint); err != nil {
		api.fail(c, err)
		return
	}
	metrics.RecordError("api", "validation")
	detail(c, status, msg)
}

func (api *API) clientError(c *gin.Context, msg string) {
	metrics.RecordError("api", "validation")
	detail(c, http.StatusBadRequest, msg)
}

func (api *API) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNoImageSource):
		api.clientError(c, "Provide image_base64 or image_url")
	case errors.Is(err, orchestrator.ErrEmptyUpload):
		api.clientError(c, "Uploaded file is empty")
	default:
		metrics.RecordError("api", "internal")
		api.logger.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
		detail(c, http.StatusInternalServerError, "Internal server error")
	}
}
