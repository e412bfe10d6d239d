package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"askdocs/internal/ingest"
	"askdocs/internal/model"
	"askdocs/internal/platform/rabbitmq"
	"askdocs/internal/repository"
	"askdocs/internal/transport/http/middleware"
	"askdocs/internal/transport/http/response"
)

type IngestHandler struct {
	files     *repository.FileRepository
	publisher *rabbitmq.JobPublisher
}

type IngestRequest struct {
	Key string `json:"key" binding:"required"`
}

func NewIngestHandler(files *repository.FileRepository, publisher *rabbitmq.JobPublisher) *IngestHandler {
	return &IngestHandler{files: files, publisher: publisher}
}

// Notify registers an uploaded object and enqueues its ingestion job. The
// upload itself happens out of band against the shared bucket; this endpoint
// is the handoff point.
func (h *IngestHandler) Notify(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	fileID := uuid.NewString()
	correlationID := uuid.NewString()

	rec := &model.FileRecord{
		FileID:        fileID,
		UserID:        identity.UserID,
		Key:           req.Key,
		CorrelationID: correlationID,
		Status:        model.FileStatusUploaded,
	}
	if err := h.files.Create(c.Request.Context(), rec); err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "register file failed")
		return
	}

	job := ingest.Job{
		Key:           req.Key,
		UserID:        identity.UserID,
		FileID:        fileID,
		CorrelationID: correlationID,
	}
	if err := h.publisher.Publish(c.Request.Context(), job); err != nil {
		// The record stays in "uploaded"; a requeue sweep or a retried
		// notify can pick it up.
		response.Error(c, http.StatusServiceUnavailable, response.CodeUpstreamError, "enqueue ingestion failed")
		return
	}

	response.OK(c, gin.H{
		"file_id":        fileID,
		"correlation_id": correlationID,
		"status":         model.FileStatusUploaded,
	})
}
