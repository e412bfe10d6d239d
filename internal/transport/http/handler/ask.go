package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"askdocs/internal/embedding"
	"askdocs/internal/rag"
	"askdocs/internal/transport/http/middleware"
	"askdocs/internal/transport/http/response"
)

type AskHandler struct {
	answerer *rag.Answerer
}

type AskRequest struct {
	Question string `json:"question" binding:"required"`
	FileID   string `json:"file_id" binding:"required"`
}

func NewAskHandler(answerer *rag.Answerer) *AskHandler {
	return &AskHandler{answerer: answerer}
}

// Ask streams the answer as SSE data events, terminated by an event: done
// carrying the full answer, or event: error.
func (h *AskHandler) Ask(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	stream, err := h.answerer.Ask(c.Request.Context(), identity.UserID, req.FileID, req.Question)
	if err != nil {
		switch {
		case errors.Is(err, rag.ErrEmptyQuestion):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		case errors.Is(err, embedding.ErrBreakerOpen):
			response.Error(c, http.StatusServiceUnavailable, response.CodeUpstreamError, "embedding service unavailable")
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "answer failed")
		}
		return
	}
	defer stream.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "stream not supported")
		return
	}

	var full strings.Builder
	for token := range stream.Tokens() {
		full.WriteString(token)
		if _, writeErr := c.Writer.Write([]byte("data: " + sanitizeSSE(token) + "\n\n")); writeErr != nil {
			return
		}
		flusher.Flush()
	}

	if err := stream.Err(); err != nil {
		if _, writeErr := c.Writer.Write([]byte("event: error\ndata: " + sanitizeSSE(err.Error()) + "\n\n")); writeErr == nil {
			flusher.Flush()
		}
		return
	}

	if _, writeErr := c.Writer.Write([]byte("event: done\ndata: " + sanitizeSSE(full.String()) + "\n\n")); writeErr == nil {
		flusher.Flush()
	}
}

func sanitizeSSE(input string) string {
	replaced := strings.ReplaceAll(input, "\r\n", "\\n")
	replaced = strings.ReplaceAll(replaced, "\n", "\\n")
	return replaced
}
