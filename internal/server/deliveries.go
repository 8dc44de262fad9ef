package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	webhookdomain "github.com/hookline/hookline/internal/webhook/domain"
)

func (s *Server) ListWebhookDeliveries(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	deliveries, err := s.webhookSvc.Deliveries(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries})
}

func (s *Server) TriggerEvent(c *gin.Context) {
	var req webhookdomain.TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.webhookSvc.Trigger(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	// Matched webhooks are dispatched asynchronously; 202 reflects that.
	c.JSON(http.StatusAccepted, result)
}

func (s *Server) RetryDelivery(c *gin.Context) {
	delivery, err := s.webhookSvc.RetryDelivery(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, delivery)
}
