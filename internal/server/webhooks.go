package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	webhookdomain "github.com/hookline/hookline/internal/webhook/domain"
)

func (s *Server) ListWebhooks(c *gin.Context) {
	webhooks, err := s.webhookSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": webhooks})
}

func (s *Server) CreateWebhook(c *gin.Context) {
	var req webhookdomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	created, err := s.webhookSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) GetWebhook(c *gin.Context) {
	webhook, err := s.webhookSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, webhook)
}

func (s *Server) UpdateWebhook(c *gin.Context) {
	var req webhookdomain.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	updated, err := s.webhookSvc.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) DeleteWebhook(c *gin.Context) {
	if err := s.webhookSvc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type toggleWebhookRequest struct {
	IsActive *bool `json:"is_active"`
}

func (s *Server) ToggleWebhook(c *gin.Context) {
	var req toggleWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.IsActive == nil {
		AbortWithError(c, newValidationError("is_active", "required", "is_active is required"))
		return
	}

	toggled, err := s.webhookSvc.Toggle(c.Request.Context(), c.Param("id"), *req.IsActive)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toggled)
}

func (s *Server) RegenerateWebhookSecret(c *gin.Context) {
	regenerated, err := s.webhookSvc.RegenerateSecret(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, regenerated)
}
