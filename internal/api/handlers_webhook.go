package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"srpk-license-server/internal/webhook"
)

func (s *Server) handleRegisterWebhook(c *gin.Context) {
	var req webhook.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := s.dispatcher.Register(c.Request.Context(), req)
	if errors.Is(err, webhook.ErrSubscriptionLimit) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{
		"id":         sub.ID,
		"registrant": sub.Registrant,
		"url":        sub.URL,
		"events":     sub.SubscribedEvents,
	}
	if req.Secret == "" {
		// A generated secret appears exactly once, in this response.
		resp["secret"] = sub.Secret
	}
	c.JSON(http.StatusCreated, resp)
}

type updateWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

func (s *Server) handleUpdateWebhook(c *gin.Context) {
	var req updateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := s.dispatcher.Update(c.Request.Context(), c.Param("id"), req.URL, req.Events)
	if errors.Is(err, webhook.ErrSubscriptionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, sub)
}

func (s *Server) handleRemoveWebhook(c *gin.Context) {
	err := s.dispatcher.Remove(c.Request.Context(), c.Param("id"))
	if errors.Is(err, webhook.ErrSubscriptionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("webhook removal failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "removal failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

func (s *Server) handleListDeliveries(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	attempts, err := s.dispatcher.Deliveries(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("delivery listing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deliveries": attempts, "count": len(attempts)})
}

func (s *Server) handleDeadLetters(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	attempts, err := s.dispatcher.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("dead letter listing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"failures": attempts, "count": len(attempts)})
}
