package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"srpk-license-server/internal/auth"
	"srpk-license-server/internal/issuer"
)

func (s *Server) handleValidateLicense(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing key parameter"})
		return
	}

	result, err := s.issuer.Validate(c.Request.Context(), key)
	if err != nil {
		s.logger.Error().Err(err).Msg("license validation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "validation failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}

type adminLoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleAdminLogin(c *gin.Context) {
	var req adminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := s.authService.Login(req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
	})
}

func (s *Server) handleRevokeLicense(c *gin.Context) {
	key := c.Param("key")
	revokedBy := auth.AdminEmail(c)

	err := s.issuer.Revoke(c.Request.Context(), key, revokedBy)
	if errors.Is(err, issuer.ErrLicenseNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "license not found"})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("license_key", key).Msg("revocation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revocation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "revoked", "license_key": key})
}

func (s *Server) handleListLicenses(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	licenses, err := s.repo.ListLicenses(c.Request.Context(), activeOnly, limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Msg("license listing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"licenses": licenses, "count": len(licenses)})
}

func (s *Server) handleLicenseStats(c *gin.Context) {
	stats, err := s.repo.GetLicenseStats(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("license stats failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats failed"})
		return
	}

	c.JSON(http.StatusOK, stats)
}
