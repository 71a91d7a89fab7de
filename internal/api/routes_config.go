package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/lkrzak/mniam-headless/internal/config"
)

// handleGetConfig returns the current configuration with secrets masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	appData := s.cfg.GetApplicationData()
	if appData.Security.APIToken != "" {
		appData.Security.APIToken = "********"
	}

	c.JSON(http.StatusOK, gin.H{
		"server":           s.cfg.GetServer(),
		"application_data": appData,
	})
}

// handlePatchServerConfig updates server fields by JSON key. Changes apply
// on the next start.
func (s *Server) handlePatchServerConfig(c *gin.Context) {
	var fields map[string]interface{}
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	previous := s.cfg.GetServer()
	for key, value := range fields {
		if err := s.cfg.UpdateServerField(key, value); err != nil {
			s.cfg.SetServer(previous)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	result := config.Validate(s.cfg)
	if !result.IsValid() {
		s.cfg.SetServer(previous)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid configuration", "errors": result.Errors})
		return
	}

	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	log.Info().Interface("fields", fields).Str("client_ip", c.ClientIP()).Msg("API: server config updated")
	c.JSON(http.StatusOK, gin.H{
		"status":           "updated",
		"server":           s.cfg.GetServer(),
		"restart_required": true,
		"warnings":         result.Warnings,
	})
}
