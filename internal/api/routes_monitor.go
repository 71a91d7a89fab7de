package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/lkrzak/mniam-headless/internal/db"
)

func (s *Server) requireSessions(c *gin.Context) bool {
	if s.sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store disabled"})
		return false
	}
	return true
}

// handleListSessions returns recent client sessions, newest first.
func (s *Server) handleListSessions(c *gin.Context) {
	if !s.requireSessions(c) {
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	sessions, err := s.sessions.Recent(limit)
	if err != nil {
		log.Error().Err(err).Msg("API: failed to query sessions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query sessions"})
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// handleGetClientSession returns the current run's session of one client.
func (s *Server) handleGetClientSession(c *gin.Context) {
	if !s.requireSessions(c) {
		return
	}
	id, ok := parseClientID(c)
	if !ok {
		return
	}

	sess, err := s.sessions.ForClient(s.sessions.RunID(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "id": id})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// handleListAlerts returns unacknowledged alerts.
func (s *Server) handleListAlerts(c *gin.Context) {
	if !s.requireSessions(c) {
		return
	}

	alerts, err := s.sessions.UnacknowledgedAlerts()
	if err != nil {
		log.Error().Err(err).Msg("API: failed to query alerts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query alerts"})
		return
	}
	if alerts == nil {
		alerts = []db.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// handleAcknowledgeAlert marks one alert as seen.
func (s *Server) handleAcknowledgeAlert(c *gin.Context) {
	if !s.requireSessions(c) {
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
		return
	}

	if err := s.sessions.AcknowledgeAlert(id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "acknowledged", "id": id})
}
