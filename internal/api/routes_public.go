package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/lkrzak/mniam-headless/internal/util"
)

// Version is reported by the ping endpoint.
const Version = "1.0.0"

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "mniam",
		"version": Version,
		"run_id":  s.runID,
	})
}

// handleGetSystem returns host information and current resource usage.
func (s *Server) handleGetSystem(c *gin.Context) {
	usage, err := util.GetUsage(".")
	if err != nil {
		log.Debug().Err(err).Msg("API: usage sample incomplete")
	}

	c.JSON(http.StatusOK, gin.H{
		"system":         util.GetSystemInfo(),
		"usage":          usage,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"clients":        s.game.ClientCount(),
		"accepting":      s.game.IsAccepting(),
	})
}
