package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// parseClientID extracts the client id from the URL. It writes the error
// response itself.
func parseClientID(c *gin.Context) (uint32, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client id"})
		return 0, false
	}
	return uint32(id), true
}

// handleListClients returns every client in the table, sorted by id.
func (s *Server) handleListClients(c *gin.Context) {
	clients := s.game.Clients()
	active := 0
	for _, ci := range clients {
		if ci.Active {
			active++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"clients": clients,
		"total":   len(clients),
		"active":  active,
	})
}

// handleGetClient returns one client.
func (s *Server) handleGetClient(c *gin.Context) {
	id, ok := parseClientID(c)
	if !ok {
		return
	}

	info, found := s.game.Lookup(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "client not found", "client": info})
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleRemoveClient drops a client from the table and closes its socket.
func (s *Server) handleRemoveClient(c *gin.Context) {
	id, ok := parseClientID(c)
	if !ok {
		return
	}

	if !s.game.RemoveClient(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "client not found", "id": id})
		return
	}

	log.Info().Uint32("client_id", id).Str("client_ip", c.ClientIP()).Msg("API: client removed")
	c.JSON(http.StatusOK, gin.H{"status": "removed", "id": id})
}

// handlePruneClients removes every inactive client.
func (s *Server) handlePruneClients(c *gin.Context) {
	removed := s.game.RemoveAllInactiveClients()
	log.Info().Int("removed", removed).Msg("API: inactive clients pruned")
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// handleServerStatus returns the accept gate and table size.
func (s *Server) handleServerStatus(c *gin.Context) {
	server := s.cfg.GetServer()
	c.JSON(http.StatusOK, gin.H{
		"accepting":    s.game.IsAccepting(),
		"clients":      s.game.ClientCount(),
		"client_limit": server.ClientLimit,
		"port":         server.Port,
		"run_id":       s.runID,
	})
}

// handleAccept opens the accept gate.
func (s *Server) handleAccept(c *gin.Context) {
	s.game.AcceptIncomingConnections()
	log.Info().Str("client_ip", c.ClientIP()).Msg("API: accepting connections")
	c.JSON(http.StatusOK, gin.H{"accepting": true})
}

// handleReject closes the accept gate. Established clients stay.
func (s *Server) handleReject(c *gin.Context) {
	s.game.RejectIncomingConnections()
	log.Info().Str("client_ip", c.ClientIP()).Msg("API: rejecting connections")
	c.JSON(http.StatusOK, gin.H{"accepting": false})
}
