package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/detonator-project/detonator/internal/network"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "detonator",
	})
}

// handleServerInfo returns what a player needs to know before connecting.
func (s *Server) handleServerInfo(c *gin.Context) {
	tcpPort := uint16(s.cfg.GetServer().TCPPort)
	if s.admission != nil {
		if addr := s.admission.Addr(); addr != nil {
			tcpPort = network.PortOf(addr)
		}
	}
	mcfg := s.match.Config()

	c.JSON(http.StatusOK, gin.H{
		"mode":           mcfg.Mode.String(),
		"height":         mcfg.Dims.Height,
		"width":          mcfg.Dims.Width,
		"tcp_port":       tcpPort,
		"phase":          s.match.Phase(),
		"players":        s.players.Count(),
		"action_port":    mcfg.ActionPort,
		"multicast_addr": mcfg.MulticastAddr,
	})
}
