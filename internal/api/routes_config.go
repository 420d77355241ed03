package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// handleGetConfig returns the full current configuration.
func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"server":           s.cfg.GetServer(),
		"application_data": s.cfg.GetApplicationData(),
	})
}

type logLevelRequest struct {
	Level string `json:"level" binding:"required"`
}

// handleSetLogLevel changes the global log level and persists it.
func (s *Server) handleSetLogLevel(c *gin.Context) {
	var req logLevelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	level, err := zerolog.ParseLevel(req.Level)
	if err != nil || level == zerolog.NoLevel {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown log level", "level": req.Level})
		return
	}

	zerolog.SetGlobalLevel(level)
	s.cfg.SetLogLevel(level.String())

	if s.cfg.Path() != "" {
		if err := s.cfg.Save(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
			return
		}
	}

	log.Info().Str("level", level.String()).Str("client_ip", c.ClientIP()).Msg("log level changed via API")
	c.JSON(http.StatusOK, gin.H{"level": level.String()})
}
