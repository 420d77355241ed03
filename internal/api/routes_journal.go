package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/detonator-project/detonator/internal/db"
	"github.com/detonator-project/detonator/internal/protocol"
)

// JournalView reads back what the match journal recorded.
type JournalView interface {
	Ticks(matchID string) ([]db.TickRecord, error)
	LoadSnapshot(matchID string, seq uint16) (protocol.BoardSnapshot, error)
}

// SetJournal enables the journal endpoints.
func (s *Server) SetJournal(j JournalView) {
	s.journal = j
}

// journalMatch resolves the match to read: the match_id query parameter,
// else the running match. It writes the error response itself.
func (s *Server) journalMatch(c *gin.Context) (string, bool) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return "", false
	}
	if id := c.Query("match_id"); id != "" {
		return id, true
	}
	if sess := s.match.Session(); sess != nil {
		return sess.ID, true
	}
	c.JSON(http.StatusConflict, gin.H{"error": "match not started"})
	return "", false
}

// handleJournalTicks lists the deltas applied so far.
func (s *Server) handleJournalTicks(c *gin.Context) {
	matchID, ok := s.journalMatch(c)
	if !ok {
		return
	}
	ticks, err := s.journal.Ticks(matchID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if ticks == nil {
		ticks = []db.TickRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"match_id": matchID,
		"ticks":    ticks,
		"count":    len(ticks),
	})
}

// handleJournalSnapshot returns a stored snapshot rendered as rows.
func (s *Server) handleJournalSnapshot(c *gin.Context) {
	seq, err := strconv.ParseUint(c.Param("seq"), 10, 16)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid seq"})
		return
	}
	matchID, ok := s.journalMatch(c)
	if !ok {
		return
	}

	board, err := s.journal.LoadSnapshot(matchID, uint16(seq))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not recorded"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"match_id": matchID,
		"seq":      board.Seq,
		"height":   board.Height,
		"width":    board.Width,
		"rows":     renderRows(board),
	})
}
