package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/detonator-project/detonator/internal/protocol"
	"github.com/detonator-project/detonator/internal/util"
)

// handleMatch returns the match phase and session counters.
func (s *Server) handleMatch(c *gin.Context) {
	resp := gin.H{
		"phase": s.match.Phase(),
	}
	if sess := s.match.Session(); sess != nil {
		resp["session"] = sess.Stats()
		resp["last_accepted"] = sess.LastAccepted()
	}
	c.JSON(http.StatusOK, resp)
}

// handlePlayers returns connection state and, once the match runs, the
// board position of every player.
func (s *Server) handlePlayers(c *gin.Context) {
	resp := gin.H{
		"connections": s.players.List(),
		"count":       s.players.Count(),
	}

	if s.match.Session() != nil {
		players, err := s.match.Players()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if players != nil {
			resp["board"] = players
		}
	}
	c.JSON(http.StatusOK, resp)
}

// handleBoard returns the current grid, one string per row.
func (s *Server) handleBoard(c *gin.Context) {
	sess := s.match.Session()
	if sess == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "match not started"})
		return
	}

	board, err := s.match.Board()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"match_id": sess.ID,
		"height":   board.Height,
		"width":    board.Width,
		"rows":     renderRows(board),
	})
}

// tileGlyphs draws one character per tile kind.
var tileGlyphs = map[protocol.Tile]byte{
	protocol.TileEmpty:     '.',
	protocol.TileHardWall:  '#',
	protocol.TileSoftWall:  '+',
	protocol.TileBomb:      'o',
	protocol.TileExplosion: '*',
	protocol.TilePlayer0:   '0',
	protocol.TilePlayer1:   '1',
	protocol.TilePlayer2:   '2',
	protocol.TilePlayer3:   '3',
}

func renderRows(b protocol.BoardSnapshot) []string {
	rows := make([]string, 0, b.Height)
	for y := 0; y < int(b.Height); y++ {
		row := make([]byte, b.Width)
		for x := 0; x < int(b.Width); x++ {
			g, ok := tileGlyphs[b.At(x, y)]
			if !ok {
				g = '?'
			}
			row[x] = g
		}
		rows = append(rows, string(row))
	}
	return rows
}

// handleSystem returns host and process usage.
func (s *Server) handleSystem(c *gin.Context) {
	resp := gin.H{
		"system": util.GetSystemInfo(),
	}
	if cpu, err := util.GetCPUUsage(); err == nil {
		resp["cpu_percent"] = cpu
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		resp["memory"] = mem
	}

	var proc *util.ProcessStats
	if s.health != nil {
		proc = s.health.ProcessStats()
	}
	if proc == nil {
		proc, _ = util.GetProcessStats()
	}
	if proc != nil {
		resp["process"] = proc
		resp["rss"] = util.FormatBytes(proc.RSS)
	}
	if s.spectators != nil {
		resp["spectators"] = s.spectators.Count()
	}
	c.JSON(http.StatusOK, resp)
}

// handleLogEntries returns recent log entries.
func (s *Server) handleLogEntries(c *gin.Context) {
	countStr := c.DefaultQuery("count", "100")
	count, err := strconv.Atoi(countStr)
	if err != nil || count < 1 {
		count = 100
	}
	if count > 1000 {
		count = 1000
	}

	logDir := s.cfg.GetApplicationData().Logging.Directory
	entries, err := readRecentLogEntries(logDir, count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// logEntry is a parsed log entry for the API response.
type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// readRecentLogEntries reads and parses the most recent log entries from log files.
func readRecentLogEntries(logDir string, count int) ([]logEntry, error) {
	dirEntries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, err
	}

	if len(dirEntries) == 0 {
		return []logEntry{}, nil
	}

	// Find the most recent log file
	var latestFile string
	for i := len(dirEntries) - 1; i >= 0; i-- {
		if !dirEntries[i].IsDir() && filepath.Ext(dirEntries[i].Name()) == ".log" {
			latestFile = filepath.Join(logDir, dirEntries[i].Name())
			break
		}
	}

	if latestFile == "" {
		return []logEntry{}, nil
	}

	// Read file content
	data, err := os.ReadFile(latestFile)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(data), "\n")

	// Take last N lines
	start := len(lines) - count
	if start < 0 {
		start = 0
	}

	// Known zerolog internal fields to exclude from "fields"
	knownKeys := map[string]bool{
		"level": true, "time": true, "message": true,
		"caller": true, "app": true,
	}

	result := make([]logEntry, 0, count)
	for _, line := range lines[start:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		// Parse the JSON line
		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			// Not JSON, keep the raw line
			result = append(result, logEntry{Message: line})
			continue
		}

		entry := logEntry{
			Level:   stringFromMap(raw, "level"),
			Message: stringFromMap(raw, "message"),
		}

		// Parse timestamp (zerolog uses "time" field)
		if t, ok := raw["time"]; ok {
			entry.Timestamp = fmt.Sprintf("%v", t)
		}

		// Collect remaining fields
		extra := make(map[string]interface{})
		for k, v := range raw {
			if !knownKeys[k] {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			entry.Fields = extra
		}

		result = append(result, entry)
	}

	return result, nil
}

// stringFromMap extracts a string value from a map, returning "" if missing.
func stringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
