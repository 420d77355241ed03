package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/detonator-project/detonator/internal/config"
	"github.com/detonator-project/detonator/internal/engine"
	"github.com/detonator-project/detonator/internal/events"
	"github.com/detonator-project/detonator/internal/match"
	"github.com/detonator-project/detonator/internal/network"
	"github.com/detonator-project/detonator/internal/protocol"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *match.Manager) {
	t.Helper()
	cfg := config.DefaultConfig()
	app := cfg.GetApplicationData()
	app.API.RateLimitRPS = 0
	app.Logging.Level = "info"
	cfg.SetApplicationData(app)
	if mutate != nil {
		mutate(cfg)
	}

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)
	mgr := match.NewManager(match.ManagerConfig{
		Mode: protocol.ModeTeam,
		Dims: engine.Dimensions{Height: 7, Width: 9},
	}, engine.NewArena(engine.ArenaConfig{Seed: 1}), bus)

	return NewServer(cfg, bus, mgr, network.NewConnectionRegistry()), mgr
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("%s: invalid JSON %q: %v", path, rec.Body.String(), err)
	}
	return rec, body
}

func TestPublicEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec, body := get(t, s, "/api/public/ping")
	if rec.Code != http.StatusOK || body["service"] != "detonator" {
		t.Fatalf("ping: %d %v", rec.Code, body)
	}

	rec, body = get(t, s, "/api/public/server_info")
	if rec.Code != http.StatusOK {
		t.Fatalf("server_info: %d", rec.Code)
	}
	if body["mode"] != "team" || body["phase"] != "waiting" || body["height"].(float64) != 7 {
		t.Fatalf("unexpected server info %v", body)
	}

	rec, _ = get(t, s, "/api/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestBoardAndMatchAfterStart(t *testing.T) {
	s, mgr := newTestServer(t, nil)

	rec, _ := get(t, s, "/api/monitor/board")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 before start, got %d", rec.Code)
	}

	if err := mgr.StartMatch(context.Background()); err != nil {
		t.Fatalf("StartMatch: %v", err)
	}

	rec, body := get(t, s, "/api/monitor/board")
	if rec.Code != http.StatusOK {
		t.Fatalf("board: %d", rec.Code)
	}
	rows := body["rows"].([]interface{})
	if len(rows) != 7 || rows[0] != strings.Repeat("#", 9) {
		t.Fatalf("unexpected rows %v", rows)
	}
	if rows[1].(string)[1] != '0' {
		t.Fatalf("expected player 0 in the top-left corner, got %q", rows[1])
	}

	rec, body = get(t, s, "/api/monitor/match")
	if rec.Code != http.StatusOK || body["phase"] != "playing" || body["session"] == nil {
		t.Fatalf("match: %d %v", rec.Code, body)
	}

	rec, body = get(t, s, "/api/monitor/players")
	if rec.Code != http.StatusOK || len(body["board"].([]interface{})) != protocol.PlayerNum {
		t.Fatalf("players: %d %v", rec.Code, body)
	}
}

func TestIPWhitelistGuardsMonitor(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		app := cfg.GetApplicationData()
		app.API.IPWhitelist = []string{"10.0.0.0/8"}
		cfg.SetApplicationData(app)
	})

	rec, _ := get(t, s, "/api/monitor/match")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	rec, _ = get(t, s, "/api/public/ping")
	if rec.Code != http.StatusOK {
		t.Fatalf("public routes stay open, got %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		app := cfg.GetApplicationData()
		app.API.RateLimitRPS = 1
		cfg.SetApplicationData(app)
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec, _ := get(t, s, "/api/public/ping")
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence %v", codes)
	}
}

func TestSetLogLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(prev)

	s, _ := newTestServer(t, nil)

	post := func(body string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/configure/log_level", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		return rec.Code
	}

	if code := post(`{"level":"loud"}`); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if code := post(`{}`); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing level, got %d", code)
	}
	if code := post(`{"level":"warn"}`); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if zerolog.GlobalLevel() != zerolog.WarnLevel || s.cfg.GetApplicationData().Logging.Level != "warn" {
		t.Fatalf("level not applied")
	}
}

func TestSpectatorStream(t *testing.T) {
	s, mgr := newTestServer(t, nil)
	if err := mgr.StartMatch(context.Background()); err != nil {
		t.Fatalf("StartMatch: %v", err)
	}

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/public/spectate"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() SpectatorFrame {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if kind != websocket.BinaryMessage {
			t.Fatalf("expected binary frame, got %d", kind)
		}
		var f SpectatorFrame
		if err := msgpack.Unmarshal(data, &f); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return f
	}

	first := read()
	if first.Type != FrameSnapshot || first.Board == nil || first.Board.Width != 9 {
		t.Fatalf("unexpected initial frame %+v", first)
	}
	if first.MatchID != mgr.Session().ID {
		t.Fatalf("expected match id %s, got %s", mgr.Session().ID, first.MatchID)
	}

	err = s.Spectators().Broadcast(SpectatorFrame{
		Type:  FrameDelta,
		Delta: &protocol.BoardDelta{Seq: 3, Changes: []protocol.TileChange{{X: 1, Y: 2, Tile: protocol.TileBomb}}},
	})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	next := read()
	if next.Type != FrameDelta || next.Delta == nil || next.Delta.Seq != 3 || next.Delta.Changes[0].Tile != protocol.TileBomb {
		t.Fatalf("unexpected delta frame %+v", next)
	}
	if s.Spectators().Count() != 1 {
		t.Fatalf("expected one spectator, got %d", s.Spectators().Count())
	}
}
