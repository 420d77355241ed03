package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/detonator-project/detonator/internal/events"
	"github.com/detonator-project/detonator/internal/protocol"
)

func openJournal(t *testing.T, every int) *Journal {
	t.Helper()
	j, err := NewJournal(filepath.Join(t.TempDir(), "nested", "journal.db"), every)
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func startMatch(t *testing.T, j *Journal, id string) {
	t.Helper()
	err := j.RecordMatch(events.MatchStartedPayload{
		MatchID:       id,
		Mode:          protocol.ModeTeam,
		Height:        3,
		Width:         3,
		ActionPort:    4000,
		MulticastAddr: "[ff12::1]:5000",
	})
	if err != nil {
		t.Fatalf("RecordMatch: %v", err)
	}
}

func TestPlayersAttachToMatch(t *testing.T) {
	j := openJournal(t, 1)

	for id := 0; id < 4; id++ {
		if err := j.RecordPlayer(id, uint8(id/2), "127.0.0.1:1", "joined", ""); err != nil {
			t.Fatalf("RecordPlayer: %v", err)
		}
	}
	if err := j.RecordPlayer(-1, 0, "127.0.0.1:2", "dropped", "roster full"); err != nil {
		t.Fatalf("RecordPlayer: %v", err)
	}
	startMatch(t, j, "m1")

	n, err := j.PlayerEvents("m1")
	if err != nil {
		t.Fatalf("PlayerEvents: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 player rows, got %d", n)
	}

	if err := j.EndMatch(); err != nil {
		t.Fatalf("EndMatch: %v", err)
	}
	var ended int
	if err := j.db.queryRow(`SELECT COUNT(*) FROM matches WHERE ended_at IS NOT NULL`, nil, &ended); err != nil {
		t.Fatalf("query: %v", err)
	}
	if ended != 1 {
		t.Fatalf("expected closed match, got %d", ended)
	}
}

func TestSnapshotsAreSampledAndCompressed(t *testing.T) {
	j := openJournal(t, 3)
	startMatch(t, j, "m1")

	board := protocol.BoardSnapshot{
		Height: 3,
		Width:  3,
		Tiles: []protocol.Tile{
			protocol.TileHardWall, protocol.TileHardWall, protocol.TileHardWall,
			protocol.TileHardWall, protocol.TilePlayer2, protocol.TileHardWall,
			protocol.TileHardWall, protocol.TileHardWall, protocol.TileHardWall,
		},
	}

	stored := 0
	for seq := uint16(0); seq < 7; seq++ {
		board.Seq = seq
		ok, err := j.RecordSnapshot("m1", board)
		if err != nil {
			t.Fatalf("RecordSnapshot: %v", err)
		}
		if ok {
			stored++
		}
	}
	if stored != 3 {
		t.Fatalf("expected seqs 0, 3 and 6 stored, got %d", stored)
	}

	got, err := j.LoadSnapshot("m1", 3)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got.Height != 3 || got.Width != 3 || got.At(1, 1) != protocol.TilePlayer2 || got.At(0, 0) != protocol.TileHardWall {
		t.Fatalf("unexpected snapshot %+v", got)
	}
	if _, err := j.LoadSnapshot("m1", 1); err == nil {
		t.Fatalf("expected skipped snapshot to be missing")
	}
}

func TestAttachRecordsTicks(t *testing.T) {
	j := openJournal(t, 1)
	bus := events.NewEventBus()
	j.Attach(bus)
	ctx := context.Background()

	err := bus.EmitSync(ctx, events.Event{Type: events.EventMatchStarted, Payload: events.MatchStartedPayload{
		MatchID: "m2", Mode: protocol.ModeSolo, Height: 5, Width: 5,
	}})
	if err != nil {
		t.Fatalf("match started: %v", err)
	}

	for seq := uint16(0); seq < 3; seq++ {
		err := bus.EmitSync(ctx, events.Event{Type: events.EventDeltaBroadcast, Payload: events.DeltaPayload{
			MatchID:  "m2",
			Received: 10,
			Actions:  []protocol.PlayerAction{{PlayerID: 0, Action: protocol.ActionUp}},
			Delta:    protocol.BoardDelta{Seq: seq, Changes: make([]protocol.TileChange, 2)},
		}})
		if err != nil {
			t.Fatalf("delta %d: %v", seq, err)
		}
	}

	ticks, err := j.Ticks("m2")
	if err != nil {
		t.Fatalf("Ticks: %v", err)
	}
	if len(ticks) != 3 {
		t.Fatalf("expected 3 ticks, got %d", len(ticks))
	}
	for i, tk := range ticks {
		if tk.Seq != uint16(i) || tk.Received != 10 || tk.Applied != 1 || tk.Changes != 2 {
			t.Fatalf("tick %d: unexpected %+v", i, tk)
		}
	}
}
