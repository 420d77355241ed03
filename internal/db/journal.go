package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/detonator-project/detonator/internal/events"
	"github.com/detonator-project/detonator/internal/protocol"
)

// Journal records what happened in a match. Nothing reads it back at
// startup; it exists for operators and post-match analysis.
type Journal struct {
	db            *store
	snapshotEvery int
	logger        zerolog.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu        sync.Mutex
	snapshots int
}

// TickRecord is one row of the ticks table.
type TickRecord struct {
	MatchID  string `json:"match_id"`
	Seq      uint16 `json:"seq"`
	Received int    `json:"received"`
	Applied  int    `json:"applied"`
	Changes  int    `json:"changes"`
}

// NewJournal opens the journal database and upgrades its schema. Every
// snapshotEvery-th snapshot is stored; values below 1 store them all.
func NewJournal(dbPath string, snapshotEvery int) (*Journal, error) {
	database, err := openStore(dbPath, journalSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		database.close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		database.close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	if snapshotEvery < 1 {
		snapshotEvery = 1
	}
	j := &Journal{
		db:            database,
		snapshotEvery: snapshotEvery,
		logger:        log.With().Str("component", "journal").Logger(),
		enc:           enc,
		dec:           dec,
	}
	return j, nil
}

// journalSchema is applied in order; a file's user_version counts the
// steps it already has.
var journalSchema = []string{
	`
		CREATE TABLE IF NOT EXISTS matches (
			id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			height INTEGER NOT NULL,
			width INTEGER NOT NULL,
			action_port INTEGER NOT NULL,
			multicast_addr TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			ended_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS players (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			match_id TEXT NOT NULL DEFAULT '',
			player_id INTEGER NOT NULL,
			team INTEGER NOT NULL DEFAULT 0,
			addr TEXT NOT NULL DEFAULT '',
			event TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS snapshots (
			match_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			height INTEGER NOT NULL,
			width INTEGER NOT NULL,
			tiles BLOB NOT NULL,
			raw_size INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS ticks (
			match_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			received INTEGER NOT NULL,
			applied INTEGER NOT NULL,
			changes INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_match ON snapshots(match_id, seq);
		CREATE INDEX IF NOT EXISTS idx_ticks_match ON ticks(match_id, seq);
	`,
	`CREATE INDEX IF NOT EXISTS idx_players_match ON players(match_id)`,
}

// Close releases the codec and closes the database.
func (j *Journal) Close() error {
	j.enc.Close()
	j.dec.Close()
	return j.db.close()
}

// RecordMatch stores the start of a match and attaches every player row
// written before the match had an id.
func (j *Journal) RecordMatch(p events.MatchStartedPayload) error {
	return j.db.tx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO matches (id, mode, height, width, action_port, multicast_addr, started_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.MatchID, p.Mode.String(), p.Height, p.Width, p.ActionPort, p.MulticastAddr, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert match %s: %w", p.MatchID, err)
		}
		if _, err := tx.Exec(`UPDATE players SET match_id = ? WHERE match_id = ''`, p.MatchID); err != nil {
			return fmt.Errorf("failed to attach players to match %s: %w", p.MatchID, err)
		}
		return nil
	})
}

// EndMatch stamps the end time of every open match.
func (j *Journal) EndMatch() error {
	_, err := j.db.exec(`UPDATE matches SET ended_at = ? WHERE ended_at IS NULL`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to close matches: %w", err)
	}
	return nil
}

// RecordPlayer appends one admission event for a player.
func (j *Journal) RecordPlayer(playerID int, team uint8, addr, event, reason string) error {
	_, err := j.db.exec(
		`INSERT INTO players (player_id, team, addr, event, reason) VALUES (?, ?, ?, ?, ?)`,
		playerID, team, addr, event, reason,
	)
	if err != nil {
		return fmt.Errorf("failed to record %s for player %d: %w", event, playerID, err)
	}
	return nil
}

// RecordSnapshot stores every snapshotEvery-th board it is given. It
// reports whether this one was stored.
func (j *Journal) RecordSnapshot(matchID string, board protocol.BoardSnapshot) (bool, error) {
	j.mu.Lock()
	n := j.snapshots
	j.snapshots++
	j.mu.Unlock()
	if n%j.snapshotEvery != 0 {
		return false, nil
	}

	raw := make([]byte, len(board.Tiles))
	for i, t := range board.Tiles {
		raw[i] = byte(t)
	}
	blob := j.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2))

	_, err := j.db.exec(
		`INSERT INTO snapshots (match_id, seq, height, width, tiles, raw_size) VALUES (?, ?, ?, ?, ?, ?)`,
		matchID, board.Seq, board.Height, board.Width, blob, len(raw),
	)
	if err != nil {
		return false, fmt.Errorf("failed to store snapshot %d: %w", board.Seq, err)
	}
	return true, nil
}

// LoadSnapshot reads back the most recent stored snapshot with seq.
func (j *Journal) LoadSnapshot(matchID string, seq uint16) (protocol.BoardSnapshot, error) {
	var (
		board protocol.BoardSnapshot
		blob  []byte
		size  int
	)
	err := j.db.queryRow(
		`SELECT height, width, tiles, raw_size FROM snapshots
		 WHERE match_id = ? AND seq = ? ORDER BY rowid DESC LIMIT 1`,
		[]interface{}{matchID, seq},
		&board.Height, &board.Width, &blob, &size,
	)
	if err != nil {
		return board, fmt.Errorf("failed to load snapshot %d: %w", seq, err)
	}

	raw, err := j.dec.DecodeAll(blob, make([]byte, 0, size))
	if err != nil {
		return board, fmt.Errorf("failed to decompress snapshot %d: %w", seq, err)
	}
	board.Seq = seq
	board.Tiles = make([]protocol.Tile, len(raw))
	for i, v := range raw {
		board.Tiles[i] = protocol.Tile(v)
	}
	return board, nil
}

// RecordTick stores one applied delta.
func (j *Journal) RecordTick(t TickRecord) error {
	_, err := j.db.exec(
		`INSERT INTO ticks (match_id, seq, received, applied, changes) VALUES (?, ?, ?, ?, ?)`,
		t.MatchID, t.Seq, t.Received, t.Applied, t.Changes,
	)
	if err != nil {
		return fmt.Errorf("failed to record tick %d: %w", t.Seq, err)
	}
	return nil
}

// Ticks returns the recorded ticks of a match in order.
func (j *Journal) Ticks(matchID string) ([]TickRecord, error) {
	var out []TickRecord
	err := j.db.each(
		`SELECT seq, received, applied, changes FROM ticks WHERE match_id = ? ORDER BY rowid`,
		[]interface{}{matchID},
		func(rows *sql.Rows) error {
			t := TickRecord{MatchID: matchID}
			if err := rows.Scan(&t.Seq, &t.Received, &t.Applied, &t.Changes); err != nil {
				return fmt.Errorf("failed to scan tick: %w", err)
			}
			out = append(out, t)
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query ticks: %w", err)
	}
	return out, nil
}

// PlayerEvents returns the number of player rows recorded for matchID.
func (j *Journal) PlayerEvents(matchID string) (int, error) {
	var n int
	if err := j.db.queryRow(`SELECT COUNT(*) FROM players WHERE match_id = ?`, []interface{}{matchID}, &n); err != nil {
		return 0, fmt.Errorf("failed to count players: %w", err)
	}
	return n, nil
}

// Attach subscribes the journal to the match events it records. Events
// are handled one at a time in publish order, so players are stored
// before the match that claims them and ticks land in sequence.
func (j *Journal) Attach(bus *events.EventBus) {
	bus.SubscribeOrdered("journal", j.handleEvent,
		events.EventPlayerJoined,
		events.EventPlayerReady,
		events.EventClientDropped,
		events.EventMatchStarted,
		events.EventSnapshotBroadcast,
		events.EventDeltaBroadcast,
		events.EventShutdown,
	)
}

func (j *Journal) handleEvent(ctx context.Context, e events.Event) error {
	switch p := e.Payload.(type) {
	case events.PlayerJoinedPayload:
		return j.RecordPlayer(int(p.PlayerID), p.Team, p.Addr, "joined", "")
	case events.PlayerReadyPayload:
		return j.RecordPlayer(int(p.PlayerID), p.Team, "", "ready", "")
	case events.ClientDroppedPayload:
		return j.RecordPlayer(p.PlayerID, 0, p.Addr, "dropped", p.Reason)
	case events.MatchStartedPayload:
		j.logger.Info().Str("match_id", p.MatchID).Msg("journaling match")
		return j.RecordMatch(p)
	case events.SnapshotPayload:
		_, err := j.RecordSnapshot(p.MatchID, p.Board)
		return err
	case events.DeltaPayload:
		return j.RecordTick(TickRecord{
			MatchID:  p.MatchID,
			Seq:      p.Delta.Seq,
			Received: p.Received,
			Applied:  len(p.Actions),
			Changes:  len(p.Delta.Changes),
		})
	}
	if e.Type == events.EventShutdown {
		return j.EndMatch()
	}
	return nil
}
