// Package cli implements the interactive operator console: match status,
// connected players, a text view of the board and shutdown.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/detonator-project/detonator/internal/engine"
	"github.com/detonator-project/detonator/internal/events"
	"github.com/detonator-project/detonator/internal/match"
	"github.com/detonator-project/detonator/internal/network"
	"github.com/detonator-project/detonator/internal/protocol"
	"github.com/detonator-project/detonator/internal/util"
)

// MatchView is the read side of the match manager.
type MatchView interface {
	Phase() events.MatchPhase
	Session() *match.Session
	Config() match.ManagerConfig
	Board() (protocol.BoardSnapshot, error)
	Players() ([]engine.PlayerStatus, error)
}

// PlayerLister lists the admitted TCP clients.
type PlayerLister interface {
	List() []network.ClientInfo
}

// SendCounter reports multicast traffic.
type SendCounter interface {
	Sent() (frames, bytes uint64)
}

// CLI provides an interactive command-line interface.
type CLI struct {
	eventBus *events.EventBus
	match    MatchView
	players  PlayerLister
	sent     SendCounter
	in       io.Reader
	out      io.Writer
}

// NewCLI creates a CLI reading commands from in and writing to out. sent
// may be nil.
func NewCLI(eventBus *events.EventBus, matchView MatchView, players PlayerLister, sent SendCounter, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		eventBus: eventBus,
		match:    matchView,
		players:  players,
		sent:     sent,
		in:       in,
		out:      out,
	}
}

// Start runs the command loop until ctx ends or input is exhausted.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\ndetonator console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "detonator> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if c.Execute(ctx, line) {
				return
			}
		}
	}
}

// Execute runs one command line. It reports whether the console should
// stop.
func (c *CLI) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	switch strings.ToLower(parts[0]) {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "players", "p":
		c.printPlayers()
	case "board", "b":
		c.printBoard()
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down detonator...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", parts[0])
	}
	return false
}

func (c *CLI) printHelp() {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Command", "Description"})
	tw.SetAutoWrapText(false)
	tw.AppendBulk([][]string{
		{"status", "Match phase, mode and traffic counters"},
		{"players", "Connected clients and their board state"},
		{"board", "Text rendering of the current board"},
		{"quit", "Shut the server down"},
		{"help", "Show this help message"},
	})
	tw.Render()
}

func (c *CLI) printStatus() {
	mcfg := c.match.Config()
	rows := [][]string{
		{"Phase", c.match.Phase().String()},
		{"Mode", mcfg.Mode.String()},
		{"Board", fmt.Sprintf("%dx%d", mcfg.Dims.Height, mcfg.Dims.Width)},
		{"Action port", fmt.Sprintf("%d", mcfg.ActionPort)},
		{"Multicast", mcfg.MulticastAddr},
	}

	if s := c.match.Session(); s != nil {
		st := s.Stats()
		rows = append(rows,
			[]string{"Match ID", st.MatchID},
			[]string{"Uptime", time.Since(st.StartedAt).Truncate(time.Second).String()},
			[]string{"Actions received", fmt.Sprintf("%d", st.Received)},
			[]string{"Actions dropped", fmt.Sprintf("%d", st.Dropped)},
			[]string{"Actions applied", fmt.Sprintf("%d", st.Applied)},
			[]string{"Pending", fmt.Sprintf("%d", st.Pending)},
			[]string{"Snapshots sent", fmt.Sprintf("%d", st.Snapshots)},
			[]string{"Deltas sent", fmt.Sprintf("%d", st.Deltas)},
		)
	}
	if c.sent != nil {
		frames, bytes := c.sent.Sent()
		rows = append(rows, []string{"Multicast out", fmt.Sprintf("%d frames, %s", frames, util.FormatBytes(bytes))})
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Field", "Value"})
	tw.SetAutoWrapText(false)
	tw.AppendBulk(rows)
	tw.Render()
}

func (c *CLI) printPlayers() {
	board := make(map[uint8]engine.PlayerStatus)
	if players, err := c.match.Players(); err == nil {
		for _, p := range players {
			board[p.PlayerID] = p
		}
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"ID", "Team", "State", "Remote", "Position", "Alive"})
	tw.SetAutoWrapText(false)
	for _, info := range c.players.List() {
		pos, alive := "-", "-"
		if p, ok := board[info.PlayerID]; ok {
			pos = fmt.Sprintf("%d,%d", p.X, p.Y)
			alive = fmt.Sprintf("%v", p.Alive)
		}
		tw.Append([]string{
			fmt.Sprintf("%d", info.PlayerID),
			fmt.Sprintf("%d", info.Team),
			info.State,
			info.Remote,
			pos,
			alive,
		})
	}
	tw.Render()
}

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

func (c *CLI) printBoard() {
	b, err := c.match.Board()
	if errors.Is(err, match.ErrNotStarted) {
		fmt.Fprintln(c.out, "match not started")
		return
	}
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	for y := 0; y < int(b.Height); y++ {
		row := make([]byte, b.Width)
		for x := 0; x < int(b.Width); x++ {
			row[x] = tileGlyphs[b.At(x, y)]
		}
		fmt.Fprintln(c.out, string(row))
	}
}
