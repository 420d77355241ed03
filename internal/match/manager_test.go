package match

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/detonator-project/detonator/internal/engine"
	"github.com/detonator-project/detonator/internal/events"
	"github.com/detonator-project/detonator/internal/protocol"
)

type fakeEngine struct {
	inits   int32
	initErr error
}

func (f *fakeEngine) InitModel(dims engine.Dimensions, mode protocol.GameMode, matchID string) error {
	atomic.AddInt32(&f.inits, 1)
	return f.initErr
}

func (f *fakeEngine) GameMode(string) (protocol.GameMode, error) { return protocol.ModeSolo, nil }

func (f *fakeEngine) Board(string) (protocol.BoardSnapshot, error) {
	return protocol.BoardSnapshot{Height: 1, Width: 1, Tiles: []protocol.Tile{0}}, nil
}

func (f *fakeEngine) UpdateBoard(string, []protocol.PlayerAction) (protocol.BoardDelta, error) {
	return protocol.BoardDelta{}, nil
}

func (f *fakeEngine) UpdateBombs(string) error { return nil }

type recordingRunner struct {
	mu       sync.Mutex
	sessions []*Session
	started  chan struct{}
}

func (r *recordingRunner) Name() string { return "recorder" }

func (r *recordingRunner) Run(ctx context.Context, s *Session) error {
	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()
	close(r.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestStartMatchOnce(t *testing.T) {
	eng := &fakeEngine{}
	runner := &recordingRunner{started: make(chan struct{})}
	mgr := NewManager(ManagerConfig{Mode: protocol.ModeTeam, Dims: engine.Dimensions{Height: 9, Width: 9}}, eng, nil, runner)

	if mgr.Session() != nil {
		t.Fatalf("expected no session before start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := mgr.StartMatch(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := mgr.StartMatch(ctx); !errors.Is(err, ErrMatchStarted) {
		t.Fatalf("expected ErrMatchStarted, got %v", err)
	}

	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("runner never started")
	}

	s := mgr.Session()
	if s == nil || s.ID == "" || s.Mode != protocol.ModeTeam {
		t.Fatalf("unexpected session %+v", s)
	}
	if runner.sessions[0] != s {
		t.Fatalf("runner got a different session")
	}
	if mgr.Phase() != events.MatchPhasePlaying {
		t.Fatalf("expected playing, got %s", mgr.Phase())
	}
	if got := atomic.LoadInt32(&eng.inits); got != 1 {
		t.Fatalf("expected one InitModel call, got %d", got)
	}

	cancel()
	mgr.Wait()
	if mgr.Phase() != events.MatchPhaseStopped {
		t.Fatalf("expected stopped, got %s", mgr.Phase())
	}
}

func TestStartMatchInitFailure(t *testing.T) {
	eng := &fakeEngine{initErr: errors.New("no board")}
	mgr := NewManager(ManagerConfig{Mode: protocol.ModeSolo}, eng, nil)

	if err := mgr.StartMatch(context.Background()); err == nil {
		t.Fatalf("expected init failure")
	}
	if mgr.Session() != nil {
		t.Fatalf("expected no session after failed init")
	}
	if mgr.Phase() != events.MatchPhaseStopped {
		t.Fatalf("expected stopped, got %s", mgr.Phase())
	}
}

func TestSessionQueueSwap(t *testing.T) {
	s := NewSession("m", protocol.ModeSolo, engine.Dimensions{Height: 5, Width: 5})
	for i := 0; i < 3; i++ {
		s.Enqueue(protocol.GameAction{PlayerID: 1, Seq: uint16(i), Action: protocol.ActionUp})
	}
	if s.PendingDepth() != 3 {
		t.Fatalf("expected depth 3, got %d", s.PendingDepth())
	}
	batch := s.Drain()
	if len(batch) != 3 || s.PendingDepth() != 0 {
		t.Fatalf("expected to drain 3 leaving 0, got %d/%d", len(batch), s.PendingDepth())
	}

	var actions []protocol.PlayerAction
	_ = s.WithBoard(func() error {
		actions = s.Reconcile(batch)
		return nil
	})
	if len(actions) != 1 || s.LastAccepted()[1] != 2 {
		t.Fatalf("expected one action and last=2, got %+v last=%d", actions, s.LastAccepted()[1])
	}

	st := s.Stats()
	if st.Received != 3 || st.Applied != 1 || st.ModeName != "solo" {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestSessionSequencesWrap(t *testing.T) {
	s := NewSession("m", protocol.ModeSolo, engine.Dimensions{})
	s.deltaSeq = 0xFFFF
	if got := s.NextDeltaSeq(); got != 0xFFFF {
		t.Fatalf("expected 65535, got %d", got)
	}
	if got := s.NextDeltaSeq(); got != 0 {
		t.Fatalf("expected wrap to 0, got %d", got)
	}
	if got := s.NextSnapshotSeq(); got != 0 {
		t.Fatalf("expected first snapshot seq 0, got %d", got)
	}
}

func TestBoardReadsTakeBoardLock(t *testing.T) {
	mgr := NewManager(ManagerConfig{Mode: protocol.ModeSolo, Dims: engine.Dimensions{Height: 1, Width: 1}}, &fakeEngine{}, nil)

	if _, err := mgr.Board(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if _, err := mgr.Players(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted from Players, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.StartMatch(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	held := make(chan struct{})
	release := make(chan struct{})
	go mgr.Session().WithBoard(func() error {
		close(held)
		<-release
		return nil
	})
	<-held

	got := make(chan error, 1)
	go func() {
		_, err := mgr.Board()
		got <- err
	}()

	select {
	case <-got:
		t.Fatalf("Board returned while the board lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("Board: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Board never returned")
	}

	// fakeEngine does not report players.
	if players, err := mgr.Players(); err != nil || players != nil {
		t.Fatalf("expected nil players, got %v (%v)", players, err)
	}
}
