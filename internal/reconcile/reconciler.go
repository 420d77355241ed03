package reconcile

import (
	"github.com/detonator-project/detonator/internal/protocol"
)

// LastAccepted holds the last accepted sequence number of every player.
type LastAccepted [protocol.PlayerNum]uint16

// NewLastAccepted returns a table where sequence 0 is the first value
// accepted from every player.
func NewLastAccepted() LastAccepted {
	var last LastAccepted
	for i := range last {
		last[i] = protocol.SequenceLimit - 1
	}
	return last
}

type candidate struct {
	action protocol.GameAction
	dist   uint16
	set    bool
}

// offer keeps a if it is further ahead than the current pick. Ties keep
// the earlier arrival.
func (c *candidate) offer(a protocol.GameAction, dist uint16) {
	if !c.set || dist > c.dist {
		c.action, c.dist, c.set = a, dist, true
	}
}

// Reconcile selects, per player and per action class, the most recent
// in-window action of batch. last is advanced to the more recent of the
// two picks. Out-of-window actions and out-of-range player ids are dropped.
//
// The result is ordered by player id, movement before special.
func Reconcile(batch []protocol.GameAction, last *LastAccepted, limit uint16) []protocol.PlayerAction {
	var moves, specials [protocol.PlayerNum]candidate

	for _, a := range batch {
		if a.PlayerID >= protocol.PlayerNum {
			continue
		}
		prev := last[a.PlayerID]
		if !InWindow(prev, a.Seq, limit) {
			continue
		}
		dist := distance(prev, a.Seq, limit)
		switch {
		case a.Action.IsMove():
			moves[a.PlayerID].offer(a, dist)
		case a.Action.IsSpecial():
			specials[a.PlayerID].offer(a, dist)
		}
	}

	out := make([]protocol.PlayerAction, 0, 2*protocol.PlayerNum)
	for id := 0; id < protocol.PlayerNum; id++ {
		m, s := moves[id], specials[id]
		if m.set {
			out = append(out, m.action.PlayerAction())
		}
		if s.set {
			out = append(out, s.action.PlayerAction())
		}

		switch {
		case m.set && s.set:
			if s.dist > m.dist {
				last[id] = s.action.Seq
			} else {
				last[id] = m.action.Seq
			}
		case m.set:
			last[id] = m.action.Seq
		case s.set:
			last[id] = s.action.Seq
		}
	}
	return out
}
