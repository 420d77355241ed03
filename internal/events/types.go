// Package events defines the event types and payloads that flow through
// the detonator EventBus.
package events

import (
	"github.com/detonator-project/detonator/internal/protocol"
)

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Admission events
	EventPlayerJoined  EventType = "player_joined"
	EventPlayerReady   EventType = "player_ready"
	EventClientDropped EventType = "client_dropped"

	// Match events
	EventMatchStarted      EventType = "match_started"
	EventSnapshotBroadcast EventType = "snapshot_broadcast"
	EventDeltaBroadcast    EventType = "delta_broadcast"
	EventChatRelayed       EventType = "chat_relayed"
	EventQueueBacklog      EventType = "queue_backlog"

	// System events
	EventShutdown EventType = "shutdown"
)

// MatchPhase is the lifecycle position of the single match a process hosts.
type MatchPhase int

const (
	MatchPhaseWaiting MatchPhase = iota
	MatchPhaseJoined
	MatchPhasePlaying
	MatchPhaseStopped
)

var matchPhaseStrings = map[MatchPhase]string{
	MatchPhaseWaiting: "waiting",
	MatchPhaseJoined:  "joined",
	MatchPhasePlaying: "playing",
	MatchPhaseStopped: "stopped",
}

// String returns the string representation of MatchPhase.
func (p MatchPhase) String() string {
	if str, ok := matchPhaseStrings[p]; ok {
		return str
	}
	return "waiting"
}

// MarshalJSON serializes MatchPhase as a JSON string (e.g. "playing").
func (p MatchPhase) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// PlayerJoinedPayload is emitted when a client has been given a slot.
type PlayerJoinedPayload struct {
	PlayerID uint8
	Team     uint8
	Addr     string
}

// PlayerReadyPayload is emitted when a client sent its ready header.
type PlayerReadyPayload struct {
	PlayerID uint8
	Team     uint8
}

// ClientDroppedPayload is emitted when a handshake aborts for one client.
// PlayerID is -1 when the client never got a slot.
type ClientDroppedPayload struct {
	PlayerID int
	Addr     string
	State    string
	Reason   string
}

// MatchStartedPayload is emitted once, when the ready barrier completes.
type MatchStartedPayload struct {
	MatchID       string
	Mode          protocol.GameMode
	Height        uint8
	Width         uint8
	ActionPort    uint16
	MulticastAddr string
}

// SnapshotPayload carries a board snapshot that was just multicast.
type SnapshotPayload struct {
	MatchID string
	Board   protocol.BoardSnapshot
}

// DeltaPayload carries one applied delta tick.
type DeltaPayload struct {
	MatchID  string
	Received int
	Actions  []protocol.PlayerAction
	Delta    protocol.BoardDelta
}

// ChatRelayedPayload is emitted after a chat line went out.
type ChatRelayedPayload struct {
	SenderID   uint8
	Scope      protocol.ChatScope
	Body       string
	Recipients int
}

// QueueBacklogPayload is emitted when the pending action queue grows past
// the configured warning threshold.
type QueueBacklogPayload struct {
	Depth     int
	Threshold int
}
