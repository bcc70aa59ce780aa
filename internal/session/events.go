// Package session turns connection events into room operations and the
// events that go back out to players.
package session

// Inbound event types.
const (
	EventCreate = "create"
	EventJoin   = "join"
	EventRejoin = "rejoin"
	EventMove   = "move"
)

// Outbound event types.
const (
	EventRoomCreated        = "roomCreated"
	EventRoomNotFound       = "roomNotFound"
	EventRoomFull           = "roomFull"
	EventPlayerColor        = "playerColor"
	EventGameState          = "gameState"
	EventGameStart          = "gameStart"
	EventPlayerDisconnected = "playerDisconnected"
	EventMoveRejected       = "moveRejected"
)

// Event is one outbound message.
type Event struct {
	Type    string
	Payload any
}

// RoomPayload names the room an event refers to.
type RoomPayload struct {
	Room string `json:"room"`
}

// ColorPayload carries a side tag, "w" or "b".
type ColorPayload struct {
	Room  string `json:"room"`
	Color string `json:"color"`
}

// StatePayload carries a serialized position.
type StatePayload struct {
	Room  string `json:"room"`
	State string `json:"state"`
}

// RejectedPayload explains why a move was refused.
type RejectedPayload struct {
	Room   string `json:"room"`
	Reason string `json:"reason"`
}

// Transport delivers events. Implementations must not block.
type Transport interface {
	// Send delivers ev to one connection.
	Send(conn string, ev Event)
	// Broadcast delivers ev to every connection in the room's group.
	Broadcast(roomID string, ev Event)
	// JoinGroup adds conn to the room's broadcast group.
	JoinGroup(conn, roomID string)
	// LeaveGroup removes conn from the room's broadcast group.
	LeaveGroup(conn, roomID string)
}
