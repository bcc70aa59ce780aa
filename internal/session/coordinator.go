package session

import (
	"errors"

	"go.uber.org/zap"

	"example.com/duel_relay/internal/game"
	"example.com/duel_relay/internal/room"
)

// Options tunes coordinator behavior.
type Options struct {
	// ReportRejections sends moveRejected to a mover whose move the engine
	// refused. Other players never hear about rejected moves.
	ReportRejections bool
}

// Coordinator handles the create/join/rejoin/move/disconnect protocol.
// Every handler runs to completion; all per-room ordering comes from the
// room locks held while events are emitted.
type Coordinator struct {
	rooms  *room.Registry
	out    Transport
	logger *zap.Logger
	opts   Options
}

// NewCoordinator wires a coordinator to its registry and transport.
//
// Precondition: rooms, out and logger must be non-nil.
func NewCoordinator(rooms *room.Registry, out Transport, logger *zap.Logger, opts Options) *Coordinator {
	return &Coordinator{rooms: rooms, out: out, logger: logger, opts: opts}
}

// Create makes a fresh room under roomID and seats conn as first. An existing
// room with the same id is replaced and its occupants leave its group.
func (c *Coordinator) Create(conn, roomID string) {
	c.rooms.Create(roomID, conn, func(a room.Assignment) {
		for _, e := range a.Evicted {
			c.out.LeaveGroup(e, roomID)
		}
		c.out.JoinGroup(conn, roomID)
		c.out.Send(conn, Event{Type: EventRoomCreated, Payload: RoomPayload{Room: roomID}})
		c.sendSeat(conn, a)
	})
}

// Join seats conn in an existing room and starts the game once both seats
// are filled.
func (c *Coordinator) Join(conn, roomID string) {
	_, err := c.rooms.Seat(roomID, conn, func(a room.Assignment) {
		c.out.JoinGroup(conn, roomID)
		c.sendSeat(conn, a)
		if a.Occupants == 2 && !a.Existing {
			c.out.Broadcast(roomID, Event{Type: EventGameStart, Payload: RoomPayload{Room: roomID}})
		}
	})
	c.seatFailed(conn, roomID, EventJoin, err)
}

// Rejoin seats conn in an existing room without announcing a game start.
// The side is the complement of whoever is still seated.
func (c *Coordinator) Rejoin(conn, roomID string) {
	_, err := c.rooms.Seat(roomID, conn, func(a room.Assignment) {
		c.out.JoinGroup(conn, roomID)
		c.sendSeat(conn, a)
	})
	c.seatFailed(conn, roomID, EventRejoin, err)
}

// Move relays m to the room's engine and broadcasts the new state when it
// is accepted. Unknown rooms, rooms replaced while the move was in flight
// and moves that go nowhere are dropped silently.
// The sender's seat is not checked: turn order belongs to the engine.
func (c *Coordinator) Move(conn, roomID string, m game.Move) {
	rm, err := c.rooms.Get(roomID)
	if err != nil {
		c.logger.Debug("move for unknown room dropped",
			zap.String("conn", conn),
			zap.String("room", roomID),
		)
		return
	}
	if m.Degenerate() {
		c.logger.Debug("degenerate move dropped",
			zap.String("conn", conn),
			zap.String("room", roomID),
			zap.String("square", m.From),
		)
		return
	}

	res := rm.Apply(m, func(state string) {
		c.out.Broadcast(roomID, Event{Type: EventGameState, Payload: StatePayload{Room: roomID, State: state}})
	})
	if res.Accepted {
		c.logger.Debug("move accepted",
			zap.String("conn", conn),
			zap.String("room", roomID),
			zap.String("from", m.From),
			zap.String("to", m.To),
		)
		return
	}
	if res.Closed {
		c.logger.Debug("move for replaced room dropped",
			zap.String("conn", conn),
			zap.String("room", roomID),
		)
		return
	}

	c.logger.Debug("move rejected",
		zap.String("conn", conn),
		zap.String("room", roomID),
		zap.String("from", m.From),
		zap.String("to", m.To),
		zap.String("reason", res.Reason),
	)
	if c.opts.ReportRejections {
		c.out.Send(conn, Event{Type: EventMoveRejected, Payload: RejectedPayload{Room: roomID, Reason: res.Reason}})
	}
}

// Disconnect frees every seat conn holds and tells the remaining players.
func (c *Coordinator) Disconnect(conn string) {
	deps := c.rooms.Release(conn, func(d room.Departure) {
		c.out.LeaveGroup(conn, d.RoomID)
		c.out.Broadcast(d.RoomID, Event{
			Type:    EventPlayerDisconnected,
			Payload: ColorPayload{Room: d.RoomID, Color: d.Side.Tag()},
		})
	})
	for _, d := range deps {
		c.logger.Info("seat released",
			zap.String("conn", conn),
			zap.String("room", d.RoomID),
			zap.Stringer("side", d.Side),
			zap.Int("remaining", d.Remaining),
		)
	}
}

func (c *Coordinator) sendSeat(conn string, a room.Assignment) {
	c.out.Send(conn, Event{Type: EventPlayerColor, Payload: ColorPayload{Room: a.RoomID, Color: a.Side.Tag()}})
	c.out.Send(conn, Event{Type: EventGameState, Payload: StatePayload{Room: a.RoomID, State: a.State}})
	if !a.Existing {
		c.logger.Info("seat assigned",
			zap.String("conn", conn),
			zap.String("room", a.RoomID),
			zap.Stringer("side", a.Side),
			zap.Int("occupants", a.Occupants),
		)
	}
}

func (c *Coordinator) seatFailed(conn, roomID, op string, err error) {
	if err == nil {
		return
	}
	var ev string
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		ev = EventRoomNotFound
	case errors.Is(err, room.ErrRoomFull):
		ev = EventRoomFull
	default:
		c.logger.Error("seat assignment failed",
			zap.String("op", op),
			zap.String("conn", conn),
			zap.String("room", roomID),
			zap.Error(err),
		)
		return
	}
	c.logger.Debug("seat refused",
		zap.String("op", op),
		zap.String("conn", conn),
		zap.String("room", roomID),
		zap.Error(err),
	)
	c.out.Send(conn, Event{Type: ev, Payload: RoomPayload{Room: roomID}})
}
