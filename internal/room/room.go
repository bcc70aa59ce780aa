// Package room tracks game rooms, their two seats and their current position.
//
// Every Room guards its seats and state with its own mutex, so two events
// for the same room never interleave while different rooms proceed in
// parallel. The Registry owns the id → Room map and a reverse index from
// connection id to the rooms that connection is seated in.
package room

import (
	"errors"
	"sync"
	"time"

	"example.com/duel_relay/internal/game"
)

var (
	// ErrRoomNotFound is returned for operations on an unknown room id.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomFull is returned when both seats are taken.
	ErrRoomFull = errors.New("room full")
	// ErrRoomClosed is the rejection reason for a move applied to a room
	// that has been replaced or deleted.
	ErrRoomClosed = errors.New("room closed")
)

// Side is one of the two playable roles.
type Side int

const (
	First Side = iota
	Second
)

// Tag is the wire encoding of the side: "w" for First, "b" for Second.
func (s Side) Tag() string {
	if s == Second {
		return "b"
	}
	return "w"
}

// Opposite returns the complementary side.
func (s Side) Opposite() Side {
	if s == First {
		return Second
	}
	return First
}

func (s Side) String() string {
	if s == Second {
		return "second"
	}
	return "first"
}

// Seat binds a connection to a side.
type Seat struct {
	Conn string
	Side Side
}

// Assignment describes the outcome of seating a connection.
type Assignment struct {
	RoomID string
	Side   Side
	// State is the position at the moment the seat was taken.
	State string
	// Occupants is the seat count after the assignment.
	Occupants int
	// Existing is true when the connection already held this seat.
	Existing bool
	// Evicted lists the occupants of a room replaced by Create.
	Evicted []string
}

// MoveResult is the tagged outcome of a move: either Accepted with the new
// state, or rejected with a reason.
type MoveResult struct {
	Accepted bool
	State    string
	Reason   string
	// Closed is set when the room left the registry before the move ran.
	Closed bool
}

// Room is one game session.
type Room struct {
	id     string
	engine game.Engine

	mu         sync.Mutex
	state      string
	seats      []Seat
	emptySince time.Time
	closed     bool
}

func newRoom(id string, engine game.Engine, now time.Time) *Room {
	return &Room{
		id:         id,
		engine:     engine,
		state:      engine.Initial(),
		seats:      make([]Seat, 0, 2),
		emptySince: now,
	}
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// State returns the current serialized position.
func (r *Room) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Seats returns a copy of the seat list in join order.
func (r *Room) Seats() []Seat {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Seat, len(r.seats))
	copy(out, r.seats)
	return out
}

// Apply validates m against the current position. On acceptance the state is
// replaced and onAccept runs before the room is unlocked, so observers see
// accepted states in the order they were applied. A rejection leaves the
// state untouched.
func (r *Room) Apply(m game.Move, onAccept func(state string)) MoveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return MoveResult{Reason: ErrRoomClosed.Error(), Closed: true}
	}
	next, err := r.engine.Apply(r.state, m)
	if err != nil {
		return MoveResult{Reason: err.Error()}
	}
	r.state = next
	if onAccept != nil {
		onAccept(next)
	}
	return MoveResult{Accepted: true, State: next}
}

// retire marks the room closed and returns the seats it held. Apply on a
// closed room is rejected without reaching the engine.
func (r *Room) retire() []Seat {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.seats
}

// addFirstSeat seats conn as First. Only valid on a fresh room.
func (r *Room) addFirstSeat(conn string) Assignment {
	r.seats = append(r.seats, Seat{Conn: conn, Side: First})
	r.emptySince = time.Time{}
	return Assignment{RoomID: r.id, Side: First, State: r.state, Occupants: 1}
}

// assignSeat picks the free side: First in an empty room, otherwise the
// complement of the single occupant. The side is re-derived from who is
// still seated, not remembered per connection, so a player returning to a
// room can come back on the other side.
// Caller holds r.mu.
func (r *Room) assignSeat(conn string) (Assignment, error) {
	for _, s := range r.seats {
		if s.Conn == conn {
			return Assignment{RoomID: r.id, Side: s.Side, State: r.state, Occupants: len(r.seats), Existing: true}, nil
		}
	}

	var side Side
	switch len(r.seats) {
	case 0:
		side = First
	case 1:
		side = r.seats[0].Side.Opposite()
	default:
		return Assignment{}, ErrRoomFull
	}

	r.seats = append(r.seats, Seat{Conn: conn, Side: side})
	r.emptySince = time.Time{}
	return Assignment{RoomID: r.id, Side: side, State: r.state, Occupants: len(r.seats)}, nil
}

// removeSeat drops conn's seat and reports whether one was removed.
// Caller holds r.mu.
func (r *Room) removeSeat(conn string, now time.Time) (Seat, bool) {
	for i, s := range r.seats {
		if s.Conn == conn {
			r.seats = append(r.seats[:i], r.seats[i+1:]...)
			if len(r.seats) == 0 {
				r.emptySince = now
			}
			return s, true
		}
	}
	return Seat{}, false
}

// idleSince reports when the room became empty; ok is false while seated.
func (r *Room) idleSince() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seats) > 0 {
		return time.Time{}, false
	}
	return r.emptySince, true
}
