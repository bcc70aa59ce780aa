package room

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"example.com/duel_relay/internal/game"
)

// Departure reports a seat released by a leaving connection.
type Departure struct {
	RoomID    string
	Side      Side
	Remaining int
}

// Registry maps room ids to rooms and connections to the rooms they occupy.
// All methods are safe for concurrent use. Lock order is registry, then room.
type Registry struct {
	engine game.Engine
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	rooms  map[string]*Room
	byConn map[string]map[string]struct{} // conn → set of room ids
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for idle tracking.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty Registry whose rooms start from engine.Initial().
//
// Precondition: engine and logger must be non-nil.
func NewRegistry(engine game.Engine, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		engine: engine,
		logger: logger,
		now:    time.Now,
		rooms:  make(map[string]*Room),
		byConn: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create installs a fresh room under id with creator seated as First. Any
// room already registered under id is replaced: its state is discarded and
// its occupants lose their seats. notify, if non-nil, runs while the new
// room is locked.
//
// Postcondition: Returns the connections evicted from a replaced room, excluding creator.
func (r *Registry) Create(id, creator string, notify func(Assignment)) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	if old, ok := r.rooms[id]; ok {
		for _, s := range old.retire() {
			r.unindex(s.Conn, id)
			if s.Conn != creator {
				evicted = append(evicted, s.Conn)
			}
		}
		r.logger.Info("room replaced",
			zap.String("room", id),
			zap.Int("evicted", len(evicted)),
		)
	}

	rm := newRoom(id, r.engine, r.now())
	r.rooms[id] = rm
	r.index(creator, id)

	rm.mu.Lock()
	a := rm.addFirstSeat(creator)
	a.Evicted = evicted
	if notify != nil {
		notify(a)
	}
	rm.mu.Unlock()

	r.logger.Info("room created",
		zap.String("room", id),
		zap.String("conn", creator),
		zap.String("engine", r.engine.Name()),
	)
	return evicted
}

// Get returns the room registered under id.
func (r *Registry) Get(id string) (*Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return rm, nil
}

// Seat assigns conn a side in room id. notify, if non-nil, runs while the
// room is locked.
//
// Postcondition: Returns ErrRoomNotFound or ErrRoomFull without mutating anything,
// or the assignment.
func (r *Registry) Seat(id, conn string, notify func(Assignment)) (Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[id]
	if !ok {
		return Assignment{}, ErrRoomNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	a, err := rm.assignSeat(conn)
	if err != nil {
		return Assignment{}, err
	}
	r.index(conn, id)
	if notify != nil {
		notify(a)
	}
	return a, nil
}

// Release removes conn from every room it is seated in. notify, if non-nil,
// runs once per released seat while that room is locked.
//
// Postcondition: conn holds no seats; other connections' seats are untouched.
func (r *Registry) Release(conn string, notify func(Departure)) []Departure {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.byConn[conn]))
	for id := range r.byConn[conn] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	delete(r.byConn, conn)

	now := r.now()
	var out []Departure
	for _, id := range ids {
		rm, ok := r.rooms[id]
		if !ok {
			continue
		}
		rm.mu.Lock()
		seat, removed := rm.removeSeat(conn, now)
		if removed {
			d := Departure{RoomID: id, Side: seat.Side, Remaining: len(rm.seats)}
			out = append(out, d)
			if notify != nil {
				notify(d)
			}
		}
		rm.mu.Unlock()
	}
	return out
}

// RoomsOf returns the ids of the rooms conn is seated in, sorted.
func (r *Registry) RoomsOf(conn string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byConn[conn]))
	for id := range r.byConn[conn] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Delete removes room id and its seats.
//
// Postcondition: Returns true if a room was removed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(id)
}

func (r *Registry) deleteLocked(id string) bool {
	rm, ok := r.rooms[id]
	if !ok {
		return false
	}
	for _, s := range rm.retire() {
		r.unindex(s.Conn, id)
	}
	delete(r.rooms, id)
	return true
}

// Len returns the number of registered rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Sweep deletes every room that has had no seated connection for at least grace.
//
// Precondition: grace > 0.
// Postcondition: Returns the ids removed, sorted.
func (r *Registry) Sweep(grace time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var removed []string
	for id, rm := range r.rooms {
		since, idle := rm.idleSince()
		if idle && now.Sub(since) >= grace {
			r.deleteLocked(id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Reap runs Sweep every interval until ctx is done.
//
// Precondition: interval > 0 and grace > 0.
func (r *Registry) Reap(ctx context.Context, interval, grace time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := r.Sweep(grace); len(removed) > 0 {
				r.logger.Info("reaped idle rooms",
					zap.Strings("rooms", removed),
					zap.Int("remaining", r.Len()),
				)
			}
		}
	}
}

func (r *Registry) index(conn, id string) {
	set, ok := r.byConn[conn]
	if !ok {
		set = make(map[string]struct{})
		r.byConn[conn] = set
	}
	set[id] = struct{}{}
}

func (r *Registry) unindex(conn, id string) {
	set, ok := r.byConn[conn]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.byConn, conn)
	}
}
