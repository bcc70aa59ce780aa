// Package game holds the state engines that decide whether a proposed move
// is legal. Rooms treat an engine as opaque: they hand it the serialized
// position and a move, and store whatever serialized position comes back.
package game

import (
	"errors"
	"fmt"

	"example.com/duel_relay/internal/config"
)

// ErrIllegalMove is wrapped by every rejection an engine returns.
var ErrIllegalMove = errors.New("illegal move")

// Move is a client's move descriptor. Extra carries any fields a particular
// game needs beyond from/to.
type Move struct {
	From      string            `json:"from"`
	To        string            `json:"to"`
	Promotion string            `json:"promotion,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Degenerate reports whether the move has no origin or leaves a square for
// itself.
func (m Move) Degenerate() bool {
	return m.From == "" || m.From == m.To
}

// Engine validates and applies moves against a serialized position.
// Implementations must be safe for concurrent use.
type Engine interface {
	// Name identifies the engine in logs.
	Name() string
	// Initial returns the serialized starting position.
	Initial() string
	// Apply returns the position after m, or an error wrapping
	// ErrIllegalMove when m is rejected.
	Apply(state string, m Move) (string, error)
}

// Reject builds an ErrIllegalMove with a reason.
func Reject(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIllegalMove, fmt.Sprintf(format, args...))
}

// New builds the engine selected by cfg.
//
// Precondition: cfg has passed config validation.
// Postcondition: Returns a ready Engine or a non-nil error.
func New(cfg config.EngineConfig) (Engine, error) {
	switch cfg.Kind {
	case "chess":
		return NewChessEngine(), nil
	case "lua":
		return LoadLuaEngine(cfg.Script, cfg.InstructionLimit)
	default:
		return nil, fmt.Errorf("unknown engine kind %q", cfg.Kind)
	}
}
