package game

import (
	"strings"

	"github.com/notnil/chess"
)

// ChessEngine plays standard chess. Positions are FEN strings and moves are
// decoded as UCI from/to squares plus an optional promotion piece.
type ChessEngine struct {
	initial string
}

// NewChessEngine returns an engine starting from the standard position.
func NewChessEngine() *ChessEngine {
	return &ChessEngine{initial: chess.NewGame().FEN()}
}

// Name implements Engine.
func (e *ChessEngine) Name() string { return "chess" }

// Initial implements Engine.
func (e *ChessEngine) Initial() string { return e.initial }

// Apply implements Engine. A fresh game is rebuilt from state on every call,
// so the engine holds no per-room data.
func (e *ChessEngine) Apply(state string, m Move) (string, error) {
	fen, err := chess.FEN(state)
	if err != nil {
		return "", Reject("bad position: %v", err)
	}
	g := chess.NewGame(fen)

	uci := strings.ToLower(m.From + m.To + m.Promotion)
	mv, err := chess.UCINotation{}.Decode(g.Position(), uci)
	if err != nil {
		return "", Reject("cannot decode %q: %v", uci, err)
	}
	if err := g.Move(mv); err != nil {
		return "", Reject("%s not playable: %v", uci, err)
	}
	return g.FEN(), nil
}
