package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/chess-match-server/internal/match"
)

const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

var (
	ErrInvalidPosition = errors.New("invalid position")
	ErrInvalidSquare   = errors.New("invalid square")
)

// Result는 한 수 적용 결과. Legal=false면 나머지 필드는 비어 있다.
type Result struct {
	Legal       bool
	NewPosition string
	IsCheck     bool
	IsCheckmate bool
	IsStalemate bool
	IsDraw      bool
	Method      string
	Winner      match.Side // 종료 + 승자 있을 때만
	Mover       match.Side
	MovedKind   string
	SAN         string
	UCI         string
	Promotion   string
	Captured    string // 잡힌 말이 있던 칸 (앙파상 포함)
	RookFrom    string
	RookTo      string
}

// Terminal reports whether the game ended with this move.
func (r *Result) Terminal() bool {
	return r != nil && (r.IsCheckmate || r.IsStalemate || r.IsDraw)
}

// StartingPosition returns the standard initial position.
func StartingPosition() string { return StartFEN }

// Validate parses fen and reports whether it is a usable position.
func Validate(fen string) error {
	_, err := gameFromFEN(fen)
	return err
}

// SideToMove returns the side to move in fen.
func SideToMove(fen string) (match.Side, error) {
	game, err := gameFromFEN(fen)
	if err != nil {
		return "", err
	}
	return sideOf(game.Position().Turn()), nil
}

// ValidSquare reports whether s is an algebraic square like "e4".
func ValidSquare(s string) bool {
	return len(s) == 2 && s[0] >= 'a' && s[0] <= 'h' && s[1] >= '1' && s[1] <= '8'
}

// ApplyMove applies from-to(+promotion) against position.
// 승격 기호가 없고 폰이 끝 랭크에 닿으면 퀸으로 승격.
func ApplyMove(position, from, to, promotion string) (*Result, error) {
	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.ToLower(strings.TrimSpace(to))
	promotion = strings.ToLower(strings.TrimSpace(promotion))
	if !ValidSquare(from) || !ValidSquare(to) {
		return nil, fmt.Errorf("%w: %q-%q", ErrInvalidSquare, from, to)
	}
	if len(promotion) > 1 || (promotion != "" && !strings.Contains("qrbn", promotion)) {
		return nil, fmt.Errorf("%w: promotion %q", ErrInvalidSquare, promotion)
	}

	game, err := gameFromFEN(position)
	if err != nil {
		return nil, err
	}
	pos := game.Position()
	board := pos.Board()
	piece := board.Piece(squareOf(from))
	if piece == nchess.NoPiece || piece.Color() != pos.Turn() {
		return &Result{Legal: false}, nil
	}
	if piece.Type() == nchess.Pawn && promotion == "" && (to[1] == '8' || to[1] == '1') {
		promotion = "q"
	}

	uci := from + to + promotion
	if err := game.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
		return &Result{Legal: false}, nil
	}
	moves := game.Moves()
	if len(moves) == 0 {
		return &Result{Legal: false}, nil
	}
	mv := moves[len(moves)-1]

	res := &Result{
		Legal:       true,
		NewPosition: game.FEN(),
		Mover:       sideOf(piece.Color()),
		MovedKind:   kindName(piece.Type()),
		SAN:         nchess.AlgebraicNotation{}.Encode(pos, mv),
		UCI:         uci,
		Promotion:   promotion,
		IsCheck:     mv.HasTag(nchess.Check),
	}

	switch {
	case mv.HasTag(nchess.EnPassant):
		res.Captured = to[:1] + from[1:]
	case mv.HasTag(nchess.Capture):
		res.Captured = to
	}
	if piece.Type() == nchess.King && absDiff(from[0], to[0]) == 2 {
		res.RookFrom, res.RookTo = castlingRook(from, to)
	}

	switch game.Outcome() {
	case nchess.WhiteWon:
		res.Winner = match.SideWhite
	case nchess.BlackWon:
		res.Winner = match.SideBlack
	case nchess.Draw:
		res.IsDraw = true
	}
	method := game.Method()
	switch method {
	case nchess.Checkmate:
		res.IsCheckmate = true
		res.IsCheck = true
	case nchess.Stalemate:
		res.IsStalemate = true
	}
	if game.Outcome() != nchess.NoOutcome {
		res.Method = strings.ToLower(method.String())
	} else if halfmoveClock(res.NewPosition) >= 100 {
		// 50수 규칙은 라이브러리가 자동 종료하지 않으므로 직접 판정
		res.IsDraw = true
		res.Method = "fiftymoverule"
	}
	return res, nil
}

// Occupant is one piece on a board.
type Occupant struct {
	Square string
	Side   match.Side
	Kind   string
}

// Occupants lists the pieces in fen, a1..h8 order.
func Occupants(fen string) ([]Occupant, error) {
	game, err := gameFromFEN(fen)
	if err != nil {
		return nil, err
	}
	board := game.Position().Board()
	var out []Occupant
	for rank := nchess.Rank1; rank <= nchess.Rank8; rank++ {
		for file := nchess.FileA; file <= nchess.FileH; file++ {
			sq := nchess.NewSquare(file, rank)
			piece := board.Piece(sq)
			if piece == nchess.NoPiece {
				continue
			}
			out = append(out, Occupant{Square: sq.String(), Side: sideOf(piece.Color()), Kind: kindName(piece.Type())})
		}
	}
	return out, nil
}

func gameFromFEN(fen string) (*nchess.Game, error) {
	fen = strings.TrimSpace(fen)
	if fen == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPosition)
	}
	opt, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	return nchess.NewGame(opt), nil
}

func squareOf(s string) nchess.Square {
	return nchess.NewSquare(nchess.FileA+nchess.File(s[0]-'a'), nchess.Rank1+nchess.Rank(s[1]-'1'))
}

func sideOf(c nchess.Color) match.Side {
	if c == nchess.Black {
		return match.SideBlack
	}
	return match.SideWhite
}

func kindName(pt nchess.PieceType) string {
	switch pt {
	case nchess.King:
		return "king"
	case nchess.Queen:
		return "queen"
	case nchess.Rook:
		return "rook"
	case nchess.Bishop:
		return "bishop"
	case nchess.Knight:
		return "knight"
	case nchess.Pawn:
		return "pawn"
	default:
		return ""
	}
}

// PromotionKind maps a promotion letter to a piece kind name.
func PromotionKind(letter string) string {
	switch letter {
	case "q":
		return "queen"
	case "r":
		return "rook"
	case "b":
		return "bishop"
	case "n":
		return "knight"
	default:
		return ""
	}
}

func castlingRook(from, to string) (string, string) {
	rank := from[1:]
	if to[0] > from[0] {
		return "h" + rank, "f" + rank
	}
	return "a" + rank, "d" + rank
}

func halfmoveClock(fen string) int {
	fields := strings.Fields(fen)
	if len(fields) < 5 {
		return 0
	}
	n, err := strconv.Atoi(fields[4])
	if err != nil {
		return 0
	}
	return n
}

func absDiff(a, b byte) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
