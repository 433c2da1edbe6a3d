package match

import (
	"time"
)

// Side는 색. player1이 white, player2가 black.
type Side string

const (
	SideWhite Side = "white"
	SideBlack Side = "black"
)

func (s Side) Valid() bool { return s == SideWhite || s == SideBlack }

func (s Side) Opponent() Side {
	if s == SideWhite {
		return SideBlack
	}
	return SideWhite
}

// Status is the room lifecycle state.
type Status string

const (
	StatusWaiting    Status = "waiting-for-opponent"
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
)

// Seat는 방의 한 자리. 레이팅은 입장 시점 스냅샷.
type Seat struct {
	PlayerID string  `json:"playerId"`
	Rating   float64 `json:"rating"`
}

// Piece is one player-owned piece asset on the board.
type Piece struct {
	AssetID     string  `json:"assetId"`
	DisplayName string  `json:"displayName"`
	Kind        string  `json:"piece"`
	Weight      float64 `json:"weight"`
	BoardSquare string  `json:"boardSquare"`
	Captured    bool    `json:"captured,omitempty"`
}

// Inventories holds both sides' pieces in starting-square order.
type Inventories struct {
	White []Piece `json:"white"`
	Black []Piece `json:"black"`
}

func (inv Inventories) For(side Side) []Piece {
	if side == SideBlack {
		return inv.Black
	}
	return inv.White
}

func (inv *Inventories) set(side Side, pieces []Piece) {
	if side == SideBlack {
		inv.Black = pieces
		return
	}
	inv.White = pieces
}

// Clone은 깊은 복사.
func (inv Inventories) Clone() Inventories {
	out := Inventories{
		White: make([]Piece, len(inv.White)),
		Black: make([]Piece, len(inv.Black)),
	}
	copy(out.White, inv.White)
	copy(out.Black, inv.Black)
	return out
}

// PieceAt은 해당 칸에 살아있는 piece의 index를 찾는다.
func (inv Inventories) PieceAt(side Side, square string) (int, bool) {
	if square == "" {
		return -1, false
	}
	for i, p := range inv.For(side) {
		if !p.Captured && p.BoardSquare == square {
			return i, true
		}
	}
	return -1, false
}

// ValuationDelta is the per-move weight computation result.
type ValuationDelta struct {
	AssetID          string  `json:"assetId"`
	PriorWeight      float64 `json:"priorWeight"`
	EvaluationBefore float64 `json:"evaluationBefore"`
	EvaluationAfter  float64 `json:"evaluationAfter"`
	RatingFactor     float64 `json:"ratingFactor"`
	Delta            float64 `json:"delta"`
	NewWeight        float64 `json:"newWeight"`
	Checkmate        bool    `json:"checkmate,omitempty"`
	Degraded         bool    `json:"degraded,omitempty"`
}

// SessionAccumulator tracks one side's valuation deltas for the session.
type SessionAccumulator struct {
	MoveCount       int     `json:"moveCount"`
	CumulativeDelta float64 `json:"cumulativeDelta"`
}

func (a SessionAccumulator) Add(delta float64) SessionAccumulator {
	return SessionAccumulator{MoveCount: a.MoveCount + 1, CumulativeDelta: a.CumulativeDelta + delta}
}

// MoveRecord is an accepted move.
type MoveRecord struct {
	Seq        int64           `json:"seq"`
	Side       Side            `json:"side"`
	AssetID    string          `json:"assetId"`
	FromSquare string          `json:"fromSquare"`
	ToSquare   string          `json:"toSquare"`
	Promotion  string          `json:"promotion,omitempty"`
	SAN        string          `json:"san"`
	UCI        string          `json:"uci"`
	Valuation  *ValuationDelta `json:"valuation,omitempty"`
	At         time.Time       `json:"at"`
}

// Room은 한 대국의 권위 있는 상태. Player2 == nil 이면 상대 대기 중.
type Room struct {
	ID        string
	Player1   Seat
	Player2   *Seat
	Position  string
	Pieces    Inventories
	LastMove  *MoveRecord
	Turn      Side
	Status    Status
	AccWhite  SessionAccumulator
	AccBlack  SessionAccumulator
	MoveSeq   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *Room) HasPlayer2() bool { return r != nil && r.Player2 != nil && r.Player2.PlayerID != "" }

// SeatFor returns the seat playing side, nil when the seat is empty.
func (r *Room) SeatFor(side Side) *Seat {
	if side == SideBlack {
		return r.Player2
	}
	return &r.Player1
}

// SideOf reports which side playerID plays in this room.
func (r *Room) SideOf(playerID string) (Side, bool) {
	if playerID == "" {
		return "", false
	}
	if r.Player1.PlayerID == playerID {
		return SideWhite, true
	}
	if r.HasPlayer2() && r.Player2.PlayerID == playerID {
		return SideBlack, true
	}
	return "", false
}

// Opponent returns the other participant id, "" while waiting.
func (r *Room) Opponent(playerID string) string {
	side, ok := r.SideOf(playerID)
	if !ok {
		return ""
	}
	if seat := r.SeatFor(side.Opponent()); seat != nil {
		return seat.PlayerID
	}
	return ""
}

// Participants returns bound player ids, player1 first.
func (r *Room) Participants() []string {
	out := []string{r.Player1.PlayerID}
	if r.HasPlayer2() {
		out = append(out, r.Player2.PlayerID)
	}
	return out
}

func (r *Room) Accumulator(side Side) SessionAccumulator {
	if side == SideBlack {
		return r.AccBlack
	}
	return r.AccWhite
}

// RatingsFor returns (mover, opponent) ratings for side.
func (r *Room) RatingsFor(side Side) (float64, float64) {
	white := r.Player1.Rating
	var black float64
	if r.HasPlayer2() {
		black = r.Player2.Rating
	}
	if side == SideBlack {
		return black, white
	}
	return white, black
}

// CheckInvariants validates the seat/status relationship.
func (r *Room) CheckInvariants() error {
	switch r.Status {
	case StatusWaiting:
		if r.Player1.PlayerID == "" || r.HasPlayer2() {
			return Errorf(CodeInvalidRequest, "waiting room %s must have exactly one player", r.ID)
		}
	case StatusActive:
		if r.Player1.PlayerID == "" || !r.HasPlayer2() {
			return Errorf(CodeInvalidRequest, "active room %s must have both players", r.ID)
		}
	case StatusTerminated:
	default:
		return Errorf(CodeInvalidRequest, "room %s has unknown status %q", r.ID, r.Status)
	}
	if r.Position == "" {
		return Errorf(CodeInvalidRequest, "room %s has empty position", r.ID)
	}
	return nil
}

// PieceUpdate는 한 수에 적용되는 piece 변경 묶음.
type PieceUpdate struct {
	Side       Side    `json:"side"`
	Index      int     `json:"index"`
	ToSquare   string  `json:"toSquare"`
	NewWeight  float64 `json:"newWeight"`
	CaptureIdx int     `json:"captureIdx"` // 상대 inventory index, -1 이면 없음
	RookIdx    int     `json:"rookIdx"`    // 캐슬링 룩 index, -1 이면 없음
	RookTo     string  `json:"rookTo,omitempty"`
	PromoteTo  string  `json:"promoteTo,omitempty"`
}

// Apply returns a copy of inv with u applied.
func (u PieceUpdate) Apply(inv Inventories) (Inventories, error) {
	out := inv.Clone()
	own := out.For(u.Side)
	if u.Index < 0 || u.Index >= len(own) {
		return inv, Errorf(CodeInvalidRequest, "piece index %d out of range", u.Index)
	}
	own[u.Index].BoardSquare = u.ToSquare
	own[u.Index].Weight = u.NewWeight
	if u.PromoteTo != "" {
		own[u.Index].Kind = u.PromoteTo
	}
	if u.RookIdx >= 0 {
		if u.RookIdx >= len(own) {
			return inv, Errorf(CodeInvalidRequest, "rook index %d out of range", u.RookIdx)
		}
		own[u.RookIdx].BoardSquare = u.RookTo
	}
	out.set(u.Side, own)
	if u.CaptureIdx >= 0 {
		opp := out.For(u.Side.Opponent())
		if u.CaptureIdx >= len(opp) {
			return inv, Errorf(CodeInvalidRequest, "capture index %d out of range", u.CaptureIdx)
		}
		opp[u.CaptureIdx].BoardSquare = ""
		opp[u.CaptureIdx].Captured = true
		out.set(u.Side.Opponent(), opp)
	}
	return out, nil
}

// Threshold는 레이팅 차이 기반 보상 기준선. 높은 쪽만 양수.
func Threshold(rating, opponentRating float64) float64 {
	t := (rating - opponentRating) / 100
	if t < 0 {
		return 0
	}
	return t
}
