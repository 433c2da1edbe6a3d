// Package matchdto defines the websocket wire protocol shared with clients.
package matchdto

import "encoding/json"

// Client → server event names.
const (
	EventCreateRoom = "createRoom"
	EventJoinRoom   = "joinRoom"
	EventMove       = "move"
	EventListRooms  = "listRooms"
	EventResign     = "resign"
	EventGetRoom    = "getRoom"
)

// Server → client event names.
const (
	EventRoomCreated     = "roomCreated"
	EventMatchReady      = "matchReady"
	EventMoveApplied     = "moveApplied"
	EventGameOver        = "gameOver"
	EventWaitingRoomList = "waitingRoomList"
	EventRequestError    = "requestError"
	EventRoomState       = "roomState"
)

// Envelope frames every message as {"event": ..., "data": ...}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope.
func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Encode returns the JSON frame for event/data.
func Encode(event string, data any) ([]byte, error) {
	env, err := NewEnvelope(event, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

type CreateRoomRequest struct {
	PlayerID string   `json:"playerId"`
	Rating   *float64 `json:"rating"`
}

type JoinRoomRequest struct {
	PlayerID string   `json:"playerId"`
	Rating   *float64 `json:"rating"`
	RoomID   string   `json:"roomId"`
}

type MoveRequest struct {
	RoomID     string `json:"roomId"`
	AssetID    string `json:"assetId"`
	FromSquare string `json:"fromSquare"`
	ToSquare   string `json:"toSquare"`
	Promotion  string `json:"promotion,omitempty"`
}

type RoomRequest struct {
	RoomID string `json:"roomId"`
}

type RoomCreated struct {
	RoomID    string  `json:"roomId"`
	Player1ID string  `json:"player1Id"`
	Rating1   float64 `json:"rating1"`
}

type MatchReady struct {
	RoomID           string      `json:"roomId"`
	Player1ID        string      `json:"player1Id"`
	Player2ID        string      `json:"player2Id"`
	Rating1          float64     `json:"rating1"`
	Rating2          float64     `json:"rating2"`
	PositionState    string      `json:"positionState"`
	PieceInventories Inventories `json:"pieceInventories"`
	Turn             string      `json:"turn"`
}

type Piece struct {
	AssetID     string  `json:"assetId"`
	DisplayName string  `json:"displayName"`
	Kind        string  `json:"piece"`
	Weight      float64 `json:"weight"`
	BoardSquare string  `json:"boardSquare"`
	Captured    bool    `json:"captured,omitempty"`
}

type Inventories struct {
	White []Piece `json:"white"`
	Black []Piece `json:"black"`
}

type Valuation struct {
	AssetID          string  `json:"assetId"`
	PriorWeight      float64 `json:"priorWeight"`
	EvaluationBefore float64 `json:"evaluationBefore"`
	EvaluationAfter  float64 `json:"evaluationAfter"`
	RatingFactor     float64 `json:"ratingFactor"`
	Delta            float64 `json:"delta"`
	NewWeight        float64 `json:"newWeight"`
	Checkmate        bool    `json:"checkmate,omitempty"`
	Degraded         bool    `json:"degraded"`
}

type LastMove struct {
	Seq        int64      `json:"seq"`
	Side       string     `json:"side"`
	AssetID    string     `json:"assetId"`
	FromSquare string     `json:"fromSquare"`
	ToSquare   string     `json:"toSquare"`
	Promotion  string     `json:"promotion,omitempty"`
	SAN        string     `json:"san"`
	UCI        string     `json:"uci"`
	Valuation  *Valuation `json:"valuation,omitempty"`
}

type MoveApplied struct {
	RoomID           string      `json:"roomId"`
	PositionState    string      `json:"positionState"`
	PieceInventories Inventories `json:"pieceInventories"`
	LastMove         *LastMove   `json:"lastMove"`
	Turn             string      `json:"turn"`
	IsCheck          bool        `json:"isCheck"`
	IsCheckmate      bool        `json:"isCheckmate"`
	IsStalemate      bool        `json:"isStalemate"`
	IsDraw           bool        `json:"isDraw"`
}

type Accumulator struct {
	MoveCount       int     `json:"moveCount"`
	CumulativeDelta float64 `json:"cumulativeDelta"`
	Threshold       float64 `json:"threshold"`
	RewardEligible  bool    `json:"rewardEligible"`
}

type SessionAccumulators struct {
	White Accumulator `json:"white"`
	Black Accumulator `json:"black"`
}

type GameOver struct {
	RoomID             string              `json:"roomId"`
	Reason             string              `json:"reason"`
	WinnerSide         string              `json:"winnerSide,omitempty"`
	SessionAccumulator SessionAccumulators `json:"sessionAccumulator"`
}

type WaitingRoomList struct {
	RoomIDs []string `json:"roomIds"`
}

type RequestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// RoomState is a full room snapshot.
type RoomState struct {
	RoomID             string              `json:"roomId"`
	Status             string              `json:"status"`
	Player1ID          string              `json:"player1Id"`
	Player2ID          *string             `json:"player2Id"`
	Rating1            float64             `json:"rating1"`
	Rating2            *float64            `json:"rating2"`
	PositionState      string              `json:"positionState"`
	PieceInventories   Inventories         `json:"pieceInventories"`
	LastMove           *LastMove           `json:"lastMove"`
	Turn               string              `json:"turn"`
	SessionAccumulator SessionAccumulators `json:"sessionAccumulator"`
}
