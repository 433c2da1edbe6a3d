package roomstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/park285/chess-match-server/internal/match"
)

// decodeRoom은 평면 hash 필드를 Room으로 복원. player2 필드가 없으면 대기 중.
func decodeRoom(f map[string]string) (*match.Room, error) {
	if len(f) == 0 || f["id"] == "" {
		return nil, match.ErrRoomNotFound
	}
	room := &match.Room{
		ID:       f["id"],
		Player1:  match.Seat{PlayerID: f["player1"], Rating: parseFloat(f["rating1"])},
		Position: f["position"],
		Turn:     match.Side(f["turn"]),
		Status:   match.Status(f["status"]),
	}
	if p2 := f["player2"]; p2 != "" {
		room.Player2 = &match.Seat{PlayerID: p2, Rating: parseFloat(f["rating2"])}
	}
	if err := unmarshalField(f, "pieces_white", &room.Pieces.White); err != nil {
		return nil, err
	}
	if err := unmarshalField(f, "pieces_black", &room.Pieces.Black); err != nil {
		return nil, err
	}
	if raw := f["last_move"]; raw != "" {
		var mv match.MoveRecord
		if err := json.Unmarshal([]byte(raw), &mv); err != nil {
			return nil, fmt.Errorf("decode last_move: %w", err)
		}
		room.LastMove = &mv
	}
	if err := unmarshalField(f, "acc_white", &room.AccWhite); err != nil {
		return nil, err
	}
	if err := unmarshalField(f, "acc_black", &room.AccBlack); err != nil {
		return nil, err
	}
	if v := f["move_seq"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode move_seq: %w", err)
		}
		room.MoveSeq = n
	}
	room.CreatedAt = parseTime(f["created_at"])
	room.UpdatedAt = parseTime(f["updated_at"])
	return room, nil
}

func unmarshalField(f map[string]string, key string, dst any) error {
	raw := f[key]
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
