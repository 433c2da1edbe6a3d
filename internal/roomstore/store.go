package roomstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/chess-match-server/internal/match"
	"github.com/park285/chess-match-server/internal/obslog"
)

const (
	prefixRoom      = "match:room:"
	prefixPlayerIdx = "match:player:room:"
	keyWaiting      = "match:rooms:waiting"
)

// Store is the Room Registry backed by one shared Redis.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func New(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{rdb: rdb, ttl: ttl, now: time.Now}
}

func keyRoom(id string) string       { return prefixRoom + strings.TrimSpace(id) }
func keyMoves(id string) string      { return keyRoom(id) + ":moves" }
func keyPlayerIdx(pid string) string { return prefixPlayerIdx + strings.TrimSpace(pid) }

// NewRoomID returns "room_" + 12 hex chars.
func NewRoomID() string {
	return "room_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// CreateResult reports whether the player's existing waiting room was returned.
type CreateResult struct {
	Room     *match.Room
	Existing bool
}

// CreateWaitingRoom allocates a waiting room for seat with white pieces and position.
// 이미 대기방이 있으면 그 방을 돌려준다.
func (s *Store) CreateWaitingRoom(ctx context.Context, seat match.Seat, position string, white []match.Piece) (*CreateResult, error) {
	if strings.TrimSpace(seat.PlayerID) == "" || position == "" {
		return nil, match.Errorf(match.CodeInvalidRequest, "playerId and position are required")
	}
	whiteJSON, err := json.Marshal(white)
	if err != nil {
		return nil, err
	}
	accZero, _ := json.Marshal(match.SessionAccumulator{})
	now := s.now().UTC()

	for attempt := 0; attempt < 3; attempt++ {
		id := NewRoomID()
		res, err := createScript.Run(ctx, s.rdb,
			[]string{keyRoom(id), keyWaiting, keyPlayerIdx(seat.PlayerID)},
			id, seat.PlayerID, formatFloat(seat.Rating), position, string(whiteJSON), "[]",
			string(match.SideWhite), now.Format(time.RFC3339Nano), ttlSeconds(s.ttl), string(accZero), prefixRoom,
		).StringSlice()
		if err != nil {
			mapped := scriptErr("create room", err)
			if strings.Contains(err.Error(), "collision") {
				continue
			}
			return nil, mapped
		}
		if len(res) != 2 {
			return nil, fmt.Errorf("%w: create room: unexpected reply %v", match.ErrStoreUnavailable, res)
		}
		room, err := s.GetRoom(ctx, res[1])
		if err != nil {
			return nil, err
		}
		if room == nil {
			return nil, match.ErrRoomNotFound
		}
		if res[0] == "created" {
			obslog.L().Info("room_create", zap.String("room_id", room.ID), zap.String("player_id", seat.PlayerID))
		}
		return &CreateResult{Room: room, Existing: res[0] == "existing"}, nil
	}
	return nil, fmt.Errorf("%w: create room: id collisions", match.ErrStoreUnavailable)
}

// FindWaitingRoom returns the first waiting room not created by exclude, nil when none.
func (s *Store) FindWaitingRoom(ctx context.Context, exclude string) (*match.Room, error) {
	ids, err := s.ListWaiting(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		room, err := s.GetRoom(ctx, id)
		if err != nil {
			return nil, err
		}
		if room == nil {
			// 만료된 방이 대기 목록에 남은 경우
			_ = s.rdb.SRem(ctx, keyWaiting, id).Err()
			continue
		}
		if room.Status != match.StatusWaiting || room.HasPlayer2() || room.Player1.PlayerID == exclude {
			continue
		}
		return room, nil
	}
	return nil, nil
}

// JoinRoom seats player2 atomically. RoomNotFound / RoomFull on lifecycle conflicts.
func (s *Store) JoinRoom(ctx context.Context, roomID string, seat match.Seat, black []match.Piece) (*match.Room, error) {
	if strings.TrimSpace(roomID) == "" || strings.TrimSpace(seat.PlayerID) == "" {
		return nil, match.Errorf(match.CodeInvalidRequest, "roomId and playerId are required")
	}
	blackJSON, err := json.Marshal(black)
	if err != nil {
		return nil, err
	}
	reply, err := joinScript.Run(ctx, s.rdb,
		[]string{keyRoom(roomID), keyWaiting, keyPlayerIdx(seat.PlayerID)},
		roomID, seat.PlayerID, formatFloat(seat.Rating), string(blackJSON),
		s.now().UTC().Format(time.RFC3339Nano), ttlSeconds(s.ttl), prefixRoom,
	).StringSlice()
	if err != nil {
		return nil, scriptErr("join room", err)
	}
	room, err := decodeRoom(pairs(reply))
	if err != nil {
		return nil, err
	}
	obslog.L().Info("room_join",
		zap.String("room_id", room.ID),
		zap.String("player1", room.Player1.PlayerID),
		zap.String("player2", seat.PlayerID),
	)
	return room, nil
}

// GetRoom returns nil when the room does not exist.
func (s *Store) GetRoom(ctx context.Context, roomID string) (*match.Room, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, nil
	}
	fields, err := s.rdb.HGetAll(ctx, keyRoom(roomID)).Result()
	if err != nil {
		return nil, storeErr("get room", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeRoom(fields)
}

// Update is one accepted move's full room mutation.
type Update struct {
	ExpectedSeq  int64
	ExpectedTurn match.Side
	Position     string
	Pieces       match.Inventories
	LastMove     *match.MoveRecord
	Accumulator  match.SessionAccumulator
}

// UpdatePosition writes position, inventories, last move, mover accumulator and the
// turn flip in one step. seq/turn가 바뀌었으면 NotYourTurn.
func (s *Store) UpdatePosition(ctx context.Context, room *match.Room, u Update) (*match.Room, error) {
	if room == nil || u.Position == "" || !u.ExpectedTurn.Valid() || u.LastMove == nil {
		return nil, match.Errorf(match.CodeInvalidRequest, "incomplete position update")
	}
	white, err := json.Marshal(u.Pieces.White)
	if err != nil {
		return nil, err
	}
	black, err := json.Marshal(u.Pieces.Black)
	if err != nil {
		return nil, err
	}
	last, err := json.Marshal(u.LastMove)
	if err != nil {
		return nil, err
	}
	acc, err := json.Marshal(u.Accumulator)
	if err != nil {
		return nil, err
	}
	p2 := ""
	if room.HasPlayer2() {
		p2 = room.Player2.PlayerID
	}
	reply, err := updateScript.Run(ctx, s.rdb,
		[]string{keyRoom(room.ID), keyPlayerIdx(room.Player1.PlayerID), keyPlayerIdx(p2), keyMoves(room.ID)},
		strconv.FormatInt(u.ExpectedSeq, 10), string(u.ExpectedTurn), u.Position,
		string(white), string(black), string(last), string(u.ExpectedTurn.Opponent()),
		"acc_"+string(u.ExpectedTurn), string(acc),
		s.now().UTC().Format(time.RFC3339Nano), ttlSeconds(s.ttl),
	).StringSlice()
	if err != nil {
		return nil, scriptErr("update position", err)
	}
	return decodeRoom(pairs(reply))
}

// TerminateRoom removes the room and its index entries. 이미 없으면 false.
// alsoPlayer는 방이 먼저 사라졌을 때 남은 membership 정리용.
func (s *Store) TerminateRoom(ctx context.Context, roomID, alsoPlayer string) (bool, error) {
	if strings.TrimSpace(roomID) == "" {
		return false, nil
	}
	n, err := terminateScript.Run(ctx, s.rdb, []string{keyRoom(roomID), keyWaiting, keyMoves(roomID)}, roomID, prefixPlayerIdx, alsoPlayer).Int64()
	if err != nil {
		return false, storeErr("terminate room", err)
	}
	if n > 0 {
		obslog.L().Info("room_terminate", zap.String("room_id", roomID))
	}
	return n > 0, nil
}

// Moves returns the accepted moves of a room in order.
func (s *Store) Moves(ctx context.Context, roomID string) ([]match.MoveRecord, error) {
	raw, err := s.rdb.LRange(ctx, keyMoves(roomID), 0, -1).Result()
	if err != nil {
		return nil, storeErr("moves", err)
	}
	out := make([]match.MoveRecord, 0, len(raw))
	for _, item := range raw {
		var mv match.MoveRecord
		if err := json.Unmarshal([]byte(item), &mv); err != nil {
			return nil, fmt.Errorf("decode move: %w", err)
		}
		out = append(out, mv)
	}
	return out, nil
}

// ListWaiting returns waiting room ids in a stable order.
func (s *Store) ListWaiting(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, keyWaiting).Result()
	if err != nil {
		return nil, storeErr("list waiting", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// RoomOf returns the room id playerID is in, "" when none.
func (s *Store) RoomOf(ctx context.Context, playerID string) (string, error) {
	id, err := s.rdb.Get(ctx, keyPlayerIdx(playerID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", storeErr("room of", err)
	}
	return id, nil
}

// ClearMembership drops playerID's index entry if it still points to roomID.
func (s *Store) ClearMembership(ctx context.Context, playerID, roomID string) error {
	if err := clearIndexScript.Run(ctx, s.rdb, []string{keyPlayerIdx(playerID)}, roomID).Err(); err != nil {
		return storeErr("clear membership", err)
	}
	return nil
}

// Ping checks the backing store.
func (s *Store) Ping(ctx context.Context) error {
	return storeErr("ping", s.rdb.Ping(ctx).Err())
}

var scriptCodes = map[string]match.Code{
	string(match.CodeInvalidRequest): match.CodeInvalidRequest,
	string(match.CodeRoomNotFound):   match.CodeRoomNotFound,
	string(match.CodeRoomFull):       match.CodeRoomFull,
	string(match.CodeNotYourTurn):    match.CodeNotYourTurn,
}

// scriptErr는 스크립트 error_reply("<Code> message")를 분류 에러로 바꾼다.
func scriptErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(err.Error())
	code, rest, _ := strings.Cut(msg, " ")
	if c, ok := scriptCodes[code]; ok {
		return match.Errorf(c, "%s", rest)
	}
	return storeErr(op, err)
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", match.ErrStoreUnavailable, op, err)
}

func ttlSeconds(d time.Duration) string {
	sec := int64(d / time.Second)
	if sec <= 0 {
		sec = 1
	}
	return strconv.FormatInt(sec, 10)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func pairs(flat []string) map[string]string {
	out := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		out[flat[i]] = flat[i+1]
	}
	return out
}
