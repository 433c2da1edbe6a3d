package roomstore

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/chess-match-server/internal/match"
	"github.com/park285/chess-match-server/internal/players"
	"github.com/park285/chess-match-server/internal/rules"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, time.Hour), mr
}

func inventory(t *testing.T, pid string, side match.Side) []match.Piece {
	t.Helper()
	inv, err := players.BuildInventory(pid, nil, side, 100)
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	return inv
}

func createActive(t *testing.T, s *Store) *match.Room {
	t.Helper()
	ctx := context.Background()
	res, err := s.CreateWaitingRoom(ctx, match.Seat{PlayerID: "P1", Rating: 700}, rules.StartingPosition(), inventory(t, "P1", match.SideWhite))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	room, err := s.JoinRoom(ctx, res.Room.ID, match.Seat{PlayerID: "P2", Rating: 700}, inventory(t, "P2", match.SideBlack))
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	return room
}

func hashSnapshot(t *testing.T, mr *miniredis.Miniredis, key string) map[string]string {
	t.Helper()
	keys, err := mr.HKeys(key)
	if err != nil {
		t.Fatalf("hkeys: %v", err)
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = mr.HGet(key, k)
	}
	return out
}

func TestCreateWaitingRoom(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	res, err := s.CreateWaitingRoom(ctx, match.Seat{PlayerID: "P1", Rating: 700}, rules.StartingPosition(), inventory(t, "P1", match.SideWhite))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	room := res.Room
	if res.Existing || room.Status != match.StatusWaiting || room.HasPlayer2() {
		t.Fatalf("unexpected room %+v", room)
	}
	if err := room.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
	if room.Turn != match.SideWhite || room.Position != rules.StartingPosition() || len(room.Pieces.White) != 16 {
		t.Fatalf("room fields %+v", room)
	}
	ids, _ := s.ListWaiting(ctx)
	if len(ids) != 1 || ids[0] != room.ID {
		t.Fatalf("waiting=%v", ids)
	}
	if id, _ := s.RoomOf(ctx, "P1"); id != room.ID {
		t.Fatalf("RoomOf=%q", id)
	}

	again, err := s.CreateWaitingRoom(ctx, match.Seat{PlayerID: "P1", Rating: 700}, rules.StartingPosition(), nil)
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if !again.Existing || again.Room.ID != room.ID {
		t.Fatalf("second create must return existing room, got %+v", again)
	}
	if ids, _ := s.ListWaiting(ctx); len(ids) != 1 {
		t.Fatalf("waiting must still hold one room: %v", ids)
	}
}

func TestFindWaitingRoomSkipsOwnAndStale(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	res, err := s.CreateWaitingRoom(ctx, match.Seat{PlayerID: "P1", Rating: 700}, rules.StartingPosition(), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got, _ := s.FindWaitingRoom(ctx, "P1"); got != nil {
		t.Fatalf("own room must be skipped")
	}
	got, err := s.FindWaitingRoom(ctx, "P2")
	if err != nil || got == nil || got.ID != res.Room.ID {
		t.Fatalf("find: room=%v err=%v", got, err)
	}

	if _, err := mr.SAdd(keyWaiting, "room_gone"); err != nil {
		t.Fatalf("sadd: %v", err)
	}
	mr.Del(keyRoom(res.Room.ID))
	if got, _ := s.FindWaitingRoom(ctx, "P2"); got != nil {
		t.Fatalf("expired rooms must not be returned")
	}
	if ids, _ := s.ListWaiting(ctx); len(ids) != 0 {
		t.Fatalf("stale ids must be pruned, got %v", ids)
	}
}

func TestJoinRoom(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	room := createActive(t, s)
	if room.Status != match.StatusActive || !room.HasPlayer2() || room.Player2.PlayerID != "P2" {
		t.Fatalf("joined room %+v", room)
	}
	if err := room.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
	if len(room.Pieces.Black) != 16 {
		t.Fatalf("black inventory not stored")
	}
	if ids, _ := s.ListWaiting(ctx); len(ids) != 0 {
		t.Fatalf("active room must leave waiting index: %v", ids)
	}
	if id, _ := s.RoomOf(ctx, "P2"); id != room.ID {
		t.Fatalf("RoomOf(P2)=%q", id)
	}

	_, err := s.JoinRoom(ctx, room.ID, match.Seat{PlayerID: "P3", Rating: 700}, nil)
	if !errors.Is(err, match.ErrRoomFull) {
		t.Fatalf("expected RoomFull, got %v", err)
	}
	_, err = s.JoinRoom(ctx, "room_missing", match.Seat{PlayerID: "P3", Rating: 700}, nil)
	if !errors.Is(err, match.ErrRoomNotFound) {
		t.Fatalf("expected RoomNotFound, got %v", err)
	}
}

func TestJoinOwnRoomRejected(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	res, _ := s.CreateWaitingRoom(ctx, match.Seat{PlayerID: "P1", Rating: 700}, rules.StartingPosition(), nil)
	_, err := s.JoinRoom(ctx, res.Room.ID, match.Seat{PlayerID: "P1", Rating: 700}, nil)
	if match.CodeOf(err) != match.CodeInvalidRequest {
		t.Fatalf("expected InvalidRequest, got %v", err)
	}
}

func TestConcurrentJoinHasOneWinner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	res, _ := s.CreateWaitingRoom(ctx, match.Seat{PlayerID: "P1", Rating: 700}, rules.StartingPosition(), nil)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.JoinRoom(ctx, res.Room.ID, match.Seat{PlayerID: "J" + string(rune('a'+i)), Rating: 700}, nil)
		}(i)
	}
	wg.Wait()
	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, match.ErrRoomFull):
		default:
			t.Fatalf("unexpected join error %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestActivePlayerCannotCreate(t *testing.T) {
	s, _ := newTestStore(t)
	createActive(t, s)
	_, err := s.CreateWaitingRoom(context.Background(), match.Seat{PlayerID: "P2", Rating: 700}, rules.StartingPosition(), nil)
	if match.CodeOf(err) != match.CodeInvalidRequest {
		t.Fatalf("expected InvalidRequest, got %v", err)
	}
}

func TestUpdatePositionCompareAndSet(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	room := createActive(t, s)

	res, err := rules.ApplyMove(room.Position, "e2", "e4", "")
	if err != nil || !res.Legal {
		t.Fatalf("apply: %v", err)
	}
	inv := room.Pieces.Clone()
	idx, _ := inv.PieceAt(match.SideWhite, "e2")
	inv.White[idx].BoardSquare = "e4"
	inv.White[idx].Weight = 101
	upd := Update{
		ExpectedSeq:  room.MoveSeq,
		ExpectedTurn: room.Turn,
		Position:     res.NewPosition,
		Pieces:       inv,
		LastMove:     &match.MoveRecord{Seq: 1, Side: match.SideWhite, FromSquare: "e2", ToSquare: "e4", UCI: "e2e4", SAN: "e4"},
		Accumulator:  room.AccWhite.Add(1),
	}
	next, err := s.UpdatePosition(ctx, room, upd)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if next.Position != res.NewPosition || next.Turn != match.SideBlack || next.MoveSeq != 1 {
		t.Fatalf("updated room %+v", next)
	}
	if next.AccWhite.MoveCount != 1 || next.AccWhite.CumulativeDelta != 1 || next.AccBlack.MoveCount != 0 {
		t.Fatalf("accumulators %+v %+v", next.AccWhite, next.AccBlack)
	}
	if next.LastMove == nil || next.LastMove.UCI != "e2e4" {
		t.Fatalf("last move %+v", next.LastMove)
	}
	moves, err := s.Moves(ctx, room.ID)
	if err != nil || len(moves) != 1 || moves[0].SAN != "e4" {
		t.Fatalf("moves=%v err=%v", moves, err)
	}

	snapshot := hashSnapshot(t, mr, keyRoom(room.ID))
	// 같은 seq로 다시 쓰기 시도 = 이미 처리된 턴
	if _, err := s.UpdatePosition(ctx, room, upd); !errors.Is(err, match.ErrNotYourTurn) {
		t.Fatalf("expected NotYourTurn on stale seq, got %v", err)
	}
	after := hashSnapshot(t, mr, keyRoom(room.ID))
	if !reflect.DeepEqual(snapshot, after) {
		t.Fatalf("rejected update changed room state")
	}
}

func TestTerminateRoom(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	room := createActive(t, s)

	ok, err := s.TerminateRoom(ctx, room.ID, "")
	if err != nil || !ok {
		t.Fatalf("terminate: ok=%v err=%v", ok, err)
	}
	if mr.Exists(keyRoom(room.ID)) || mr.Exists(keyMoves(room.ID)) || mr.Exists(keyPlayerIdx("P1")) || mr.Exists(keyPlayerIdx("P2")) {
		t.Fatalf("room or index keys left behind")
	}
	if got, _ := s.GetRoom(ctx, room.ID); got != nil {
		t.Fatalf("room must be gone")
	}
	ok, err = s.TerminateRoom(ctx, room.ID, "P1")
	if err != nil || ok {
		t.Fatalf("second terminate must be a no-op: ok=%v err=%v", ok, err)
	}
}

func TestTerminateKeepsReassignedMembership(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	room := createActive(t, s)
	if err := mr.Set(keyPlayerIdx("P2"), "room_other"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := s.TerminateRoom(ctx, room.ID, ""); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if id, _ := s.RoomOf(ctx, "P2"); id != "room_other" {
		t.Fatalf("membership for another room must survive, got %q", id)
	}
}

func TestClearMembership(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	if err := mr.Set(keyPlayerIdx("P1"), "room_gone"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.ClearMembership(ctx, "P1", "room_other"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if id, _ := s.RoomOf(ctx, "P1"); id != "room_gone" {
		t.Fatalf("non-matching clear must keep entry, got %q", id)
	}
	if err := s.ClearMembership(ctx, "P1", "room_gone"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if id, _ := s.RoomOf(ctx, "P1"); id != "" {
		t.Fatalf("entry should be gone, got %q", id)
	}
}

func TestStoreUnavailable(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()
	_, err := s.GetRoom(context.Background(), "room_x")
	if !errors.Is(err, match.ErrStoreUnavailable) {
		t.Fatalf("expected StoreUnavailable, got %v", err)
	}
	_, err = s.CreateWaitingRoom(context.Background(), match.Seat{PlayerID: "P1", Rating: 700}, rules.StartingPosition(), nil)
	if match.CodeOf(err) != match.CodeStoreUnavailable {
		t.Fatalf("expected StoreUnavailable code, got %v", err)
	}
}
