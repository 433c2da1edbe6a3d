package session

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/chess-match-server/internal/archive"
	"github.com/park285/chess-match-server/internal/connreg"
	"github.com/park285/chess-match-server/internal/match"
	"github.com/park285/chess-match-server/internal/msgcat"
	"github.com/park285/chess-match-server/internal/oracle"
	"github.com/park285/chess-match-server/internal/players"
	"github.com/park285/chess-match-server/internal/relay"
	"github.com/park285/chess-match-server/internal/roomstore"
	"github.com/park285/chess-match-server/internal/rules"
	"github.com/park285/chess-match-server/internal/valuation"
	"github.com/park285/chess-match-server/pkg/matchdto"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []matchdto.Envelope
}

func (f *fakeConn) Send(_ context.Context, msg []byte) error {
	var env matchdto.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames))
	for _, e := range f.frames {
		out = append(out, e.Event)
	}
	return out
}

func (f *fakeConn) count(event string) int {
	n := 0
	for _, e := range f.events() {
		if e == event {
			n++
		}
	}
	return n
}

// last decodes the most recent frame of event into v.
func (f *fakeConn) last(t *testing.T, event string, v any) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.frames) - 1; i >= 0; i-- {
		if f.frames[i].Event == event {
			if err := json.Unmarshal(f.frames[i].Data, v); err != nil {
				t.Fatalf("decode %s: %v", event, err)
			}
			return
		}
	}
	t.Fatalf("no %s frame, got %v", event, f.events())
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	f.frames = nil
	f.mu.Unlock()
}

type harness struct {
	t      *testing.T
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	rooms  *roomstore.Store
	conns  *connreg.Registry
	memory *archive.Memory
	coord  *Coordinator
	calls  atomic.Int64
}

func newHarness(t *testing.T, eval oracle.EvaluatorFunc) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{t: t, mr: mr, rdb: rdb}
	h.rooms = roomstore.New(rdb, time.Hour)
	h.conns = connreg.New(rdb, "n1", time.Hour)
	h.memory = archive.NewMemory()
	counted := oracle.EvaluatorFunc(func(ctx context.Context, fen string) (float64, error) {
		h.calls.Add(1)
		return eval(ctx, fen)
	})
	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("msgcat: %v", err)
	}
	h.coord, err = New(Deps{
		Rooms:     h.rooms,
		Conns:     h.conns,
		Notifier:  relay.New(h.conns, rdb, false),
		Valuation: valuation.New(counted, time.Second),
		Players:   players.NewStore(rdb, 700, 100),
		Archive:   h.memory,
		Messages:  cat,
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	return h
}

func flatOracle(context.Context, string) (float64, error) { return 0, nil }

func (h *harness) connect(playerID string) (Caller, *fakeConn) {
	h.t.Helper()
	conn := &fakeConn{}
	handle, err := h.conns.Bind(context.Background(), playerID, conn)
	if err != nil {
		h.t.Fatalf("bind %s: %v", playerID, err)
	}
	return Caller{PlayerID: playerID, Handle: handle}, conn
}

func rating(v float64) *float64 { return &v }

// startMatch pairs P1 (white) and P2 (black) at rating 700.
func (h *harness) startMatch() (string, Caller, *fakeConn, Caller, *fakeConn) {
	h.t.Helper()
	ctx := context.Background()
	p1, c1 := h.connect("P1")
	p2, c2 := h.connect("P2")
	if err := h.coord.CreateOrJoin(ctx, p1, matchdto.CreateRoomRequest{PlayerID: "P1", Rating: rating(700)}); err != nil {
		h.t.Fatalf("create: %v", err)
	}
	var created matchdto.RoomCreated
	c1.last(h.t, matchdto.EventRoomCreated, &created)
	if err := h.coord.JoinExplicit(ctx, p2, matchdto.JoinRoomRequest{PlayerID: "P2", Rating: rating(700), RoomID: created.RoomID}); err != nil {
		h.t.Fatalf("join: %v", err)
	}
	return created.RoomID, p1, c1, p2, c2
}

func (h *harness) move(caller Caller, roomID, from, to string) error {
	return h.coord.SubmitMove(context.Background(), caller, matchdto.MoveRequest{RoomID: roomID, FromSquare: from, ToSquare: to})
}

func TestEndToEndMatch(t *testing.T) {
	h := newHarness(t, func(_ context.Context, fen string) (float64, error) {
		if fen == rules.StartingPosition() {
			return 0, nil
		}
		return 0.3, nil
	})
	ctx := context.Background()
	p1, c1 := h.connect("P1")
	p2, c2 := h.connect("P2")

	if err := h.coord.CreateOrJoin(ctx, p1, matchdto.CreateRoomRequest{PlayerID: "P1", Rating: rating(700)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	var created matchdto.RoomCreated
	c1.last(t, matchdto.EventRoomCreated, &created)
	if created.Player1ID != "P1" || created.Rating1 != 700 {
		t.Fatalf("unexpected roomCreated: %+v", created)
	}
	var list matchdto.WaitingRoomList
	c2.last(t, matchdto.EventWaitingRoomList, &list)
	if !reflect.DeepEqual(list.RoomIDs, []string{created.RoomID}) {
		t.Fatalf("waiting list=%v", list.RoomIDs)
	}
	room, _ := h.rooms.GetRoom(ctx, created.RoomID)
	if room.Status != match.StatusWaiting {
		t.Fatalf("status=%s", room.Status)
	}

	if err := h.coord.JoinExplicit(ctx, p2, matchdto.JoinRoomRequest{PlayerID: "P2", Rating: rating(700), RoomID: created.RoomID}); err != nil {
		t.Fatalf("join: %v", err)
	}
	var r1, r2 matchdto.MatchReady
	c1.last(t, matchdto.EventMatchReady, &r1)
	c2.last(t, matchdto.EventMatchReady, &r2)
	if r1.PositionState != rules.StartingPosition() || r2.PositionState != r1.PositionState {
		t.Fatalf("matchReady positions differ: %q vs %q", r1.PositionState, r2.PositionState)
	}
	if r1.Player2ID != "P2" || r1.Turn != "white" || len(r1.PieceInventories.White) != 16 || len(r1.PieceInventories.Black) != 16 {
		t.Fatalf("unexpected matchReady: %+v", r1)
	}

	if err := h.move(p1, created.RoomID, "e2", "e4"); err != nil {
		t.Fatalf("move: %v", err)
	}
	var m1, m2 matchdto.MoveApplied
	c1.last(t, matchdto.EventMoveApplied, &m1)
	c2.last(t, matchdto.EventMoveApplied, &m2)
	if m1.Turn != "black" || m2.PositionState != m1.PositionState || m1.PositionState == rules.StartingPosition() {
		t.Fatalf("unexpected moveApplied: %+v", m1)
	}
	if m1.LastMove == nil || m1.LastMove.SAN != "e4" || m1.LastMove.Valuation == nil {
		t.Fatalf("lastMove=%+v", m1.LastMove)
	}
	// (0.3 - 0) * 1 * (1/30) * 100 = 1
	if got := m1.LastMove.Valuation.NewWeight; got < 100.999 || got > 101.001 {
		t.Fatalf("newWeight=%v", got)
	}
	var moved *matchdto.Piece
	for i := range m1.PieceInventories.White {
		if m1.PieceInventories.White[i].BoardSquare == "e4" {
			moved = &m1.PieceInventories.White[i]
		}
	}
	if moved == nil || moved.AssetID != "P1:e2" {
		t.Fatalf("moved piece not at e4: %+v", m1.PieceInventories.White)
	}

	h.coord.Disconnect(ctx, "P2", p2.Handle)
	if h.mr.Exists("match:room:" + created.RoomID) {
		t.Fatalf("room should be removed after disconnect")
	}
	for _, pid := range []string{"P1", "P2"} {
		if id, _ := h.rooms.RoomOf(ctx, pid); id != "" {
			t.Fatalf("%s still indexed in %s", pid, id)
		}
	}
	var over matchdto.GameOver
	c1.last(t, matchdto.EventGameOver, &over)
	if over.Reason != ReasonDisconnect || over.WinnerSide != "white" {
		t.Fatalf("gameOver=%+v", over)
	}
	if over.SessionAccumulator.White.MoveCount != 1 {
		t.Fatalf("accumulator=%+v", over.SessionAccumulator)
	}
	if _, ok := h.memory.Get(created.RoomID); !ok {
		t.Fatalf("finished match should be archived")
	}
}

func TestNotYourTurnLeavesRoomUntouched(t *testing.T) {
	h := newHarness(t, flatOracle)
	roomID, _, c1, p2, c2 := h.startMatch()
	key := "match:room:" + roomID
	before, err := h.rdb.HGetAll(context.Background(), key).Result()
	if err != nil {
		t.Fatalf("hgetall: %v", err)
	}
	c1.reset()
	c2.reset()

	env, _ := matchdto.NewEnvelope(matchdto.EventMove, matchdto.MoveRequest{RoomID: roomID, FromSquare: "e7", ToSquare: "e5"})
	h.coord.Dispatch(context.Background(), p2, env)

	var rejected matchdto.RequestError
	c2.last(t, matchdto.EventRequestError, &rejected)
	if rejected.Code != string(match.CodeNotYourTurn) || rejected.Event != matchdto.EventMove {
		t.Fatalf("requestError=%+v", rejected)
	}
	if n := len(c1.events()); n != 0 {
		t.Fatalf("opponent must not be notified, got %v", c1.events())
	}
	after, _ := h.rdb.HGetAll(context.Background(), key).Result()
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("room changed after rejected move")
	}
	if h.calls.Load() != 0 {
		t.Fatalf("oracle should not be consulted for a rejected move")
	}
}

func TestMoveFromReplacedConnectionIsNotYourTurn(t *testing.T) {
	h := newHarness(t, flatOracle)
	roomID, p1, _, _, _ := h.startMatch()
	// 재접속으로 바인딩 교체
	h.connect("P1")
	err := h.move(p1, roomID, "e2", "e4")
	if !errors.Is(err, match.ErrNotYourTurn) {
		t.Fatalf("expected NotYourTurn, got %v", err)
	}
}

func TestMoveUnknownRoomReportsSenderOnly(t *testing.T) {
	h := newHarness(t, flatOracle)
	p1, c1 := h.connect("P1")
	_, c2 := h.connect("P2")

	env, _ := matchdto.NewEnvelope(matchdto.EventMove, matchdto.MoveRequest{RoomID: "room_000000000000", FromSquare: "e2", ToSquare: "e4"})
	h.coord.Dispatch(context.Background(), p1, env)

	var rejected matchdto.RequestError
	c1.last(t, matchdto.EventRequestError, &rejected)
	if rejected.Code != string(match.CodeRoomNotFound) || rejected.Message != "Room does not exist" {
		t.Fatalf("requestError=%+v", rejected)
	}
	if n := len(c2.events()); n != 0 {
		t.Fatalf("no broadcast expected, got %v", c2.events())
	}
}

func TestIllegalMoveRejected(t *testing.T) {
	h := newHarness(t, flatOracle)
	roomID, p1, _, _, c2 := h.startMatch()
	c2.reset()
	err := h.move(p1, roomID, "e2", "e5")
	if match.CodeOf(err) != match.CodeIllegalMove {
		t.Fatalf("expected IllegalMove, got %v", err)
	}
	if len(c2.events()) != 0 {
		t.Fatalf("opponent must not see rejected move")
	}
}

func TestAssetMismatchRejected(t *testing.T) {
	h := newHarness(t, flatOracle)
	roomID, p1, _, _, _ := h.startMatch()
	err := h.coord.SubmitMove(context.Background(), p1, matchdto.MoveRequest{RoomID: roomID, AssetID: "P1:d2", FromSquare: "e2", ToSquare: "e4"})
	if match.CodeOf(err) != match.CodeInvalidRequest {
		t.Fatalf("expected InvalidRequest, got %v", err)
	}
}

func TestOracleFailureStillAppliesMove(t *testing.T) {
	h := newHarness(t, func(context.Context, string) (float64, error) {
		return 0, match.ErrOracleUnavailable
	})
	roomID, p1, c1, _, c2 := h.startMatch()
	if err := h.move(p1, roomID, "g1", "f3"); err != nil {
		t.Fatalf("move: %v", err)
	}
	var applied matchdto.MoveApplied
	c2.last(t, matchdto.EventMoveApplied, &applied)
	v := applied.LastMove.Valuation
	if v == nil || !v.Degraded || v.NewWeight != v.PriorWeight || v.NewWeight != 100 {
		t.Fatalf("valuation=%+v", v)
	}
	if c1.count(matchdto.EventMoveApplied) != 1 {
		t.Fatalf("mover should receive moveApplied")
	}
	room, _ := h.rooms.GetRoom(context.Background(), roomID)
	if room.Turn != match.SideBlack || room.MoveSeq != 1 {
		t.Fatalf("room not advanced: turn=%s seq=%d", room.Turn, room.MoveSeq)
	}
}

func TestCheckmateEndsMatch(t *testing.T) {
	h := newHarness(t, flatOracle)
	roomID, p1, c1, p2, c2 := h.startMatch()
	for i, mv := range []struct {
		caller   Caller
		from, to string
	}{
		{p1, "f2", "f3"},
		{p2, "e7", "e5"},
		{p1, "g2", "g4"},
		{p2, "d8", "h4"},
	} {
		if err := h.move(mv.caller, roomID, mv.from, mv.to); err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
	}
	if got := h.calls.Load(); got != 6 {
		t.Fatalf("expected 6 oracle calls (mate skipped), got %d", got)
	}

	var applied matchdto.MoveApplied
	c1.last(t, matchdto.EventMoveApplied, &applied)
	if !applied.IsCheckmate || applied.LastMove.Valuation.Delta != valuation.CheckmateDelta || applied.LastMove.Valuation.NewWeight != 104 {
		t.Fatalf("checkmate move=%+v valuation=%+v", applied, applied.LastMove.Valuation)
	}
	for _, c := range []*fakeConn{c1, c2} {
		var over matchdto.GameOver
		c.last(t, matchdto.EventGameOver, &over)
		if over.Reason != ReasonCheckmate || over.WinnerSide != "black" {
			t.Fatalf("gameOver=%+v", over)
		}
		if over.SessionAccumulator.Black.MoveCount != 2 || over.SessionAccumulator.Black.CumulativeDelta != 4 {
			t.Fatalf("black accumulator=%+v", over.SessionAccumulator.Black)
		}
		if !over.SessionAccumulator.Black.RewardEligible || over.SessionAccumulator.White.RewardEligible {
			t.Fatalf("reward flags=%+v", over.SessionAccumulator)
		}
	}
	if h.mr.Exists("match:room:" + roomID) {
		t.Fatalf("room should be terminated")
	}
	res, ok := h.memory.Get(roomID)
	if !ok || res.Result != "black" || len(res.MovesSAN) != 4 || res.MovesSAN[3] != "Qh4#" {
		t.Fatalf("archive=%+v ok=%v", res, ok)
	}
}

func TestFiftyMoveDrawEndsMatch(t *testing.T) {
	h := newHarness(t, flatOracle)
	roomID, p1, c1, p2, c2 := h.startMatch()
	h.mr.HSet("match:room:"+roomID, "position", "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 99 50")

	if err := h.move(p1, roomID, "g1", "f3"); err != nil {
		t.Fatalf("move: %v", err)
	}
	var applied matchdto.MoveApplied
	c2.last(t, matchdto.EventMoveApplied, &applied)
	if !applied.IsDraw || applied.IsCheckmate || applied.IsStalemate {
		t.Fatalf("moveApplied=%+v", applied)
	}
	for _, c := range []*fakeConn{c1, c2} {
		var over matchdto.GameOver
		c.last(t, matchdto.EventGameOver, &over)
		if over.Reason != "fiftymoverule" || over.WinnerSide != "" {
			t.Fatalf("gameOver=%+v", over)
		}
		if c.count(matchdto.EventGameOver) != 1 {
			t.Fatalf("gameOver must be sent once, got %v", c.events())
		}
	}
	if h.mr.Exists("match:room:" + roomID) {
		t.Fatalf("room should be terminated")
	}
	if id, _ := h.rooms.RoomOf(context.Background(), "P2"); id != "" {
		t.Fatalf("membership should be cleared, got %q", id)
	}
	res, ok := h.memory.Get(roomID)
	if !ok || res.Result != "draw" || res.Method != "fiftymoverule" {
		t.Fatalf("archive=%+v ok=%v", res, ok)
	}
	if err := h.move(p2, roomID, "e7", "e5"); match.CodeOf(err) != match.CodeRoomNotFound {
		t.Fatalf("move after draw: %v", err)
	}
}

func TestCreateOrJoinPairsWithWaitingRoom(t *testing.T) {
	h := newHarness(t, flatOracle)
	ctx := context.Background()
	p1, c1 := h.connect("P1")
	p2, c2 := h.connect("P2")
	if err := h.coord.CreateOrJoin(ctx, p1, matchdto.CreateRoomRequest{PlayerID: "P1", Rating: rating(700)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.coord.CreateOrJoin(ctx, p2, matchdto.CreateRoomRequest{PlayerID: "P2", Rating: rating(900)}); err != nil {
		t.Fatalf("second create: %v", err)
	}
	var ready matchdto.MatchReady
	c2.last(t, matchdto.EventMatchReady, &ready)
	if ready.Player1ID != "P1" || ready.Player2ID != "P2" || ready.Rating2 != 900 {
		t.Fatalf("matchReady=%+v", ready)
	}
	if c1.count(matchdto.EventMatchReady) != 1 || c2.count(matchdto.EventRoomCreated) != 0 {
		t.Fatalf("events p1=%v p2=%v", c1.events(), c2.events())
	}
	ids, _ := h.rooms.ListWaiting(ctx)
	if len(ids) != 0 {
		t.Fatalf("waiting=%v", ids)
	}
}

func TestCreateRoomTwiceReturnsSameRoom(t *testing.T) {
	h := newHarness(t, flatOracle)
	ctx := context.Background()
	p1, c1 := h.connect("P1")
	req := matchdto.CreateRoomRequest{PlayerID: "P1", Rating: rating(700)}
	if err := h.coord.CreateOrJoin(ctx, p1, req); err != nil {
		t.Fatalf("create: %v", err)
	}
	var first, second matchdto.RoomCreated
	c1.last(t, matchdto.EventRoomCreated, &first)
	if err := h.coord.CreateOrJoin(ctx, p1, req); err != nil {
		t.Fatalf("create again: %v", err)
	}
	c1.last(t, matchdto.EventRoomCreated, &second)
	if first.RoomID != second.RoomID {
		t.Fatalf("expected same room, got %s and %s", first.RoomID, second.RoomID)
	}
}

func TestCreateRoomValidation(t *testing.T) {
	h := newHarness(t, flatOracle)
	ctx := context.Background()
	p1, c1 := h.connect("P1")
	cases := []matchdto.CreateRoomRequest{
		{PlayerID: "", Rating: rating(700)},
		{PlayerID: "P1"},
		{PlayerID: "P3", Rating: rating(700)},
	}
	for i, req := range cases {
		err := h.coord.CreateOrJoin(ctx, p1, req)
		if match.CodeOf(err) != match.CodeInvalidRequest {
			t.Fatalf("case %d: expected InvalidRequest, got %v", i, err)
		}
	}
	if len(c1.events()) != 0 {
		t.Fatalf("no events expected, got %v", c1.events())
	}
	if ids, _ := h.rooms.ListWaiting(ctx); len(ids) != 0 {
		t.Fatalf("no room should exist: %v", ids)
	}
}

func TestJoinErrors(t *testing.T) {
	h := newHarness(t, flatOracle)
	roomID, _, _, _, _ := h.startMatch()
	p3, _ := h.connect("P3")
	err := h.coord.JoinExplicit(context.Background(), p3, matchdto.JoinRoomRequest{PlayerID: "P3", Rating: rating(700), RoomID: roomID})
	if !errors.Is(err, match.ErrRoomFull) {
		t.Fatalf("expected RoomFull, got %v", err)
	}
	err = h.coord.JoinExplicit(context.Background(), p3, matchdto.JoinRoomRequest{PlayerID: "P3", Rating: rating(700), RoomID: "room_missing"})
	if !errors.Is(err, match.ErrRoomNotFound) {
		t.Fatalf("expected RoomNotFound, got %v", err)
	}
}

func TestResign(t *testing.T) {
	h := newHarness(t, flatOracle)
	roomID, p1, c1, _, c2 := h.startMatch()
	p3, _ := h.connect("P3")
	if err := h.coord.Resign(context.Background(), p3, matchdto.RoomRequest{RoomID: roomID}); match.CodeOf(err) != match.CodeInvalidRequest {
		t.Fatalf("outsider resign: %v", err)
	}
	if err := h.coord.Resign(context.Background(), p1, matchdto.RoomRequest{RoomID: roomID}); err != nil {
		t.Fatalf("resign: %v", err)
	}
	for _, c := range []*fakeConn{c1, c2} {
		var over matchdto.GameOver
		c.last(t, matchdto.EventGameOver, &over)
		if over.Reason != ReasonResignation || over.WinnerSide != "black" {
			t.Fatalf("gameOver=%+v", over)
		}
	}
	if err := h.coord.Resign(context.Background(), p1, matchdto.RoomRequest{RoomID: roomID}); !errors.Is(err, match.ErrRoomNotFound) {
		t.Fatalf("second resign should be RoomNotFound, got %v", err)
	}
}

func TestStaleDisconnectKeepsRoom(t *testing.T) {
	h := newHarness(t, flatOracle)
	roomID, p1, _, _, _ := h.startMatch()
	h.connect("P1")
	h.coord.Disconnect(context.Background(), "P1", p1.Handle)
	if !h.mr.Exists("match:room:" + roomID) {
		t.Fatalf("stale disconnect must not tear down the room")
	}
}

func TestDisconnectWaitingRoom(t *testing.T) {
	h := newHarness(t, flatOracle)
	ctx := context.Background()
	p1, _ := h.connect("P1")
	_, c2 := h.connect("P2")
	if err := h.coord.CreateOrJoin(ctx, p1, matchdto.CreateRoomRequest{PlayerID: "P1", Rating: rating(700)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.coord.Disconnect(ctx, "P1", p1.Handle)
	if ids, _ := h.rooms.ListWaiting(ctx); len(ids) != 0 {
		t.Fatalf("waiting=%v", ids)
	}
	var list matchdto.WaitingRoomList
	c2.last(t, matchdto.EventWaitingRoomList, &list)
	if len(list.RoomIDs) != 0 {
		t.Fatalf("broadcast list=%v", list.RoomIDs)
	}
	// 두 번째 disconnect는 no-op
	h.coord.Disconnect(ctx, "P1", p1.Handle)
}

func TestGetRoomAndListRooms(t *testing.T) {
	h := newHarness(t, flatOracle)
	roomID, p1, c1, _, _ := h.startMatch()
	env, _ := matchdto.NewEnvelope(matchdto.EventGetRoom, matchdto.RoomRequest{RoomID: roomID})
	h.coord.Dispatch(context.Background(), p1, env)
	var st matchdto.RoomState
	c1.last(t, matchdto.EventRoomState, &st)
	if st.Status != string(match.StatusActive) || st.Player2ID == nil || *st.Player2ID != "P2" {
		t.Fatalf("roomState=%+v", st)
	}

	h.coord.Dispatch(context.Background(), p1, matchdto.Envelope{Event: matchdto.EventListRooms})
	var list matchdto.WaitingRoomList
	c1.last(t, matchdto.EventWaitingRoomList, &list)
	if list.RoomIDs == nil || len(list.RoomIDs) != 0 {
		t.Fatalf("list=%v", list.RoomIDs)
	}

	if _, err := h.coord.RoomState(context.Background(), "room_missing"); !errors.Is(err, match.ErrRoomNotFound) {
		t.Fatalf("expected RoomNotFound, got %v", err)
	}
}

func TestDispatchUnknownAndMalformed(t *testing.T) {
	h := newHarness(t, flatOracle)
	p1, c1 := h.connect("P1")
	h.coord.Dispatch(context.Background(), p1, matchdto.Envelope{Event: "dance"})
	h.coord.Dispatch(context.Background(), p1, matchdto.Envelope{Event: matchdto.EventMove, Data: json.RawMessage(`{"roomId":`)})
	if c1.count(matchdto.EventRequestError) != 2 {
		t.Fatalf("events=%v", c1.events())
	}
	var rejected matchdto.RequestError
	c1.last(t, matchdto.EventRequestError, &rejected)
	if rejected.Code != string(match.CodeInvalidRequest) {
		t.Fatalf("requestError=%+v", rejected)
	}
}
