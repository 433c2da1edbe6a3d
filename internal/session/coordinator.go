// Package session is the match protocol state machine: pairing, move relay,
// valuation and teardown.
package session

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-match-server/internal/archive"
	"github.com/park285/chess-match-server/internal/connreg"
	"github.com/park285/chess-match-server/internal/match"
	"github.com/park285/chess-match-server/internal/msgcat"
	"github.com/park285/chess-match-server/internal/obslog"
	"github.com/park285/chess-match-server/internal/players"
	"github.com/park285/chess-match-server/internal/roomstore"
	"github.com/park285/chess-match-server/internal/rules"
	"github.com/park285/chess-match-server/internal/valuation"
	"github.com/park285/chess-match-server/pkg/matchdto"
)

// Notifier delivers encoded frames to connections.
type Notifier interface {
	SendToPlayer(ctx context.Context, playerID string, frame []byte) error
	SendToHandle(ctx context.Context, h connreg.Handle, frame []byte) error
	Broadcast(ctx context.Context, frame []byte) error
}

// Caller is the connection an inbound event arrived on.
type Caller struct {
	PlayerID string
	Handle   connreg.Handle
}

// Game-over reasons.
const (
	ReasonCheckmate   = "checkmate"
	ReasonStalemate   = "stalemate"
	ReasonDraw        = "draw"
	ReasonResignation = "resignation"
	ReasonDisconnect  = "disconnect"
)

type Deps struct {
	Rooms     *roomstore.Store
	Conns     *connreg.Registry
	Notifier  Notifier
	Valuation *valuation.Engine
	Players   *players.Store
	Archive   archive.Repository
	Messages  *msgcat.Catalog
}

// Coordinator owns no room state itself; every decision is re-read from the registry.
type Coordinator struct {
	rooms    *roomstore.Store
	conns    *connreg.Registry
	notify   Notifier
	engine   *valuation.Engine
	players  *players.Store
	archive  archive.Repository
	messages *msgcat.Catalog
	now      func() time.Time
}

func New(d Deps) (*Coordinator, error) {
	if d.Rooms == nil || d.Conns == nil || d.Notifier == nil || d.Valuation == nil || d.Players == nil {
		return nil, errors.New("session: rooms, conns, notifier, valuation and players are required")
	}
	repo := d.Archive
	if repo == nil {
		repo = archive.NewMemory()
	}
	return &Coordinator{
		rooms:    d.Rooms,
		conns:    d.Conns,
		notify:   d.Notifier,
		engine:   d.Valuation,
		players:  d.Players,
		archive:  repo,
		messages: d.Messages,
		now:      time.Now,
	}, nil
}

func seatFrom(playerID string, rating *float64) (match.Seat, error) {
	playerID = strings.TrimSpace(playerID)
	if playerID == "" {
		return match.Seat{}, match.Errorf(match.CodeInvalidRequest, "playerId is required")
	}
	if rating == nil || math.IsNaN(*rating) || math.IsInf(*rating, 0) || *rating < 0 {
		return match.Seat{}, match.Errorf(match.CodeInvalidRequest, "rating is required")
	}
	return match.Seat{PlayerID: playerID, Rating: *rating}, nil
}

func checkIdentity(caller Caller, playerID string) error {
	if caller.PlayerID != "" && strings.TrimSpace(playerID) != caller.PlayerID {
		return match.Errorf(match.CodeInvalidRequest, "playerId does not match the connection")
	}
	return nil
}

// CreateOrJoin joins the first compatible waiting room or opens a new one.
func (c *Coordinator) CreateOrJoin(ctx context.Context, caller Caller, req matchdto.CreateRoomRequest) error {
	seat, err := seatFrom(req.PlayerID, req.Rating)
	if err != nil {
		return err
	}
	if err := checkIdentity(caller, seat.PlayerID); err != nil {
		return err
	}

	current, err := c.currentRoom(ctx, seat.PlayerID)
	if err != nil {
		return err
	}
	if current == "" {
		// 대기방 경합에서 지면 다음 방을 찾는다
		for attempt := 0; attempt < 3; attempt++ {
			waiting, err := c.rooms.FindWaitingRoom(ctx, seat.PlayerID)
			if err != nil {
				return err
			}
			if waiting == nil {
				break
			}
			err = c.join(ctx, waiting.ID, seat)
			if err == nil {
				return nil
			}
			if code := match.CodeOf(err); code != match.CodeRoomFull && code != match.CodeRoomNotFound {
				return err
			}
		}
	}
	return c.create(ctx, seat)
}

// currentRoom returns the room playerID still sits in; stale index entries count as none.
func (c *Coordinator) currentRoom(ctx context.Context, playerID string) (string, error) {
	id, err := c.rooms.RoomOf(ctx, playerID)
	if err != nil || id == "" {
		return "", err
	}
	room, err := c.rooms.GetRoom(ctx, id)
	if err != nil {
		return "", err
	}
	if room == nil {
		// 만료된 방을 가리키는 인덱스. 지워도 실패는 무시한다.
		_ = c.rooms.ClearMembership(ctx, playerID, id)
		return "", nil
	}
	return id, nil
}

// JoinExplicit joins roomId.
func (c *Coordinator) JoinExplicit(ctx context.Context, caller Caller, req matchdto.JoinRoomRequest) error {
	seat, err := seatFrom(req.PlayerID, req.Rating)
	if err != nil {
		return err
	}
	if strings.TrimSpace(req.RoomID) == "" {
		return match.Errorf(match.CodeInvalidRequest, "roomId is required")
	}
	if err := checkIdentity(caller, seat.PlayerID); err != nil {
		return err
	}
	return c.join(ctx, strings.TrimSpace(req.RoomID), seat)
}

func (c *Coordinator) create(ctx context.Context, seat match.Seat) error {
	white, err := c.players.Inventory(ctx, seat.PlayerID, match.SideWhite)
	if err != nil {
		return err
	}
	res, err := c.rooms.CreateWaitingRoom(ctx, seat, rules.StartingPosition(), white)
	if err != nil {
		return err
	}
	room := res.Room
	c.sendTo(ctx, seat.PlayerID, matchdto.EventRoomCreated, matchdto.RoomCreated{
		RoomID:    room.ID,
		Player1ID: room.Player1.PlayerID,
		Rating1:   room.Player1.Rating,
	})
	if !res.Existing {
		c.broadcastWaiting(ctx)
	}
	return nil
}

func (c *Coordinator) join(ctx context.Context, roomID string, seat match.Seat) error {
	black, err := c.players.Inventory(ctx, seat.PlayerID, match.SideBlack)
	if err != nil {
		return err
	}
	room, err := c.rooms.JoinRoom(ctx, roomID, seat, black)
	if err != nil {
		return err
	}
	ready := toMatchReady(room)
	for _, pid := range room.Participants() {
		c.sendTo(ctx, pid, matchdto.EventMatchReady, ready)
	}
	c.broadcastWaiting(ctx)
	return nil
}

// SubmitMove validates turn ownership and legality, values the move and commits it.
// 제출자가 끊겨도 끝까지 처리한다.
func (c *Coordinator) SubmitMove(ctx context.Context, caller Caller, req matchdto.MoveRequest) error {
	ctx = context.WithoutCancel(ctx)
	roomID := strings.TrimSpace(req.RoomID)
	from := strings.ToLower(strings.TrimSpace(req.FromSquare))
	to := strings.ToLower(strings.TrimSpace(req.ToSquare))
	if roomID == "" || !rules.ValidSquare(from) || !rules.ValidSquare(to) {
		return match.Errorf(match.CodeInvalidRequest, "roomId, fromSquare and toSquare are required")
	}

	room, err := c.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return match.ErrRoomNotFound
	}
	if room.Status != match.StatusActive {
		return match.Errorf(match.CodeInvalidRequest, "match has not started")
	}
	if err := c.checkTurn(ctx, room, caller); err != nil {
		return err
	}

	res, err := rules.ApplyMove(room.Position, from, to, req.Promotion)
	if err != nil {
		if errors.Is(err, rules.ErrInvalidSquare) {
			return match.Errorf(match.CodeInvalidRequest, "%v", err)
		}
		return err
	}
	if !res.Legal {
		return match.Errorf(match.CodeIllegalMove, "%s-%s is not legal", from, to)
	}
	side := room.Turn
	idx, ok := room.Pieces.PieceAt(side, from)
	if !ok {
		return match.Errorf(match.CodeIllegalMove, "no piece on %s", from)
	}
	piece := room.Pieces.For(side)[idx]
	if req.AssetID != "" && req.AssetID != piece.AssetID {
		return match.Errorf(match.CodeInvalidRequest, "asset %s is not on %s", req.AssetID, from)
	}

	moverRating, oppRating := room.RatingsFor(side)
	delta, _ := c.engine.Compute(ctx, valuation.Input{
		AssetID:        piece.AssetID,
		PriorWeight:    piece.Weight,
		Before:         room.Position,
		After:          res.NewPosition,
		MoverRating:    moverRating,
		OpponentRating: oppRating,
		Checkmate:      res.IsCheckmate,
	})

	update := match.PieceUpdate{
		Side:       side,
		Index:      idx,
		ToSquare:   to,
		NewWeight:  delta.NewWeight,
		CaptureIdx: -1,
		RookIdx:    -1,
	}
	if res.Captured != "" {
		if ci, ok := room.Pieces.PieceAt(side.Opponent(), res.Captured); ok {
			update.CaptureIdx = ci
		}
	}
	if res.RookFrom != "" {
		if ri, ok := room.Pieces.PieceAt(side, res.RookFrom); ok {
			update.RookIdx = ri
			update.RookTo = res.RookTo
		}
	}
	if res.Promotion != "" {
		update.PromoteTo = rules.PromotionKind(res.Promotion)
	}
	pieces, err := update.Apply(room.Pieces)
	if err != nil {
		return err
	}

	record := &match.MoveRecord{
		Seq:        room.MoveSeq + 1,
		Side:       side,
		AssetID:    piece.AssetID,
		FromSquare: from,
		ToSquare:   to,
		Promotion:  res.Promotion,
		SAN:        res.SAN,
		UCI:        res.UCI,
		Valuation:  &delta,
		At:         c.now().UTC(),
	}
	updated, err := c.rooms.UpdatePosition(ctx, room, roomstore.Update{
		ExpectedSeq:  room.MoveSeq,
		ExpectedTurn: side,
		Position:     res.NewPosition,
		Pieces:       pieces,
		LastMove:     record,
		Accumulator:  room.Accumulator(side).Add(delta.Delta),
	})
	if err != nil {
		return err
	}
	obslog.L().Info("move_applied",
		zap.String("room_id", updated.ID),
		zap.String("player_id", caller.PlayerID),
		zap.String("uci", res.UCI),
		zap.Float64("delta", delta.Delta),
		zap.Bool("degraded", delta.Degraded),
	)

	applied := toMoveApplied(updated, res)
	for _, pid := range updated.Participants() {
		c.sendTo(ctx, pid, matchdto.EventMoveApplied, applied)
	}

	if res.Terminal() {
		reason := ReasonDraw
		switch {
		case res.IsCheckmate:
			reason = ReasonCheckmate
		case res.IsStalemate:
			reason = ReasonStalemate
		case res.Method != "":
			reason = res.Method
		}
		c.finish(ctx, updated, reason, res.Winner, res.Method)
	}
	return nil
}

// checkTurn compares the caller's connection with the live binding of the side to move.
func (c *Coordinator) checkTurn(ctx context.Context, room *match.Room, caller Caller) error {
	seat := room.SeatFor(room.Turn)
	if seat == nil || seat.PlayerID != caller.PlayerID {
		return match.ErrNotYourTurn
	}
	h, ok, err := c.conns.Lookup(ctx, seat.PlayerID)
	if err != nil {
		return err
	}
	if !ok || h != caller.Handle {
		return match.ErrNotYourTurn
	}
	return nil
}

// Resign ends roomId in favour of the caller's opponent.
func (c *Coordinator) Resign(ctx context.Context, caller Caller, req matchdto.RoomRequest) error {
	ctx = context.WithoutCancel(ctx)
	room, err := c.rooms.GetRoom(ctx, strings.TrimSpace(req.RoomID))
	if err != nil {
		return err
	}
	if room == nil {
		return match.ErrRoomNotFound
	}
	side, ok := room.SideOf(caller.PlayerID)
	if !ok {
		return match.Errorf(match.CodeInvalidRequest, "not a member of room %s", room.ID)
	}
	var winner match.Side
	if room.Status == match.StatusActive {
		winner = side.Opponent()
	}
	c.finish(ctx, room, ReasonResignation, winner, ReasonResignation)
	return nil
}

// Disconnect unbinds h and tears down the player's room when h was the live binding.
func (c *Coordinator) Disconnect(ctx context.Context, playerID string, h connreg.Handle) {
	ctx = context.WithoutCancel(ctx)
	current, err := c.conns.Unbind(ctx, playerID, h)
	if err != nil {
		obslog.L().Warn("disconnect_unbind_failed", zap.String("player_id", playerID), zap.Error(err))
	} else if !current {
		// 재접속으로 이미 교체된 연결
		return
	}
	roomID, err := c.rooms.RoomOf(ctx, playerID)
	if err != nil || roomID == "" {
		if err != nil {
			obslog.L().Warn("disconnect_lookup_failed", zap.String("player_id", playerID), zap.Error(err))
		}
		return
	}
	room, err := c.rooms.GetRoom(ctx, roomID)
	if err != nil {
		obslog.L().Warn("disconnect_lookup_failed", zap.String("player_id", playerID), zap.Error(err))
		return
	}
	if room != nil && room.Status == match.StatusActive {
		if side, ok := room.SideOf(playerID); ok {
			c.finishWith(ctx, room, ReasonDisconnect, side.Opponent(), ReasonDisconnect, playerID)
			return
		}
	}
	if _, err := c.rooms.TerminateRoom(ctx, roomID, playerID); err != nil {
		obslog.L().Warn("disconnect_terminate_failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	c.broadcastWaiting(ctx)
}

// ListRooms sends the waiting list to the caller only.
func (c *Coordinator) ListRooms(ctx context.Context, caller Caller) error {
	ids, err := c.rooms.ListWaiting(ctx)
	if err != nil {
		return err
	}
	c.sendToHandle(ctx, caller.Handle, matchdto.EventWaitingRoomList, matchdto.WaitingRoomList{RoomIDs: nonNil(ids)})
	return nil
}

// WaitingRooms returns waiting room ids.
func (c *Coordinator) WaitingRooms(ctx context.Context) ([]string, error) {
	ids, err := c.rooms.ListWaiting(ctx)
	return nonNil(ids), err
}

// RoomState returns a snapshot of roomId; RoomNotFound when absent.
func (c *Coordinator) RoomState(ctx context.Context, roomID string) (*matchdto.RoomState, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, match.Errorf(match.CodeInvalidRequest, "roomId is required")
	}
	room, err := c.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, match.ErrRoomNotFound
	}
	st := toRoomState(room)
	return &st, nil
}

// GetRoom sends the room snapshot to the caller.
func (c *Coordinator) GetRoom(ctx context.Context, caller Caller, req matchdto.RoomRequest) error {
	st, err := c.RoomState(ctx, strings.TrimSpace(req.RoomID))
	if err != nil {
		return err
	}
	c.sendToHandle(ctx, caller.Handle, matchdto.EventRoomState, st)
	return nil
}

// Ping checks the room store.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.rooms.Ping(ctx)
}

func (c *Coordinator) finish(ctx context.Context, room *match.Room, reason string, winner match.Side, method string) {
	c.finishWith(ctx, room, reason, winner, method, "")
}

// finishWith terminates room once; only the caller that removed it reports the outcome.
func (c *Coordinator) finishWith(ctx context.Context, room *match.Room, reason string, winner match.Side, method, alsoPlayer string) {
	moves, err := c.rooms.Moves(ctx, room.ID)
	if err != nil {
		obslog.L().Warn("archive_moves_failed", zap.String("room_id", room.ID), zap.Error(err))
	}
	removed, err := c.rooms.TerminateRoom(ctx, room.ID, alsoPlayer)
	if err != nil {
		obslog.L().Error("room_terminate_failed", zap.String("room_id", room.ID), zap.Error(err))
		return
	}
	if !removed {
		return
	}
	obslog.L().Info("game_over",
		zap.String("room_id", room.ID),
		zap.String("reason", reason),
		zap.String("winner", string(winner)),
	)

	over := matchdto.GameOver{
		RoomID:             room.ID,
		Reason:             reason,
		WinnerSide:         string(winner),
		SessionAccumulator: toAccumulators(room),
	}
	for _, pid := range room.Participants() {
		if pid == alsoPlayer {
			continue
		}
		c.sendTo(ctx, pid, matchdto.EventGameOver, over)
	}

	if room.Status == match.StatusActive {
		c.saveResult(ctx, room, winner, method, moves)
		c.writeBack(ctx, room)
	}
	c.broadcastWaiting(ctx)
}

func (c *Coordinator) saveResult(ctx context.Context, room *match.Room, winner match.Side, method string, moves []match.MoveRecord) {
	r := &archive.Result{
		RoomID:    room.ID,
		Player1:   room.Player1.PlayerID,
		Rating1:   room.Player1.Rating,
		Result:    "draw",
		Method:    method,
		Pieces:    room.Pieces,
		AccWhite:  room.AccWhite,
		AccBlack:  room.AccBlack,
		StartedAt: room.CreatedAt,
		EndedAt:   c.now().UTC(),
	}
	if room.HasPlayer2() {
		r.Player2 = room.Player2.PlayerID
		r.Rating2 = room.Player2.Rating
	}
	if winner.Valid() {
		r.Result = string(winner)
	}
	for _, mv := range moves {
		r.MovesUCI = append(r.MovesUCI, mv.UCI)
		r.MovesSAN = append(r.MovesSAN, mv.SAN)
	}
	if err := c.archive.SaveResult(ctx, r); err != nil {
		obslog.L().Warn("archive_save_failed", zap.String("room_id", room.ID), zap.Error(err))
	}
}

func (c *Coordinator) writeBack(ctx context.Context, room *match.Room) {
	for _, side := range []match.Side{match.SideWhite, match.SideBlack} {
		seat := room.SeatFor(side)
		if seat == nil || seat.PlayerID == "" {
			continue
		}
		if err := c.players.WriteBack(ctx, seat.PlayerID, room.Pieces.For(side)); err != nil {
			obslog.L().Warn("weight_writeback_failed", zap.String("player_id", seat.PlayerID), zap.Error(err))
		}
	}
}

func (c *Coordinator) broadcastWaiting(ctx context.Context) {
	ids, err := c.rooms.ListWaiting(ctx)
	if err != nil {
		obslog.L().Warn("waiting_list_failed", zap.Error(err))
		return
	}
	frame, err := matchdto.Encode(matchdto.EventWaitingRoomList, matchdto.WaitingRoomList{RoomIDs: nonNil(ids)})
	if err != nil {
		return
	}
	if err := c.notify.Broadcast(ctx, frame); err != nil {
		obslog.L().Warn("broadcast_failed", zap.Error(err))
	}
}

func (c *Coordinator) sendTo(ctx context.Context, playerID, event string, data any) {
	frame, err := matchdto.Encode(event, data)
	if err != nil {
		obslog.L().Error("encode_failed", zap.String("event", event), zap.Error(err))
		return
	}
	if err := c.notify.SendToPlayer(ctx, playerID, frame); err != nil {
		obslog.L().Warn("send_failed", zap.String("player_id", playerID), zap.String("event", event), zap.Error(err))
	}
}

func (c *Coordinator) sendToHandle(ctx context.Context, h connreg.Handle, event string, data any) {
	frame, err := matchdto.Encode(event, data)
	if err != nil {
		obslog.L().Error("encode_failed", zap.String("event", event), zap.Error(err))
		return
	}
	if err := c.notify.SendToHandle(ctx, h, frame); err != nil {
		obslog.L().Warn("send_failed", zap.String("handle", h.String()), zap.String("event", event), zap.Error(err))
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
