package session

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/park285/chess-match-server/internal/match"
	"github.com/park285/chess-match-server/internal/obslog"
	"github.com/park285/chess-match-server/pkg/matchdto"
)

// Dispatch routes one client envelope. 실패는 보낸 연결에만 requestError로 알린다.
func (c *Coordinator) Dispatch(ctx context.Context, caller Caller, env matchdto.Envelope) {
	err := c.dispatch(ctx, caller, env)
	if err == nil {
		return
	}
	c.Reject(ctx, caller, env.Event, err)
}

func (c *Coordinator) dispatch(ctx context.Context, caller Caller, env matchdto.Envelope) error {
	switch env.Event {
	case matchdto.EventCreateRoom:
		var req matchdto.CreateRoomRequest
		if err := decode(env.Data, &req); err != nil {
			return err
		}
		return c.CreateOrJoin(ctx, caller, req)
	case matchdto.EventJoinRoom:
		var req matchdto.JoinRoomRequest
		if err := decode(env.Data, &req); err != nil {
			return err
		}
		return c.JoinExplicit(ctx, caller, req)
	case matchdto.EventMove:
		var req matchdto.MoveRequest
		if err := decode(env.Data, &req); err != nil {
			return err
		}
		return c.SubmitMove(ctx, caller, req)
	case matchdto.EventResign:
		var req matchdto.RoomRequest
		if err := decode(env.Data, &req); err != nil {
			return err
		}
		return c.Resign(ctx, caller, req)
	case matchdto.EventGetRoom:
		var req matchdto.RoomRequest
		if err := decode(env.Data, &req); err != nil {
			return err
		}
		return c.GetRoom(ctx, caller, req)
	case matchdto.EventListRooms:
		return c.ListRooms(ctx, caller)
	default:
		return match.Errorf(match.CodeInvalidRequest, "unknown event %q", env.Event)
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return match.Errorf(match.CodeInvalidRequest, "missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return match.Errorf(match.CodeInvalidRequest, "malformed payload")
	}
	return nil
}

// Reject sends requestError for err to the caller's connection.
func (c *Coordinator) Reject(ctx context.Context, caller Caller, event string, err error) {
	code := match.CodeOf(err)
	detail := match.MessageOf(err)
	name := "request_rejected"
	if event == matchdto.EventMove {
		name = "move_rejected"
	}
	obslog.L().Info(name,
		zap.String("player_id", caller.PlayerID),
		zap.String("event", event),
		zap.String("code", string(code)),
		zap.String("detail", detail),
	)
	c.sendToHandle(ctx, caller.Handle, matchdto.EventRequestError, matchdto.RequestError{
		Code:    string(code),
		Message: c.messages.ErrorMessage(string(code), detail),
		Event:   event,
	})
}
