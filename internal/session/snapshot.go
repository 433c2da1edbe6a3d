package session

import (
	"github.com/park285/chess-match-server/internal/match"
	"github.com/park285/chess-match-server/internal/rules"
	"github.com/park285/chess-match-server/pkg/matchdto"
)

func toPieces(in []match.Piece) []matchdto.Piece {
	out := make([]matchdto.Piece, 0, len(in))
	for _, p := range in {
		out = append(out, matchdto.Piece{
			AssetID:     p.AssetID,
			DisplayName: p.DisplayName,
			Kind:        p.Kind,
			Weight:      p.Weight,
			BoardSquare: p.BoardSquare,
			Captured:    p.Captured,
		})
	}
	return out
}

func toInventories(inv match.Inventories) matchdto.Inventories {
	return matchdto.Inventories{White: toPieces(inv.White), Black: toPieces(inv.Black)}
}

func toLastMove(mv *match.MoveRecord) *matchdto.LastMove {
	if mv == nil {
		return nil
	}
	out := &matchdto.LastMove{
		Seq:        mv.Seq,
		Side:       string(mv.Side),
		AssetID:    mv.AssetID,
		FromSquare: mv.FromSquare,
		ToSquare:   mv.ToSquare,
		Promotion:  mv.Promotion,
		SAN:        mv.SAN,
		UCI:        mv.UCI,
	}
	if v := mv.Valuation; v != nil {
		out.Valuation = &matchdto.Valuation{
			AssetID:          v.AssetID,
			PriorWeight:      v.PriorWeight,
			EvaluationBefore: v.EvaluationBefore,
			EvaluationAfter:  v.EvaluationAfter,
			RatingFactor:     v.RatingFactor,
			Delta:            v.Delta,
			NewWeight:        v.NewWeight,
			Checkmate:        v.Checkmate,
			Degraded:         v.Degraded,
		}
	}
	return out
}

func toAccumulator(room *match.Room, side match.Side) matchdto.Accumulator {
	acc := room.Accumulator(side)
	own, opp := room.RatingsFor(side)
	threshold := match.Threshold(own, opp)
	return matchdto.Accumulator{
		MoveCount:       acc.MoveCount,
		CumulativeDelta: acc.CumulativeDelta,
		Threshold:       threshold,
		RewardEligible:  acc.CumulativeDelta > threshold,
	}
}

func toAccumulators(room *match.Room) matchdto.SessionAccumulators {
	return matchdto.SessionAccumulators{
		White: toAccumulator(room, match.SideWhite),
		Black: toAccumulator(room, match.SideBlack),
	}
}

func toMatchReady(room *match.Room) matchdto.MatchReady {
	out := matchdto.MatchReady{
		RoomID:           room.ID,
		Player1ID:        room.Player1.PlayerID,
		Rating1:          room.Player1.Rating,
		PositionState:    room.Position,
		PieceInventories: toInventories(room.Pieces),
		Turn:             string(room.Turn),
	}
	if room.HasPlayer2() {
		out.Player2ID = room.Player2.PlayerID
		out.Rating2 = room.Player2.Rating
	}
	return out
}

func toMoveApplied(room *match.Room, res *rules.Result) matchdto.MoveApplied {
	return matchdto.MoveApplied{
		RoomID:           room.ID,
		PositionState:    room.Position,
		PieceInventories: toInventories(room.Pieces),
		LastMove:         toLastMove(room.LastMove),
		Turn:             string(room.Turn),
		IsCheck:          res.IsCheck,
		IsCheckmate:      res.IsCheckmate,
		IsStalemate:      res.IsStalemate,
		IsDraw:           res.IsDraw || res.IsStalemate,
	}
}

func toRoomState(room *match.Room) matchdto.RoomState {
	out := matchdto.RoomState{
		RoomID:             room.ID,
		Status:             string(room.Status),
		Player1ID:          room.Player1.PlayerID,
		Rating1:            room.Player1.Rating,
		PositionState:      room.Position,
		PieceInventories:   toInventories(room.Pieces),
		LastMove:           toLastMove(room.LastMove),
		Turn:               string(room.Turn),
		SessionAccumulator: toAccumulators(room),
	}
	if room.HasPlayer2() {
		id, rating := room.Player2.PlayerID, room.Player2.Rating
		out.Player2ID = &id
		out.Rating2 = &rating
	}
	return out
}
