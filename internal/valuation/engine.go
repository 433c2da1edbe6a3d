// Package valuation computes piece weight changes from engine evaluations.
package valuation

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/chess-match-server/internal/match"
	"github.com/park285/chess-match-server/internal/obslog"
	"github.com/park285/chess-match-server/internal/oracle"
)

const (
	// CheckmateDelta is the fixed weight gain for a mating move.
	CheckmateDelta = 4.0

	ratingScale = 600.0
	evalScale   = 30.0
	// 600점 차이에서 분모가 0. 그 이상은 1점 모자란 차이로 본다
	maxRatingGap = ratingScale - 1
)

// Input describes one accepted move to value.
type Input struct {
	AssetID        string
	PriorWeight    float64
	Before         string
	After          string
	MoverRating    float64
	OpponentRating float64
	Checkmate      bool
}

type Engine struct {
	oracle  oracle.Evaluator
	timeout time.Duration
}

func New(o oracle.Evaluator, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Engine{oracle: o, timeout: timeout}
}

// ComputeNewWeight returns the piece's weight after the move.
func (e *Engine) ComputeNewWeight(ctx context.Context, priorWeight float64, before, after string, moverRating, opponentRating float64) float64 {
	d, _ := e.Compute(ctx, Input{
		PriorWeight:    priorWeight,
		Before:         before,
		After:          after,
		MoverRating:    moverRating,
		OpponentRating: opponentRating,
	})
	return d.NewWeight
}

// Compute values a move. 오라클 실패 시 err와 함께 priorWeight 그대로 (Degraded).
func (e *Engine) Compute(ctx context.Context, in Input) (match.ValuationDelta, error) {
	d := match.ValuationDelta{
		AssetID:      in.AssetID,
		PriorWeight:  in.PriorWeight,
		RatingFactor: RatingFactor(in.MoverRating, in.OpponentRating),
		NewWeight:    in.PriorWeight,
	}
	if in.Checkmate {
		d.Checkmate = true
		d.Delta = CheckmateDelta
		d.NewWeight = in.PriorWeight + CheckmateDelta
		return d, nil
	}

	before, after, err := e.evaluatePair(ctx, in.Before, in.After)
	if err != nil {
		d.Degraded = true
		obslog.L().Warn("valuation_degraded", zap.String("asset_id", in.AssetID), zap.Error(err))
		return d, err
	}
	d.EvaluationBefore = before
	d.EvaluationAfter = after
	delta := (after - before) * d.RatingFactor * (1 / evalScale) * in.PriorWeight
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		d.Degraded = true
		return d, match.Errorf(match.CodeOracleUnavailable, "non-finite valuation")
	}
	d.Delta = delta
	d.NewWeight = in.PriorWeight + delta
	return d, nil
}

// evaluatePair는 두 포지션을 동시에 평가. 둘 다 끝나야 반환.
func (e *Engine) evaluatePair(ctx context.Context, beforeFEN, afterFEN string) (float64, float64, error) {
	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var before, after float64
	g, gctx := errgroup.WithContext(evalCtx)
	g.Go(func() error {
		v, err := e.oracle.Evaluate(gctx, beforeFEN)
		before = v
		return err
	})
	g.Go(func() error {
		v, err := e.oracle.Evaluate(gctx, afterFEN)
		after = v
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return before, after, nil
}

// RatingFactor is the handicap multiplier; 1 for equal ratings.
func RatingFactor(moverRating, opponentRating float64) float64 {
	gap := opponentRating - moverRating
	if gap >= ratingScale {
		gap = maxRatingGap
	} else if gap <= -ratingScale {
		gap = -maxRatingGap
	}
	return (1 + gap/ratingScale) / (1 - gap/ratingScale)
}
