// Package oracle evaluates chess positions through an external engine.
package oracle

import (
	"context"
	"fmt"

	"github.com/park285/chess-match-server/internal/match"
)

// Evaluator returns a scalar evaluation in pawns for a FEN position.
type Evaluator interface {
	Evaluate(ctx context.Context, fen string) (float64, error)
}

// EvaluatorFunc adapts a plain function.
type EvaluatorFunc func(ctx context.Context, fen string) (float64, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, fen string) (float64, error) { return f(ctx, fen) }

// MateScore is the pawn value reported for a forced mate.
const MateScore = 100.0

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", match.ErrOracleUnavailable, fmt.Sprintf(format, args...))
}
