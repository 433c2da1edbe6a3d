package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// CachedEvaluator memoizes successful evaluations by FEN.
// 직전 수의 post 포지션이 다음 수의 pre 포지션이라 호출이 거의 절반으로 준다.
type CachedEvaluator struct {
	next  Evaluator
	cache *ristretto.Cache
	ttl   time.Duration
}

func NewCachedEvaluator(next Evaluator, maxCost int64, ttl time.Duration) (*CachedEvaluator, error) {
	if maxCost <= 0 {
		maxCost = 4096
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxCost * 10,
		MaxCost:            maxCost,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create evaluation cache: %w", err)
	}
	return &CachedEvaluator{next: next, cache: cache, ttl: ttl}, nil
}

func (c *CachedEvaluator) Evaluate(ctx context.Context, fen string) (float64, error) {
	if v, ok := c.cache.Get(fen); ok {
		if score, ok := v.(float64); ok {
			return score, nil
		}
	}
	score, err := c.next.Evaluate(ctx, fen)
	if err != nil {
		return 0, err
	}
	c.cache.SetWithTTL(fen, score, 1, c.ttl)
	return score, nil
}

// Wait blocks until buffered writes are applied.
func (c *CachedEvaluator) Wait() { c.cache.Wait() }

func (c *CachedEvaluator) Close() { c.cache.Close() }
