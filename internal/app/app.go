// Package app assembles the match server from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/chess-match-server/internal/archive"
	"github.com/park285/chess-match-server/internal/config"
	"github.com/park285/chess-match-server/internal/connreg"
	"github.com/park285/chess-match-server/internal/gateway"
	"github.com/park285/chess-match-server/internal/httpapi"
	"github.com/park285/chess-match-server/internal/msgcat"
	"github.com/park285/chess-match-server/internal/obslog"
	"github.com/park285/chess-match-server/internal/oracle"
	"github.com/park285/chess-match-server/internal/players"
	"github.com/park285/chess-match-server/internal/redisx"
	"github.com/park285/chess-match-server/internal/relay"
	"github.com/park285/chess-match-server/internal/roomstore"
	"github.com/park285/chess-match-server/internal/session"
	"github.com/park285/chess-match-server/internal/valuation"
)

type App struct {
	Config      *config.AppConfig
	Redis       *redis.Client
	Conns       *connreg.Registry
	Relay       *relay.Relay
	Coordinator *session.Coordinator
	Gateway     *gateway.Server
	Handler     http.Handler

	closers []func() error
}

// Build wires every component. On error anything already opened is closed.
func Build(ctx context.Context, cfg *config.AppConfig) (a *App, err error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	a = &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	a.Redis, err = redisx.Open(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("open redis: %w", err)
	}
	a.closers = append(a.closers, a.Redis.Close)

	repo, err := buildArchive(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, repo.Close)

	eval, closeEval, err := buildOracle(cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeEval)

	cat, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	a.Conns = connreg.New(a.Redis, cfg.NodeID, cfg.RoomTTL)
	a.Relay = relay.New(a.Conns, a.Redis, cfg.PubSub)
	a.Coordinator, err = session.New(session.Deps{
		Rooms:     roomstore.New(a.Redis, cfg.RoomTTL),
		Conns:     a.Conns,
		Notifier:  a.Relay,
		Valuation: valuation.New(eval, cfg.OracleTimeout),
		Players:   players.NewStore(a.Redis, cfg.DefaultRating, cfg.DefaultPieceWeight),
		Archive:   repo,
		Messages:  cat,
	})
	if err != nil {
		return nil, err
	}
	a.Gateway = gateway.New(a.Conns, a.Coordinator, gateway.WithOrigins(cfg.AllowedOrigins))
	a.Handler = httpapi.NewRouter(a.Gateway, a.Coordinator)

	obslog.L().Info("app_built",
		zap.String("node_id", a.Conns.NodeID()),
		zap.String("oracle_backend", cfg.OracleBackend),
		zap.Bool("pubsub", cfg.PubSub),
		zap.Bool("postgres_archive", cfg.DatabaseURL != ""),
	)
	return a, nil
}

func buildArchive(ctx context.Context, cfg *config.AppConfig) (archive.Repository, error) {
	if cfg.DatabaseURL == "" {
		obslog.L().Warn("archive_in_memory")
		return archive.NewMemory(), nil
	}
	pg, err := archive.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return pg, nil
}

// buildOracle returns the configured evaluator, wrapped by the score cache when enabled.
func buildOracle(cfg *config.AppConfig) (oracle.Evaluator, func() error, error) {
	var (
		base    oracle.Evaluator
		closers []func() error
	)
	switch cfg.OracleBackend {
	case config.OracleBackendStockfish:
		sf, err := oracle.NewStockfish(oracle.StockfishConfig{
			BinaryPath: cfg.StockfishPath,
			PoolSize:   cfg.StockfishPoolSize,
			Depth:      cfg.OracleDepth,
			Timeout:    cfg.OracleTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init stockfish: %w", err)
		}
		base = sf
		closers = append(closers, sf.Close)
	default:
		base = oracle.NewHTTPClient(cfg.OracleURL,
			oracle.WithTimeout(cfg.OracleTimeout),
			oracle.WithDepth(cfg.OracleDepth),
		)
	}

	eval := base
	if cfg.OracleCacheMaxCost > 0 {
		cached, err := oracle.NewCachedEvaluator(base, cfg.OracleCacheMaxCost, cfg.OracleCacheTTL)
		if err != nil {
			for _, c := range closers {
				_ = c()
			}
			return nil, nil, fmt.Errorf("init oracle cache: %w", err)
		}
		eval = cached
		closers = append(closers, func() error { cached.Close(); return nil })
	}
	return eval, func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}, nil
}

// Run blocks on the relay subscriber until ctx ends.
func (a *App) Run(ctx context.Context) error {
	return a.Relay.Run(ctx)
}

// Close releases resources in reverse open order.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
