package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/park285/chess-match-server/internal/obslog"
)

type AppConfig struct {
	ListenAddr     string
	NodeID         string
	AllowedOrigins []string

	RedisURL    string
	DatabaseURL string
	PubSub      bool

	OracleBackend      string
	OracleURL          string
	OracleDepth        int
	OracleTimeout      time.Duration
	OracleCacheMaxCost int64
	OracleCacheTTL     time.Duration
	StockfishPath      string
	StockfishPoolSize  int

	RoomTTL            time.Duration
	DefaultPieceWeight float64
	DefaultRating      float64

	MessagesDir string

	Log obslog.Options
}

const (
	OracleBackendHTTP      = "http"
	OracleBackendStockfish = "stockfish"
)

// Load는 설정 파일(선택)과 환경변수를 합쳐 AppConfig를 만든다. 환경변수가 우선.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	if p := strings.TrimSpace(path); p != "" {
		v.SetConfigFile(p)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", p, err)
		}
	}
	v.AutomaticEnv()

	cfg := &AppConfig{
		ListenAddr:     strings.TrimSpace(v.GetString("LISTEN_ADDR")),
		NodeID:         strings.TrimSpace(v.GetString("NODE_ID")),
		AllowedOrigins: splitList(v.GetString("ALLOWED_ORIGINS")),

		RedisURL:    strings.TrimSpace(v.GetString("REDIS_URL")),
		DatabaseURL: strings.TrimSpace(v.GetString("DATABASE_URL")),
		PubSub:      v.GetBool("PUBSUB_ENABLED"),

		OracleBackend:      strings.ToLower(strings.TrimSpace(v.GetString("ORACLE_BACKEND"))),
		OracleURL:          strings.TrimSpace(v.GetString("ORACLE_URL")),
		OracleDepth:        v.GetInt("ORACLE_DEPTH"),
		OracleTimeout:      time.Duration(v.GetInt("ORACLE_TIMEOUT_MS")) * time.Millisecond,
		OracleCacheMaxCost: v.GetInt64("ORACLE_CACHE_MAX_COST"),
		OracleCacheTTL:     time.Duration(v.GetInt("ORACLE_CACHE_TTL_SEC")) * time.Second,
		StockfishPath:      strings.TrimSpace(v.GetString("STOCKFISH_PATH")),
		StockfishPoolSize:  v.GetInt("STOCKFISH_POOL_SIZE"),

		RoomTTL:            time.Duration(v.GetInt("ROOM_TTL_SEC")) * time.Second,
		DefaultPieceWeight: v.GetFloat64("DEFAULT_PIECE_WEIGHT"),
		DefaultRating:      v.GetFloat64("DEFAULT_RATING"),

		MessagesDir: strings.TrimSpace(v.GetString("MESSAGES_DIR")),

		Log: obslog.Options{
			Level:    v.GetString("LOG_LEVEL"),
			Console:  v.GetBool("LOG_TO_CONSOLE"),
			ToFile:   v.GetBool("LOG_TO_FILE"),
			FilePath: v.GetString("LOG_FILE"),
			Format:   v.GetString("LOG_FORMAT"),
			Caller:   v.GetBool("LOG_CALLER"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("NODE_ID", "")
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("PUBSUB_ENABLED", true)
	v.SetDefault("ORACLE_BACKEND", OracleBackendHTTP)
	v.SetDefault("ORACLE_URL", "https://stockfish.online/api/s/v2.php")
	v.SetDefault("ORACLE_DEPTH", 10)
	v.SetDefault("ORACLE_TIMEOUT_MS", 3000)
	v.SetDefault("ORACLE_CACHE_MAX_COST", 4096)
	v.SetDefault("ORACLE_CACHE_TTL_SEC", 600)
	v.SetDefault("STOCKFISH_PATH", "stockfish")
	v.SetDefault("STOCKFISH_POOL_SIZE", 2)
	v.SetDefault("ROOM_TTL_SEC", 86400)
	v.SetDefault("DEFAULT_PIECE_WEIGHT", 100)
	v.SetDefault("DEFAULT_RATING", 700)
	v.SetDefault("MESSAGES_DIR", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_TO_CONSOLE", true)
	v.SetDefault("LOG_TO_FILE", false)
	v.SetDefault("LOG_FILE", "logs/matchd.log")
	v.SetDefault("LOG_FORMAT", "legacy")
	v.SetDefault("LOG_CALLER", false)
}

func (c *AppConfig) validate() error {
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.ListenAddr == "" {
		return errors.New("LISTEN_ADDR is required")
	}
	switch c.OracleBackend {
	case OracleBackendHTTP:
		if c.OracleURL == "" {
			return errors.New("ORACLE_URL is required for http oracle backend")
		}
	case OracleBackendStockfish:
		if c.StockfishPath == "" {
			return errors.New("STOCKFISH_PATH is required for stockfish oracle backend")
		}
		if c.StockfishPoolSize <= 0 {
			c.StockfishPoolSize = 1
		}
	default:
		return fmt.Errorf("unknown ORACLE_BACKEND %q", c.OracleBackend)
	}
	if c.OracleDepth <= 0 {
		c.OracleDepth = 10
	}
	if c.OracleTimeout <= 0 {
		return errors.New("ORACLE_TIMEOUT_MS must be positive")
	}
	if c.RoomTTL <= 0 {
		return errors.New("ROOM_TTL_SEC must be positive")
	}
	if c.DefaultPieceWeight <= 0 {
		return errors.New("DEFAULT_PIECE_WEIGHT must be positive")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
