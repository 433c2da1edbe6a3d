// Package connreg maps player identities to live connection handles.
package connreg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/chess-match-server/internal/match"
	"github.com/park285/chess-match-server/internal/obslog"
)

// Conn is a live client connection owned by this process.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
}

// Handle identifies one connection across server processes.
type Handle struct {
	NodeID string
	ConnID string
}

func (h Handle) String() string { return h.NodeID + "/" + h.ConnID }

func (h Handle) IsZero() bool { return h.ConnID == "" }

func ParseHandle(s string) (Handle, error) {
	node, conn, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || node == "" || conn == "" {
		return Handle{}, fmt.Errorf("invalid connection handle %q", s)
	}
	return Handle{NodeID: node, ConnID: conn}, nil
}

// KEYS: binding ; ARGV: expected handle
var unbindScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Registry는 바인딩 레코드(Redis)와 이 프로세스 소유 연결 테이블을 함께 관리.
type Registry struct {
	rdb    *redis.Client
	nodeID string
	ttl    time.Duration

	mu    sync.RWMutex
	local map[string]entry
}

type entry struct {
	playerID string
	conn     Conn
}

func New(rdb *redis.Client, nodeID string, ttl time.Duration) *Registry {
	if strings.TrimSpace(nodeID) == "" {
		nodeID = uuid.NewString()[:8]
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Registry{rdb: rdb, nodeID: nodeID, ttl: ttl, local: make(map[string]entry)}
}

func (r *Registry) NodeID() string { return r.nodeID }

func keyBinding(playerID string) string { return "match:player:conn:" + strings.TrimSpace(playerID) }

// Bind registers conn for playerID, replacing any previous binding.
func (r *Registry) Bind(ctx context.Context, playerID string, conn Conn) (Handle, error) {
	if strings.TrimSpace(playerID) == "" || conn == nil {
		return Handle{}, match.Errorf(match.CodeInvalidRequest, "playerId required")
	}
	h := Handle{NodeID: r.nodeID, ConnID: uuid.NewString()}
	r.mu.Lock()
	r.local[h.ConnID] = entry{playerID: playerID, conn: conn}
	r.mu.Unlock()

	if err := r.rdb.Set(ctx, keyBinding(playerID), h.String(), r.ttl).Err(); err != nil {
		r.dropLocal(h.ConnID)
		return Handle{}, fmt.Errorf("%w: bind: %v", match.ErrStoreUnavailable, err)
	}
	obslog.L().Info("conn_bind", zap.String("player_id", playerID), zap.String("handle", h.String()))
	return h, nil
}

// Unbind drops h. The shared record is removed only while it still names h,
// so a stale disconnect cannot erase a reconnect. 실제로 지웠으면 true.
func (r *Registry) Unbind(ctx context.Context, playerID string, h Handle) (bool, error) {
	r.dropLocal(h.ConnID)
	n, err := unbindScript.Run(ctx, r.rdb, []string{keyBinding(playerID)}, h.String()).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: unbind: %v", match.ErrStoreUnavailable, err)
	}
	obslog.L().Info("conn_unbind", zap.String("player_id", playerID), zap.String("handle", h.String()), zap.Bool("current", n > 0))
	return n > 0, nil
}

// Lookup returns playerID's current handle.
func (r *Registry) Lookup(ctx context.Context, playerID string) (Handle, bool, error) {
	raw, err := r.rdb.Get(ctx, keyBinding(playerID)).Result()
	if errors.Is(err, redis.Nil) {
		return Handle{}, false, nil
	}
	if err != nil {
		return Handle{}, false, fmt.Errorf("%w: lookup: %v", match.ErrStoreUnavailable, err)
	}
	h, err := ParseHandle(raw)
	if err != nil {
		return Handle{}, false, nil
	}
	return h, true, nil
}

// Refresh extends the binding TTL while the connection is alive.
func (r *Registry) Refresh(ctx context.Context, playerID string, h Handle) error {
	cur, ok, err := r.Lookup(ctx, playerID)
	if err != nil || !ok || cur != h {
		return err
	}
	return r.rdb.Expire(ctx, keyBinding(playerID), r.ttl).Err()
}

// Local returns the connection for a handle owned by this process.
func (r *Registry) Local(h Handle) (Conn, bool) {
	if h.NodeID != r.nodeID {
		return nil, false
	}
	r.mu.RLock()
	e, ok := r.local[h.ConnID]
	r.mu.RUnlock()
	return e.conn, ok
}

// LocalByConnID looks up a local connection by its id only.
func (r *Registry) LocalByConnID(connID string) (Conn, bool) {
	r.mu.RLock()
	e, ok := r.local[connID]
	r.mu.RUnlock()
	return e.conn, ok
}

// LocalConns snapshots every connection owned by this process.
func (r *Registry) LocalConns() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.local))
	for _, e := range r.local {
		out = append(out, e.conn)
	}
	return out
}

func (r *Registry) dropLocal(connID string) {
	r.mu.Lock()
	delete(r.local, connID)
	r.mu.Unlock()
}
