// Package gateway accepts client websockets and feeds their frames to the coordinator.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/chess-match-server/internal/connreg"
	"github.com/park285/chess-match-server/internal/match"
	"github.com/park285/chess-match-server/internal/obslog"
	"github.com/park285/chess-match-server/internal/session"
	"github.com/park285/chess-match-server/pkg/matchdto"
)

// Dispatcher handles decoded client events for one connection.
type Dispatcher interface {
	Dispatch(ctx context.Context, caller session.Caller, env matchdto.Envelope)
	Reject(ctx context.Context, caller session.Caller, event string, err error)
	Disconnect(ctx context.Context, playerID string, h connreg.Handle)
}

var errSlowConsumer = errors.New("gateway: send buffer full")

type Option func(*Server)

// WithOrigins restricts accepted Origin hosts. 비어있으면 모두 허용.
func WithOrigins(patterns []string) Option {
	return func(s *Server) { s.origins = patterns }
}

func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// Server is the websocket endpoint handler.
type Server struct {
	reg          *connreg.Registry
	coord        Dispatcher
	origins      []string
	pingInterval time.Duration
	writeTimeout time.Duration
	sendBuffer   int
	readLimit    int64

	wg sync.WaitGroup
}

func New(reg *connreg.Registry, coord Dispatcher, opts ...Option) *Server {
	s := &Server{
		reg:          reg,
		coord:        coord,
		pingInterval: 30 * time.Second,
		writeTimeout: 5 * time.Second,
		sendBuffer:   64,
		readLimit:    64 << 10,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ServeHTTP upgrades GET /ws?playerId=<id>.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	playerID := strings.TrimSpace(r.URL.Query().Get("playerId"))
	if playerID == "" {
		http.Error(w, "playerId is required", http.StatusBadRequest)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     s.origins,
		InsecureSkipVerify: len(s.origins) == 0,
		CompressionMode:    websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("ws_accept_failed", zap.String("player_id", playerID), zap.Error(err))
		return
	}
	ws.SetReadLimit(s.readLimit)

	s.wg.Add(1)
	defer s.wg.Done()
	s.serve(r.Context(), playerID, ws)
}

// Wait blocks until every connection handler has returned.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) serve(parent context.Context, playerID string, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	c := newClient(ws, s.sendBuffer, s.writeTimeout)
	h, err := s.reg.Bind(ctx, playerID, c)
	if err != nil {
		obslog.L().Error("ws_bind_failed", zap.String("player_id", playerID), zap.Error(err))
		_ = ws.Close(websocket.StatusInternalError, "bind failed")
		return
	}
	caller := session.Caller{PlayerID: playerID, Handle: h}

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		c.writeLoop(ctx)
		cancel()
	}()
	go func() {
		defer loops.Done()
		s.pingLoop(ctx, ws, playerID, h)
		cancel()
	}()

	s.readLoop(ctx, ws, caller)

	cancel()
	loops.Wait()
	s.coord.Disconnect(context.WithoutCancel(parent), playerID, h)
	_ = ws.Close(websocket.StatusNormalClosure, "")
	obslog.L().Info("ws_closed", zap.String("player_id", playerID), zap.String("handle", h.String()))
}

// readLoop handles frames in arrival order so a connection's moves are never reordered.
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, caller session.Caller) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
				obslog.L().Debug("ws_read_failed", zap.String("player_id", caller.PlayerID), zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText {
			s.coord.Reject(ctx, caller, "", match.Errorf(match.CodeInvalidRequest, "text frames only"))
			continue
		}
		var env matchdto.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			s.coord.Reject(ctx, caller, env.Event, match.Errorf(match.CodeInvalidRequest, "malformed frame"))
			continue
		}
		s.coord.Dispatch(ctx, caller, env)
	}
}

func (s *Server) pingLoop(ctx context.Context, ws *websocket.Conn, playerID string, h connreg.Handle) {
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := ws.Ping(pctx)
			cancel()
			if err != nil {
				failures++
				if failures >= 2 {
					_ = ws.Close(websocket.StatusGoingAway, "ping failure")
					return
				}
				continue
			}
			failures = 0
			if err := s.reg.Refresh(ctx, playerID, h); err != nil {
				obslog.L().Warn("conn_refresh_failed", zap.String("player_id", playerID), zap.Error(err))
			}
		}
	}
}

// client serializes writes for one websocket.
type client struct {
	ws      *websocket.Conn
	out     chan []byte
	timeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(ws *websocket.Conn, buffer int, timeout time.Duration) *client {
	return &client{ws: ws, out: make(chan []byte, buffer), timeout: timeout, done: make(chan struct{})}
}

// Send queues msg; a full buffer closes the connection.
func (c *client) Send(_ context.Context, msg []byte) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	default:
		c.shutdown()
		_ = c.ws.Close(websocket.StatusPolicyViolation, "slow consumer")
		return errSlowConsumer
	}
}

func (c *client) writeLoop(ctx context.Context) {
	defer c.shutdown()
	for {
		select {
		case <-ctx.Done():
			c.drain()
			return
		case <-c.done:
			return
		case msg := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, c.timeout)
			err := c.ws.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// drain flushes frames queued before the read side closed (e.g. a final gameOver).
func (c *client) drain() {
	for {
		select {
		case msg := <-c.out:
			wctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			err := c.ws.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}
