// Package relay delivers server frames to players wherever their connection lives.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/chess-match-server/internal/connreg"
	"github.com/park285/chess-match-server/internal/obslog"
)

const (
	prefixNodeChannel = "match:node:"
	channelBroadcast  = "match:broadcast"
)

// nodeFrame is published to the owning node's channel.
type nodeFrame struct {
	ConnID  string          `json:"connId"`
	Payload json.RawMessage `json:"payload"`
}

type broadcastFrame struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// Relay routes frames by player binding. Local handles are written directly,
// remote handles go through Redis pub/sub when enabled.
type Relay struct {
	reg    *connreg.Registry
	rdb    *redis.Client
	pubsub bool

	readyOnce sync.Once
	ready     chan struct{}
}

func New(reg *connreg.Registry, rdb *redis.Client, pubsub bool) *Relay {
	return &Relay{reg: reg, rdb: rdb, pubsub: pubsub && rdb != nil, ready: make(chan struct{})}
}

func nodeChannel(nodeID string) string { return prefixNodeChannel + nodeID }

// SendToPlayer delivers frame to playerID's current connection.
// 바인딩이 없으면 조용히 버린다.
func (r *Relay) SendToPlayer(ctx context.Context, playerID string, frame []byte) error {
	h, ok, err := r.reg.Lookup(ctx, playerID)
	if err != nil {
		return err
	}
	if !ok {
		obslog.L().Debug("relay_no_binding", zap.String("player_id", playerID))
		return nil
	}
	return r.SendToHandle(ctx, h, frame)
}

// SendToHandle delivers frame to one specific connection.
func (r *Relay) SendToHandle(ctx context.Context, h connreg.Handle, frame []byte) error {
	if h.IsZero() {
		return errors.New("relay: empty handle")
	}
	if h.NodeID == r.reg.NodeID() {
		conn, ok := r.reg.Local(h)
		if !ok {
			return nil
		}
		return conn.Send(ctx, frame)
	}
	if !r.pubsub {
		obslog.L().Warn("relay_remote_disabled", zap.String("handle", h.String()))
		return nil
	}
	msg, err := json.Marshal(nodeFrame{ConnID: h.ConnID, Payload: frame})
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, nodeChannel(h.NodeID), msg).Err(); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

// Broadcast delivers frame to every connected client on every node.
func (r *Relay) Broadcast(ctx context.Context, frame []byte) error {
	r.deliverLocal(ctx, frame)
	if !r.pubsub {
		return nil
	}
	msg, err := json.Marshal(broadcastFrame{Origin: r.reg.NodeID(), Payload: frame})
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, channelBroadcast, msg).Err(); err != nil {
		return fmt.Errorf("relay broadcast: %w", err)
	}
	return nil
}

// Ready is closed once Run has subscribed.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// Run consumes this node's channel and the broadcast channel until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	if !r.pubsub {
		r.markReady()
		<-ctx.Done()
		return nil
	}
	ps := r.rdb.Subscribe(ctx, nodeChannel(r.reg.NodeID()), channelBroadcast)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	r.markReady()
	obslog.L().Info("relay_subscribed", zap.String("node_id", r.reg.NodeID()))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, msg)
		}
	}
}

func (r *Relay) handle(ctx context.Context, msg *redis.Message) {
	switch msg.Channel {
	case channelBroadcast:
		var bf broadcastFrame
		if err := json.Unmarshal([]byte(msg.Payload), &bf); err != nil {
			obslog.L().Warn("relay_bad_frame", zap.String("channel", msg.Channel), zap.Error(err))
			return
		}
		if bf.Origin == r.reg.NodeID() {
			return
		}
		r.deliverLocal(ctx, bf.Payload)
	default:
		var nf nodeFrame
		if err := json.Unmarshal([]byte(msg.Payload), &nf); err != nil {
			obslog.L().Warn("relay_bad_frame", zap.String("channel", msg.Channel), zap.Error(err))
			return
		}
		conn, ok := r.reg.LocalByConnID(nf.ConnID)
		if !ok {
			return
		}
		if err := conn.Send(ctx, nf.Payload); err != nil {
			obslog.L().Debug("relay_send_failed", zap.String("conn_id", nf.ConnID), zap.Error(err))
		}
	}
}

func (r *Relay) deliverLocal(ctx context.Context, frame []byte) {
	for _, c := range r.reg.LocalConns() {
		if err := c.Send(ctx, frame); err != nil {
			obslog.L().Debug("relay_send_failed", zap.Error(err))
		}
	}
}

func (r *Relay) markReady() {
	r.readyOnce.Do(func() { close(r.ready) })
}
