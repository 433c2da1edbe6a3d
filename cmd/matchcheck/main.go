package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/chess-match-server/internal/oracle"
	"github.com/park285/chess-match-server/internal/rules"
	"github.com/park285/chess-match-server/pkg/matchdto"
)

func main() {
	oracleURL := flag.String("oracle-url", "", "evaluation oracle endpoint")
	fen := flag.String("fen", rules.StartingPosition(), "position to evaluate")
	depth := flag.Int("depth", 10, "oracle search depth")
	wsURL := flag.String("ws-url", "", "match server websocket url, e.g. ws://localhost:8080/ws")
	flag.Parse()

	if *oracleURL == "" && *wsURL == "" {
		log.Fatal("at least one of --oracle-url or --ws-url is required")
	}
	failed := false
	if *oracleURL != "" {
		if err := checkOracle(*oracleURL, *fen, *depth); err != nil {
			log.Printf("oracle error: %v", err)
			failed = true
		}
	}
	if *wsURL != "" {
		if err := checkMatch(*wsURL); err != nil {
			log.Printf("match error: %v", err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func checkOracle(endpoint, fen string, depth int) error {
	if err := rules.Validate(fen); err != nil {
		return fmt.Errorf("bad --fen: %w", err)
	}
	client := oracle.NewHTTPClient(endpoint, oracle.WithDepth(depth), oracle.WithTimeout(8*time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	score, err := client.Evaluate(ctx, fen)
	if err != nil {
		return err
	}
	log.Printf("oracle ok: score=%.2f elapsed=%s", score, time.Since(start).Round(time.Millisecond))
	return nil
}

type player struct {
	id   string
	conn *websocket.Conn
}

// checkMatch runs create -> join -> one move -> disconnect with two fresh identities.
func checkMatch(rawURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	suffix := uuid.NewString()[:6]
	p1, err := connect(ctx, rawURL, "check-p1-"+suffix)
	if err != nil {
		return err
	}
	defer p1.conn.Close(websocket.StatusNormalClosure, "")
	p2, err := connect(ctx, rawURL, "check-p2-"+suffix)
	if err != nil {
		return err
	}

	rating := 700.0
	if err := write(ctx, p1, matchdto.EventCreateRoom, matchdto.CreateRoomRequest{PlayerID: p1.id, Rating: &rating}); err != nil {
		return err
	}
	var created matchdto.RoomCreated
	if err := await(ctx, p1, matchdto.EventRoomCreated, &created); err != nil {
		return err
	}
	if err := write(ctx, p2, matchdto.EventJoinRoom, matchdto.JoinRoomRequest{PlayerID: p2.id, Rating: &rating, RoomID: created.RoomID}); err != nil {
		return err
	}
	for _, p := range []player{p1, p2} {
		if err := await(ctx, p, matchdto.EventMatchReady, nil); err != nil {
			return err
		}
	}
	if err := write(ctx, p1, matchdto.EventMove, matchdto.MoveRequest{RoomID: created.RoomID, FromSquare: "e2", ToSquare: "e4"}); err != nil {
		return err
	}
	for _, p := range []player{p1, p2} {
		if err := await(ctx, p, matchdto.EventMoveApplied, nil); err != nil {
			return err
		}
	}
	_ = p2.conn.Close(websocket.StatusNormalClosure, "bye")
	if err := await(ctx, p1, matchdto.EventGameOver, nil); err != nil {
		return err
	}
	log.Printf("match ok: room=%s", created.RoomID)
	return nil
}

func connect(ctx context.Context, rawURL, playerID string) (player, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return player{}, err
	}
	q := u.Query()
	q.Set("playerId", playerID)
	u.RawQuery = q.Encode()
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		return player{}, fmt.Errorf("dial %s: %w", playerID, err)
	}
	return player{id: playerID, conn: conn}, nil
}

func write(ctx context.Context, p player, event string, data any) error {
	env, err := matchdto.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, p.conn, env)
}

// await prints every frame until event arrives; requestError aborts.
func await(ctx context.Context, p player, event string, v any) error {
	for {
		var env matchdto.Envelope
		if err := wsjson.Read(ctx, p.conn, &env); err != nil {
			return fmt.Errorf("%s waiting for %s: %w", p.id, event, err)
		}
		fmt.Printf("%s <- %s %s\n", p.id, env.Event, strings.TrimSpace(string(env.Data)))
		if env.Event == matchdto.EventRequestError {
			return fmt.Errorf("%s got requestError %s", p.id, env.Data)
		}
		if env.Event != event {
			continue
		}
		if v != nil {
			return json.Unmarshal(env.Data, v)
		}
		return nil
	}
}
