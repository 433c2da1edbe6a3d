package players

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/park285/chess-match-server/internal/match"
	"github.com/park285/chess-match-server/internal/rules"
)

// OwnedPiece is a piece asset from the player's catalogue, pinned to a starting square.
type OwnedPiece struct {
	AssetID string  `json:"assetId"`
	Name    string  `json:"name"`
	Kind    string  `json:"piece"`
	Weight  float64 `json:"weight"`
	Square  string  `json:"square"`
}

// Record is the external player record.
type Record struct {
	PlayerID string       `json:"playerId"`
	UserName string       `json:"userName,omitempty"`
	Rating   float64      `json:"rating"`
	Pieces   []OwnedPiece `json:"pieces,omitempty"`
}

// Store는 player-id 키로 get/set/delete 하는 레코드 저장소.
type Store struct {
	rdb           *redis.Client
	defaultRating float64
	defaultWeight float64
}

func NewStore(rdb *redis.Client, defaultRating, defaultWeight float64) *Store {
	return &Store{rdb: rdb, defaultRating: defaultRating, defaultWeight: defaultWeight}
}

func (s *Store) keyRecord(playerID string) string {
	return "match:player:record:" + strings.TrimSpace(playerID)
}

// Get returns the record, or nil when the player has none.
func (s *Store) Get(ctx context.Context, playerID string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, s.keyRecord(playerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode player record %s: %w", playerID, err)
	}
	return &rec, nil
}

// GetOrDefault는 레코드가 없으면 기본 레이팅의 빈 레코드를 돌려준다.
func (s *Store) GetOrDefault(ctx context.Context, playerID string) (*Record, error) {
	rec, err := s.Get(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &Record{PlayerID: playerID, Rating: s.defaultRating}
	}
	return rec, nil
}

func (s *Store) Set(ctx context.Context, rec *Record) error {
	if rec == nil || strings.TrimSpace(rec.PlayerID) == "" {
		return errors.New("player record requires playerId")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.keyRecord(rec.PlayerID), raw, 0).Err()
}

func (s *Store) Delete(ctx context.Context, playerID string) error {
	return s.rdb.Del(ctx, s.keyRecord(playerID)).Err()
}

// Inventory seeds one side's pieces for playerID from the record store.
func (s *Store) Inventory(ctx context.Context, playerID string, side match.Side) ([]match.Piece, error) {
	rec, err := s.Get(ctx, playerID)
	if err != nil {
		return nil, err
	}
	return BuildInventory(playerID, rec, side, s.defaultWeight)
}

// WriteBack stores final weights of the player's owned assets.
func (s *Store) WriteBack(ctx context.Context, playerID string, pieces []match.Piece) error {
	rec, err := s.Get(ctx, playerID)
	if err != nil || rec == nil {
		return err
	}
	weights := make(map[string]float64, len(pieces))
	for _, p := range pieces {
		weights[p.AssetID] = p.Weight
	}
	changed := false
	for i := range rec.Pieces {
		if w, ok := weights[rec.Pieces[i].AssetID]; ok && w != rec.Pieces[i].Weight {
			rec.Pieces[i].Weight = w
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.Set(ctx, rec)
}

// BuildInventory maps the starting squares of side to owned assets, falling back
// to generated default pieces. 뒷줄 먼저, a→h 순서.
func BuildInventory(playerID string, rec *Record, side match.Side, defaultWeight float64) ([]match.Piece, error) {
	occ, err := rules.Occupants(rules.StartingPosition())
	if err != nil {
		return nil, err
	}
	owned := map[string]OwnedPiece{}
	if rec != nil {
		for _, p := range rec.Pieces {
			owned[strings.ToLower(strings.TrimSpace(p.Square))] = p
		}
	}

	var out []match.Piece
	for _, o := range occ {
		if o.Side != side {
			continue
		}
		piece := match.Piece{
			AssetID:     playerID + ":" + o.Square,
			DisplayName: displayName(side, o.Kind),
			Kind:        o.Kind,
			Weight:      defaultWeight,
			BoardSquare: o.Square,
		}
		if p, ok := owned[o.Square]; ok && p.Kind == o.Kind && p.AssetID != "" {
			piece.AssetID = p.AssetID
			if p.Name != "" {
				piece.DisplayName = p.Name
			}
			if p.Weight > 0 {
				piece.Weight = p.Weight
			}
		}
		out = append(out, piece)
	}
	backRank := byte('1')
	if side == match.SideBlack {
		backRank = '8'
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].BoardSquare[1] == backRank, out[j].BoardSquare[1] == backRank
		if ri != rj {
			return ri
		}
		return out[i].BoardSquare[0] < out[j].BoardSquare[0]
	})
	return out, nil
}

func displayName(side match.Side, kind string) string {
	if kind == "" {
		return ""
	}
	return strings.ToUpper(string(side[:1])) + string(side[1:]) + " " + strings.ToUpper(kind[:1]) + kind[1:]
}
