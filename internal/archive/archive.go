// Package archive stores finished matches.
package archive

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/park285/chess-match-server/internal/match"
)

// Result is one finished match.
type Result struct {
	RoomID    string
	Player1   string
	Player2   string
	Rating1   float64
	Rating2   float64
	Result    string // white|black|draw
	Method    string
	MovesUCI  []string
	MovesSAN  []string
	Pieces    match.Inventories
	AccWhite  match.SessionAccumulator
	AccBlack  match.SessionAccumulator
	StartedAt time.Time
	EndedAt   time.Time
}

// Repository persists finished matches.
type Repository interface {
	SaveResult(ctx context.Context, r *Result) error
	Close() error
}

// Memory keeps results in process memory. DATABASE_URL 없을 때 사용.
type Memory struct {
	mu      sync.RWMutex
	results map[string]*Result
}

func NewMemory() *Memory {
	return &Memory{results: make(map[string]*Result)}
}

func (m *Memory) SaveResult(_ context.Context, r *Result) error {
	if r == nil || strings.TrimSpace(r.RoomID) == "" {
		return fmt.Errorf("archive result requires roomId")
	}
	cp := *r
	m.mu.Lock()
	m.results[r.RoomID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(roomID string) (*Result, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[roomID]
	return r, ok
}

func (m *Memory) Close() error { return nil }

// ResultToPGN maps white|black|draw to the PGN result token.
func ResultToPGN(result string) string {
	switch strings.ToLower(strings.TrimSpace(result)) {
	case "white":
		return "1-0"
	case "black":
		return "0-1"
	case "draw":
		return "1/2-1/2"
	default:
		return "*"
	}
}

func BuildPGN(r *Result) string {
	if r == nil {
		return ""
	}
	pgnResult := ResultToPGN(r.Result)
	var b strings.Builder
	date := r.EndedAt
	if date.IsZero() {
		date = time.Now()
	}
	b.WriteString("[Event \"Live Match\"]\n")
	b.WriteString(fmt.Sprintf("[Site \"%s\"]\n", sanitizePGN(r.RoomID)))
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(r.Player1)))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(r.Player2)))
	if strings.TrimSpace(r.Method) != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(strings.ToLower(r.Method))))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", pgnResult))

	for i := 0; i < len(r.MovesSAN); i += 2 {
		b.WriteString(fmt.Sprintf("%d. %s", i/2+1, strings.TrimSpace(r.MovesSAN[i])))
		if i+1 < len(r.MovesSAN) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(r.MovesSAN[i+1]))
		}
		b.WriteString(" ")
	}
	b.WriteString(pgnResult)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
