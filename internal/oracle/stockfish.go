package oracle

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-match-server/internal/obslog"
)

const defaultReadyTimeout = 4 * time.Second

// StockfishConfig configures the local engine backend.
type StockfishConfig struct {
	BinaryPath string
	PoolSize   int
	Depth      int
	HashMB     int
	Timeout    time.Duration
}

// Stockfish evaluates positions with a pool of local UCI engine processes.
// 에러/타임아웃 난 세션은 재사용하지 않고 폐기.
type Stockfish struct {
	cfg StockfishConfig

	mu     sync.Mutex
	total  int
	idle   chan *engineSession
	closed bool
}

func NewStockfish(cfg StockfishConfig) (*Stockfish, error) {
	if strings.TrimSpace(cfg.BinaryPath) == "" {
		return nil, fmt.Errorf("stockfish binary path required")
	}
	if _, err := exec.LookPath(cfg.BinaryPath); err != nil {
		return nil, fmt.Errorf("stockfish binary check: %w", err)
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 10
	}
	if cfg.HashMB <= 0 {
		cfg.HashMB = 16
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Stockfish{cfg: cfg, idle: make(chan *engineSession, cfg.PoolSize)}, nil
}

func (s *Stockfish) Evaluate(ctx context.Context, fen string) (float64, error) {
	if strings.TrimSpace(fen) == "" {
		return 0, unavailable("empty position")
	}
	evalCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	session, err := s.acquire(evalCtx)
	if err != nil {
		return 0, unavailable("acquire engine: %v", err)
	}
	cp, err := session.evaluate(evalCtx, fen, s.cfg.Depth)
	s.release(session, err)
	if err != nil {
		obslog.L().Warn("stockfish_eval_failed", zap.Error(err))
		return 0, unavailable("engine: %v", err)
	}
	score := float64(cp) / 100
	if sideToMoveBlack(fen) {
		// UCI 점수는 둘 차례 기준 → 백 기준으로 통일
		score = -score
	}
	return score, nil
}

func (s *Stockfish) acquire(ctx context.Context) (*engineSession, error) {
	for {
		select {
		case session := <-s.idle:
			if err := session.ensureReady(ctx); err != nil {
				s.discard(session)
				continue
			}
			return session, nil
		default:
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, errors.New("engine pool closed")
		}
		if s.total < s.cfg.PoolSize {
			s.total++
			s.mu.Unlock()
			session, err := newEngineSession(s.cfg.BinaryPath, s.cfg.HashMB)
			if err != nil {
				s.decrement()
				return nil, err
			}
			return session, nil
		}
		s.mu.Unlock()

		select {
		case session := <-s.idle:
			if err := session.ensureReady(ctx); err != nil {
				s.discard(session)
				continue
			}
			return session, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Stockfish) release(session *engineSession, err error) {
	if err != nil {
		s.discard(session)
		return
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		s.discard(session)
		return
	}
	select {
	case s.idle <- session:
	default:
		s.discard(session)
	}
}

func (s *Stockfish) discard(session *engineSession) {
	_ = session.close()
	s.decrement()
}

func (s *Stockfish) decrement() {
	s.mu.Lock()
	if s.total > 0 {
		s.total--
	}
	s.mu.Unlock()
}

// Close terminates idle engines. In-flight sessions close on release.
func (s *Stockfish) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	var errs []error
	for {
		select {
		case session := <-s.idle:
			if err := session.close(); err != nil {
				errs = append(errs, err)
			}
			s.decrement()
		default:
			return errors.Join(errs...)
		}
	}
}

type engineSession struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	mu     sync.Mutex
}

func newEngineSession(binaryPath string, hashMB int) (*engineSession, error) {
	cmd := exec.Command(binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}
	s := &engineSession{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdoutPipe)}

	initCtx, cancel := context.WithTimeout(context.Background(), defaultReadyTimeout)
	defer cancel()
	if err := s.initialize(initCtx, hashMB); err != nil {
		_ = s.close()
		return nil, err
	}
	return s, nil
}

func (s *engineSession) initialize(ctx context.Context, hashMB int) error {
	if err := s.send("uci\n"); err != nil {
		return fmt.Errorf("send uci: %w", err)
	}
	if err := s.awaitToken(ctx, "uciok"); err != nil {
		return fmt.Errorf("wait uciok: %w", err)
	}
	for _, cmd := range []string{
		"setoption name Threads value 1\n",
		fmt.Sprintf("setoption name Hash value %d\n", hashMB),
	} {
		if err := s.send(cmd); err != nil {
			return fmt.Errorf("apply options: %w", err)
		}
	}
	return s.ensureReady(ctx)
}

func (s *engineSession) ensureReady(ctx context.Context) error {
	if err := s.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := s.awaitToken(ctx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

// evaluate는 마지막 info 라인의 score를 centipawn으로 돌려준다.
func (s *engineSession) evaluate(ctx context.Context, fen string, depth int) (int, error) {
	if err := s.send("position fen " + strings.TrimSpace(fen) + "\n"); err != nil {
		return 0, fmt.Errorf("send position: %w", err)
	}
	if err := s.send("go depth " + strconv.Itoa(depth) + "\n"); err != nil {
		return 0, fmt.Errorf("send go: %w", err)
	}
	var (
		score    int
		scoreSet bool
	)
	for {
		line, err := s.readLine(ctx)
		if err != nil {
			return 0, fmt.Errorf("read line: %w", err)
		}
		switch {
		case strings.HasPrefix(line, "info "):
			if v, ok := parseScore(line); ok {
				score, scoreSet = v, true
			}
		case strings.HasPrefix(line, "bestmove"):
			if !scoreSet {
				return 0, errors.New("engine returned no score")
			}
			return score, nil
		}
	}
}

func (s *engineSession) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	if s.cmd != nil {
		_ = s.cmd.Wait()
	}
	return nil
}

func (s *engineSession) send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.stdin, msg)
	return err
}

func (s *engineSession) awaitToken(ctx context.Context, token string) error {
	for {
		line, err := s.readLine(ctx)
		if err != nil {
			return err
		}
		if strings.Contains(line, token) {
			return nil
		}
	}
}

func (s *engineSession) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := s.stdout.ReadString('\n')
		ch <- result{line: strings.TrimSpace(line), err: err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		return res.line, res.err
	}
}

// parseScore reads "score cp N" or "score mate N" from an info line.
func parseScore(line string) (int, bool) {
	parts := strings.Fields(line)
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] != "score" {
			continue
		}
		v, err := strconv.Atoi(parts[i+2])
		if err != nil {
			return 0, false
		}
		switch parts[i+1] {
		case "cp":
			return v, true
		case "mate":
			// mate 0: 둘 차례인 쪽이 이미 메이트
			if v > 0 {
				return int(MateScore * 100), true
			}
			return -int(MateScore * 100), true
		}
		return 0, false
	}
	return 0, false
}

func sideToMoveBlack(fen string) bool {
	fields := strings.Fields(fen)
	return len(fields) > 1 && fields[1] == "b"
}
