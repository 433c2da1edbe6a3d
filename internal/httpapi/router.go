// Package httpapi exposes the websocket endpoint and read-only room queries.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/park285/chess-match-server/internal/match"
	"github.com/park285/chess-match-server/internal/obslog"
	"github.com/park285/chess-match-server/pkg/matchdto"
)

// Rooms is the query side of the coordinator.
type Rooms interface {
	WaitingRooms(ctx context.Context) ([]string, error)
	RoomState(ctx context.Context, roomID string) (*matchdto.RoomState, error)
	Ping(ctx context.Context) error
}

func NewRouter(ws http.Handler, rooms Rooms) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Handle("/ws", ws)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Use(requestLogger)
		r.Get("/healthz", healthz(rooms))
		r.Get("/rooms", listRooms(rooms))
		r.Get("/rooms/{roomId}", getRoom(rooms))
	})
	return r
}

func healthz(rooms Rooms) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := rooms.Ping(ctx); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	}
}

func listRooms(rooms Rooms) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := rooms.WaitingRooms(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, matchdto.WaitingRoomList{RoomIDs: ids})
	}
}

func getRoom(rooms Rooms) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := rooms.RoomState(r.Context(), chi.URLParam(r, "roomId"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func statusFor(code match.Code) int {
	switch code {
	case match.CodeInvalidRequest:
		return http.StatusBadRequest
	case match.CodeRoomNotFound:
		return http.StatusNotFound
	case match.CodeRoomFull, match.CodeNotYourTurn, match.CodeIllegalMove:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := match.CodeOf(err)
	writeJSON(w, statusFor(code), matchdto.RequestError{Code: string(code), Message: match.MessageOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		obslog.L().Debug("http_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
