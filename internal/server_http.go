package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Pinger is satisfied by the store; /healthz uses it.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Database    string `json:"database"`
	Rooms       int    `json:"rooms"`
	OnlineUsers int    `json:"online_users"`
}

// RoomStatus is the /exists answer for a known room.
type RoomStatus struct {
	Room    string `json:"room"`
	Members int    `json:"members"`
	Stored  bool   `json:"stored"`
}

// NewRouter builds the operational HTTP surface next to the chat listener:
// the websocket entry point, room lookups, health and metrics.
func NewRouter(ctx context.Context, srv *Server, db Pinger, metrics *Metrics, logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimw.Recoverer)

	r.Get("/join", srv.WebSocketHandler(ctx))
	r.Get("/exists", srv.HandleRoomExists)
	r.Get("/healthz", srv.handleHealth(db))
	r.Handle("/metrics", metrics.Handler())
	return r
}

// HandleRoomExists answers 200 when the room has live members or stored
// history and 404 otherwise.
func (srv *Server) HandleRoomExists(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing room"))
		return
	}
	members := len(srv.hub.Members(room))
	stored, err := srv.store.RoomExists(r.Context(), room)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if members == 0 && !stored {
		writeError(w, http.StatusNotFound, errors.New("room not found"))
		return
	}
	writeJSON(w, http.StatusOK, RoomStatus{Room: room, Members: members, Stored: stored})
}

func (srv *Server) handleHealth(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		resp := healthResponse{
			Status:      "healthy",
			Version:     Version,
			Database:    "pass",
			Rooms:       srv.hub.RoomCount(),
			OnlineUsers: srv.presence.ActiveCount(),
		}
		status := http.StatusOK
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				srv.log.Warn().Err(err).Msg("health check: database")
				resp.Status, resp.Database = "degraded", "fail"
				status = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, status, resp)
	}
}

func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Str("remote_addr", r.RemoteAddr).
					Msg("request completed")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
