package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cowritehq/cowrite/internal/domain/presence"
	"github.com/cowritehq/cowrite/internal/domain/session"
)

// NewRouter wires the websocket endpoint plus read-only introspection
// endpoints for operators.
func NewRouter(hub *Hub, engine *session.Service, tracker *presence.Tracker) *mux.Router {
	r := mux.NewRouter()
	srv := &server{engine: engine, tracker: tracker}

	r.HandleFunc("/ws", hub.HandleWS)
	r.HandleFunc("/health", srv.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions", srv.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}", srv.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/api/workspaces/{id}/presence", srv.handleWorkspacePresence).Methods(http.MethodGet)

	return r
}

type server struct {
	engine  *session.Service
	tracker *presence.Tracker
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Sessions())
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.GetSession(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) handleWorkspacePresence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.WorkspacePresence(mux.Vars(r)["id"]))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
