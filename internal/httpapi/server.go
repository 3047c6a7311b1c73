package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/huddlelabs/burrow/internal/config"
	"github.com/huddlelabs/burrow/internal/observability"
	"github.com/huddlelabs/burrow/internal/pipeline"
	"github.com/huddlelabs/burrow/internal/session"
)

// ProviderInspector exposes per-provider counters for the health surface.
type ProviderInspector interface {
	ProviderSnapshots() map[string]pipeline.ProviderSnapshot
}

type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	providers ProviderInspector
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, providers ProviderInspector, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		sessions:  sessions,
		providers: providers,
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Devices connect without an Origin header; browsers must come
				// from the same host unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/device/ws", s.handleDeviceWS)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.sessions.Health()
	payload := map[string]any{
		"status":          h.Status,
		"active_sessions": h.ActiveSessions,
		"max_sessions":    h.MaxSessions,
		"streaming":       h.Streaming,
	}
	if s.providers != nil {
		payload["providers"] = s.providers.ProviderSnapshots()
	}
	respondJSON(w, http.StatusOK, payload)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleDeviceWS validates the connect request before upgrading, so a
// rejected device gets a plain HTTP error instead of a doomed websocket.
func (s *Server) handleDeviceWS(w http.ResponseWriter, r *http.Request) {
	req, err := connectRequestFromQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := s.sessions.Authorize(req); err != nil {
		var verr *session.ValidationError
		switch {
		case errors.As(err, &verr):
			respondError(w, http.StatusBadRequest, "validation_failed", verr.Error())
		case errors.Is(err, session.ErrSessionLimit):
			respondError(w, http.StatusTooManyRequests, "session_limit", "no session slots available")
		default:
			respondError(w, http.StatusInternalServerError, "admission_failed", err.Error())
		}
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess, err := s.sessions.Connect(r.Context(), req, conn, nil)
	if err != nil {
		// Authorize passed but admission raced another device for the slot.
		_ = conn.WriteJSON(map[string]any{
			"type":          "error",
			"error_code":    "admission_failed",
			"error_message": err.Error(),
		})
		_ = conn.Close()
		return
	}

	<-sess.Done()
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	type sessionSummary struct {
		ID           string `json:"id"`
		DeviceID     string `json:"device_id"`
		ChildName    string `json:"child_name"`
		Status       string `json:"status"`
		MessageCount int    `json:"message_count"`
		CreatedAt    string `json:"created_at"`
	}

	all := s.sessions.Registry().All()
	out := make([]sessionSummary, 0, len(all))
	for _, sess := range all {
		out = append(out, sessionSummary{
			ID:           sess.ID,
			DeviceID:     sess.DeviceID,
			ChildName:    sess.ChildName,
			Status:       string(sess.Status()),
			MessageCount: sess.MessageCount(),
			CreatedAt:    sess.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.sessions.Registry().Get(id); !ok {
		respondError(w, http.StatusNotFound, "session_not_found", "no session with id "+id)
		return
	}
	s.sessions.Terminate(id, "parent_requested")
	respondJSON(w, http.StatusOK, map[string]any{"status": "terminated", "id": id})
}

func connectRequestFromQuery(r *http.Request) (session.ConnectRequest, error) {
	q := r.URL.Query()
	ageStr := strings.TrimSpace(q.Get("child_age"))
	if ageStr == "" {
		return session.ConnectRequest{}, errors.New("query parameter child_age is required")
	}
	age, err := strconv.Atoi(ageStr)
	if err != nil {
		return session.ConnectRequest{}, errors.New("child_age must be an integer")
	}
	return session.ConnectRequest{
		DeviceID:  strings.TrimSpace(q.Get("device_id")),
		ChildID:   strings.TrimSpace(q.Get("child_id")),
		ChildName: strings.TrimSpace(q.Get("child_name")),
		ChildAge:  age,
	}, nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
