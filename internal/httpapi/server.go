package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/neura-ai/liveavatar/internal/auth"
	"github.com/neura-ai/liveavatar/internal/config"
	"github.com/neura-ai/liveavatar/internal/observability"
	"github.com/neura-ai/liveavatar/internal/protocol"
	"github.com/neura-ai/liveavatar/internal/session"
)

// Orchestrator runs the signaling loop for one session's websocket.
type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan protocol.Message, outbound chan<- protocol.Message) error
}

type Server struct {
	cfg          *config.Config
	sessions     *session.Registry
	orchestrator Orchestrator
	verifier     auth.Verifier
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
}

func New(cfg *config.Config, sessions *session.Registry, orchestrator Orchestrator, verifier auth.Verifier, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		verifier:     verifier,
		metrics:      metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly opened
				// up; other sites must not be able to drive a user's session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
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
	r.Get("/readyz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/live/session", s.handleStartSession)
	r.Post("/v1/live/session/{id}/stop", s.handleStopSession)
	r.Get("/v1/live/session/{id}", s.handleSessionStatus)
	r.Get("/v1/live/session/ws", s.handleSessionWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

type startRequest struct {
	AvatarID string `json:"avatar_id"`
	VoiceID  string `json:"voice_id"`
}

type startResponse struct {
	SessionID         string               `json:"session_id"`
	SignalingEndpoint string               `json:"signaling_endpoint"`
	ICEServers        []protocol.ICEServer `json:"ice_servers"`
	CreditsPerMinute  int                  `json:"credits_per_minute"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	userID, err := s.verifier.Verify(r.Header.Get("Authorization"))
	if err != nil {
		respondError(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "invalid bearer token")
		return
	}

	var req startRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, protocol.CodeInvalidMessage, err.Error())
		return
	}

	sess, err := s.sessions.Start(r.Context(), userID, req.AvatarID, req.VoiceID)
	switch {
	case errors.Is(err, session.ErrQuotaExceeded):
		respondError(w, http.StatusPaymentRequired, protocol.CodeQuotaExceeded, "insufficient credits or session limit reached")
		return
	case errors.Is(err, session.ErrInvalidAvatar):
		respondError(w, http.StatusBadRequest, protocol.CodeInvalidAvatar, "avatar does not resolve")
		return
	case errors.Is(err, session.ErrInvalidVoice):
		respondError(w, http.StatusBadRequest, protocol.CodeInvalidVoice, "voice does not resolve")
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, startResponse{
		SessionID:         sess.ID,
		SignalingEndpoint: "/v1/live/session/ws?session_id=" + sess.ID,
		ICEServers:        sess.ICEServers,
		CreditsPerMinute:  sess.CreditsPerMinute,
	})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, protocol.CodeInvalidMessage, "missing session id")
		return
	}
	sess, err := s.sessions.Stop(r.Context(), id, "client_stop")
	if err != nil {
		respondError(w, http.StatusNotFound, protocol.CodeNotFound, "unknown session")
		return
	}
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, statusPayload(sess))
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, protocol.CodeNotFound, "unknown session")
		return
	}
	respondJSON(w, http.StatusOK, statusPayload(sess))
}

type statusResponse struct {
	SessionID   string        `json:"session_id"`
	Status      string        `json:"status"`
	ElapsedMS   int64         `json:"elapsed_ms"`
	CreditsUsed int           `json:"credits_used"`
	EndReason   string        `json:"end_reason,omitempty"`
	Stats       session.Stats `json:"stats"`
}

func statusPayload(sess *session.Session) statusResponse {
	return statusResponse{
		SessionID:   sess.ID,
		Status:      string(sess.Status),
		ElapsedMS:   sess.Elapsed(time.Now().UTC()).Milliseconds(),
		CreditsUsed: sess.CreditsUsed,
		EndReason:   sess.EndReason,
		Stats:       sess.Stats,
	}
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, protocol.CodeInvalidMessage, "query parameter session_id is required")
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil || sess.Status.Terminal() {
		respondError(w, http.StatusNotFound, protocol.CodeNotFound, "unknown session")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Unblock the read loop when the session loop ends.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	inbound := make(chan protocol.Message, 256)
	outbound := make(chan protocol.Message, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		_ = s.orchestrator.RunConnection(ctx, sess, inbound, outbound)
		cancel()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				s.metrics.WSMessages.WithLabelValues("outbound", string(msg.Type)).Inc()
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.ParseClient(data)
		if err != nil {
			select {
			case outbound <- protocol.NewError(protocol.CodeInvalidMessage, err.Error()):
			default:
				// Keep writes single-threaded; drop if the queue is saturated.
			}
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", string(msg.Type)).Inc()
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- msg:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
