package ws

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Server upgrades HTTP requests to websocket connections and hands
// each one to a Session. The credential is taken from the dedicated
// "token" query parameter first, then from the Authorization header.
// The upgrade happens even without a credential so the auth failure
// can be reported over the socket before it is closed.
type Server struct {
	hub        *Hub
	store      MessageStore
	verifier   TokenVerifier
	log        *slog.Logger
	graceDelay time.Duration
	upgrader   *websocket.Upgrader
}

type ServerConfig struct {
	Hub        *Hub
	Store      MessageStore
	Verifier   TokenVerifier
	Logger     *slog.Logger
	GraceDelay time.Duration
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		hub:        cfg.Hub,
		store:      cfg.Store,
		verifier:   cfg.Verifier,
		log:        cfg.Logger,
		graceDelay: cfg.GraceDelay,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // CORS policy is the outer layer's concern
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("failed to upgrade to websocket", "error", err)
		return
	}

	sess := NewSession(SessionConfig{
		Conn:           conn,
		Hub:            s.hub,
		Store:          s.store,
		Verifier:       s.verifier,
		HandshakeToken: token,
		GraceDelay:     s.graceDelay,
		Logger:         s.log,
	})

	if err := sess.Handle(r.Context()); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			s.log.Warn("session ended with error", "error", err)
		}
	}
}

func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
