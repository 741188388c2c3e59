package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/ephemeral-chat/internal/auth"
	"github.com/npezzotti/ephemeral-chat/internal/config"
	"github.com/npezzotti/ephemeral-chat/internal/database"
	"github.com/npezzotti/ephemeral-chat/internal/server"
)

type ChatApp struct {
	log            *log.Logger
	store          database.RoomStore
	srv            *http.Server
	cs             *server.ChatServer
	verifier       *auth.Verifier
	allowedOrigins []string
}

// NewChatApp registers the HTTP API on mux and wraps it with CORS, access
// logging and panic recovery.
func NewChatApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, store database.RoomStore, cfg *config.Config) *ChatApp {
	s := &ChatApp{
		log:            logger,
		store:          store,
		cs:             cs,
		verifier:       cs.Verifier(),
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/challenge", s.requestChallenge)
	mux.HandleFunc("POST /api/auth/challenge/resend", s.resendCode)
	mux.HandleFunc("POST /api/auth/verify", s.verifyChallenge)
	mux.HandleFunc("GET /api/rooms", s.identityMiddleware(s.listRooms))
	mux.HandleFunc("POST /api/rooms", s.identityMiddleware(s.createRoom))
	mux.HandleFunc("POST /api/rooms/check", s.checkRoom)
	mux.HandleFunc("GET /api/rooms/{id}/participants", s.sessionMiddleware(s.getParticipants))
	mux.HandleFunc("GET /api/rooms/{id}/messages", s.sessionMiddleware(s.getMessages))
	mux.HandleFunc("GET /api/rooms/{id}/transcript", s.sessionMiddleware(s.getTranscript))
	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
	)(mux)

	h = handlers.CombinedLoggingHandler(logger.Writer(), h)
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *ChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *ChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
