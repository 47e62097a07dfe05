package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-liveline/internal/config"
	"github.com/npezzotti/go-liveline/internal/counter"
	"github.com/npezzotti/go-liveline/internal/database"
	"github.com/npezzotti/go-liveline/internal/livesession"
	"github.com/npezzotti/go-liveline/internal/messaging"
	"github.com/npezzotti/go-liveline/internal/notify"
	"github.com/npezzotti/go-liveline/internal/server"
)

type LivelineApp struct {
	log            *log.Logger
	db             database.LivelineRepository
	mux            *http.Server
	rs             *server.RealtimeServer
	sessions       *livesession.Manager
	messaging      *messaging.Engine
	counters       *counter.Aggregator
	notifier       *notify.Fanout
	signingKey     []byte
	allowedOrigins []string
}

func NewLivelineApp(
	mux *http.ServeMux,
	logger *log.Logger,
	rs *server.RealtimeServer,
	db database.LivelineRepository,
	sessions *livesession.Manager,
	engine *messaging.Engine,
	counters *counter.Aggregator,
	notifier *notify.Fanout,
	cfg *config.Config,
) *LivelineApp {
	s := &LivelineApp{
		log:            logger,
		db:             db,
		rs:             rs,
		sessions:       sessions,
		messaging:      engine,
		counters:       counters,
		notifier:       notifier,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.Handle("POST /api/sessions", s.authMiddleware(s.scheduleSession))
	mux.Handle("GET /api/sessions", s.authMiddleware(s.getSession))
	mux.Handle("POST /api/sessions/start", s.authMiddleware(s.startSession))
	mux.Handle("POST /api/sessions/end", s.authMiddleware(s.endSession))
	mux.Handle("POST /api/sessions/cancel", s.authMiddleware(s.cancelSession))
	mux.Handle("POST /api/sessions/heartbeat", s.authMiddleware(s.sessionHeartbeat))
	mux.Handle("POST /api/conversations", s.authMiddleware(s.createConversation))
	mux.Handle("POST /api/conversations/members", s.authMiddleware(s.addConversationMember))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("GET /api/counters", s.authMiddleware(s.getCounterTotal))
	mux.Handle("GET /api/notifications", s.authMiddleware(s.getNotifications))
	mux.Handle("DELETE /api/notifications", s.authMiddleware(s.dismissNotification))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *LivelineApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *LivelineApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
