package devserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/cors"
	"github.com/putto11262002/chatter-sync/core"
	"github.com/putto11262002/chatter-sync/pkg/auth"
	"github.com/putto11262002/chatter-sync/pkg/router"
)

// Options configures the dev server handler.
type Options struct {
	Secret         []byte
	TokenTTL       time.Duration
	AllowedOrigins []string
	Staff          []StaffAccount
}

// Server is the http.Handler of the dev backend: the conversation REST API,
// the token endpoints and the websocket channel endpoint.
type Server struct {
	router *router.Router
	hub    *Hub
	broker Broker
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the handlers and starts relaying broker frames to local
// subscribers until Close is called or ctx is done.
func New(ctx context.Context, store MessageStore, broker Broker, opts Options, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(ctx)
	s := &Server{
		broker: broker,
		logger: logger,
		cancel: cancel,
	}

	checkOrigin := func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(opts.AllowedOrigins) == 0 ||
			slices.Contains(opts.AllowedOrigins, "*") || slices.Contains(opts.AllowedOrigins, origin)
	}
	s.hub = NewHub(ctx, &s.wg, logger,
		WithCheckOrigin(checkOrigin),
		WithPresence(s.publishPresence))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := broker.Run(ctx, s.hub.Deliver); err != nil {
			logger.Error("broker stopped", slog.Any("error", err))
		}
	}()

	authenticator := NewAuthenticator(opts.Secret, opts.TokenTTL, opts.Staff)
	authMiddleware := authenticator.Middleware()
	conversations := NewConversationHandler(store, broker, logger)
	ws := NewWSHandler(s.hub, logger)

	s.router = router.New(router.WithLogger(logger))
	s.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	s.router.With(authMiddleware).Get("/ws", ws.WSHandler)

	api := router.New(router.WithLogger(logger))
	registerErrorMappers(api)

	api.Route("/auth", func(r *router.Router) {
		r.Post("/visitor", authenticator.VisitorSigninHandler)
		r.Post("/staff", authenticator.StaffSigninHandler)
	})

	api.Group(func(r *router.Router) {
		r.Use(authMiddleware)
		r.Get("/conversations/{conversationID}/messages", conversations.GetMessagesHandler)
		r.Post("/conversations/{conversationID}/messages", conversations.CreateMessageHandler)
		r.Post("/conversations/{conversationID}/typing", conversations.TypingHandler)
		r.Delete("/conversations/{conversationID}/typing", conversations.StopTypingHandler)
		r.Get("/attachments/{ref}", conversations.GetAttachmentHandler)
	})

	s.router.Mount("/api", api)
	return s
}

func registerErrorMappers(r *router.Router) {
	r.RegisterErrorMapper(ErrInvalidRequest, validationError)
	r.RegisterErrorMapper(auth.ErrBadCredentials, func(err error) router.Error {
		return router.NewJsonError(http.StatusUnauthorized, auth.ErrBadCredentials.Error())
	})
	r.RegisterErrorMapper(ErrForbiddenConversation, func(err error) router.Error {
		return router.NewJsonError(http.StatusForbidden, ErrForbiddenConversation.Error())
	})
	r.RegisterErrorMapper(ErrInvalidConversation, func(err error) router.Error {
		return router.NewJsonError(http.StatusBadRequest, ErrInvalidConversation.Error())
	})
	r.RegisterErrorMapper(ErrAttachmentNotFound, func(err error) router.Error {
		return router.NewJsonError(http.StatusNotFound, ErrAttachmentNotFound.Error())
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) publishPresence(ev core.PresenceEvent) {
	f, err := core.NewFrame(core.PresenceUpdateEvent, core.ChannelName(ev.ConversationID), ev)
	if err != nil {
		s.logger.Error("build presence frame", slog.Any("error", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := s.broker.Publish(ctx, f); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("publish presence", slog.Any("error", err))
	}
}

// Close disconnects every websocket, stops the broker relay and waits for
// the serving goroutines until ctx is done.
func (s *Server) Close(ctx context.Context) error {
	s.cancel()
	s.hub.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
