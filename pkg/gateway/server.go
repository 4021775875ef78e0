package gateway

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/parlor/pkg/auth"
	"github.com/go-go-golems/parlor/pkg/chat"
	"github.com/go-go-golems/parlor/pkg/chatevents"
	"github.com/go-go-golems/parlor/pkg/config"
	"github.com/go-go-golems/parlor/pkg/logging"
	"github.com/go-go-golems/parlor/pkg/persistence/chatstore"
	"github.com/go-go-golems/parlor/pkg/presence"
	"github.com/go-go-golems/parlor/pkg/receipts"
	"github.com/go-go-golems/parlor/pkg/redisstream"
	"github.com/go-go-golems/parlor/pkg/rooms"
	"github.com/go-go-golems/parlor/pkg/typing"
)

const shutdownTimeout = 30 * time.Second

// Server owns the HTTP listener and the background workers behind it.
type Server struct {
	httpSrv    *http.Server
	gateway    *Gateway
	svc        *chat.Service
	store      chatstore.Store
	outbox     *chatevents.Outbox
	dispatcher *presence.Dispatcher
	publisher  message.Publisher
	redis      *redis.Client
}

// NewServer wires the store, registries, event stream and gateway described
// by settings. The returned server must be started with Run.
func NewServer(ctx context.Context, settings config.Settings) (_ *Server, err error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	s := &Server{}
	defer func() {
		if err != nil {
			s.closeResources()
		}
	}()

	s.store, err = chatstore.Open(ctx, settings.Database.Driver, settings.Database.DSN, settings.Database.Path)
	if err != nil {
		return nil, errors.Wrap(err, "open chat store")
	}

	users := make([]auth.User, 0, len(settings.Users))
	for _, u := range settings.Users {
		users = append(users, auth.User{ID: u.ID, Name: u.Name})
	}
	dir := auth.NewStaticDirectory(users...)
	authn, err := auth.NewAuthenticator(auth.Options{
		Secret:    []byte(settings.Auth.JWTSecret),
		Algorithm: settings.Auth.Algorithm,
		Issuer:    settings.Auth.Issuer,
		Leeway:    5 * time.Second,
	}, dir)
	if err != nil {
		return nil, err
	}

	var lastSeen presence.LastSeenStore = presence.NewMemoryLastSeenStore()
	if settings.Redis.Enabled {
		s.redis = redisstream.NewClient(settings.Redis)
		if err = redisstream.Ping(ctx, s.redis); err != nil {
			return nil, err
		}
		if lastSeen, err = presence.NewRedisLastSeenStore(s.redis, ""); err != nil {
			return nil, err
		}
	}

	var client redis.UniversalClient
	if s.redis != nil {
		client = s.redis
	}
	s.publisher, err = redisstream.BuildPublisher(settings.Redis, client, logging.NewWatermill(log.Logger), chatevents.Topics()...)
	if err != nil {
		return nil, err
	}
	s.outbox, err = chatevents.NewOutbox(s.publisher, settings.Outbox.Buffer)
	if err != nil {
		return nil, err
	}

	outbox := s.outbox
	s.dispatcher = presence.NewDispatcher(settings.Outbox.Buffer, lastSeen, func(_ context.Context, c presence.Change) {
		outbox.Enqueue(chatevents.TopicPresenceChanged, chatevents.PresenceChanged{UserID: c.UserID, Online: c.Online, At: c.At})
	})
	registry := presence.NewRegistry(presence.WithNotifier(s.dispatcher))
	roomManager := rooms.NewManager(s.store)

	s.svc, err = chat.NewService(chat.Deps{
		Store:     s.store,
		Directory: dir,
		Rooms:     roomManager,
		Presence:  registry,
		LastSeen:  lastSeen,
		Typing:    typing.NewCoordinator(roomManager, settings.Typing.TTL),
		Receipts:  receipts.NewTracker(s.store, roomManager),
		Outbox:    s.outbox,
	}, chat.Config{
		DefaultPageSize: settings.History.DefaultPageSize,
		MaxPageSize:     settings.History.MaxPageSize,
	})
	if err != nil {
		return nil, err
	}

	s.gateway, err = New(s.svc, authn, Options{
		PingInterval:    settings.Gateway.PingInterval,
		PongWait:        settings.Gateway.PongWait,
		WriteTimeout:    settings.Gateway.WriteTimeout,
		SendBuffer:      settings.Gateway.SendBuffer,
		MaxMessageBytes: settings.Gateway.MaxMessageBytes,
		AllowedOrigins:  settings.Gateway.AllowedOrigins,
	})
	if err != nil {
		return nil, err
	}

	s.httpSrv = &http.Server{
		Addr:              settings.Addr,
		Handler:           s.gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	log.Info().Str("component", "server").
		Str("db_driver", settings.Database.Driver).
		Bool("redis", settings.Redis.Enabled).
		Int("users", dir.Len()).
		Msg("server configured")
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) Gateway() *Gateway { return s.gateway }

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts
// down gracefully and releases every resource.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	defer s.closeResources()

	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	bg := context.WithoutCancel(ctx)
	dispatchCtx, stopDispatch := context.WithCancel(bg)
	defer stopDispatch()
	outboxCtx, stopOutbox := context.WithCancel(bg)
	defer stopOutbox()

	dispatchDone := make(chan struct{})
	eg.Go(func() error {
		defer close(dispatchDone)
		return s.dispatcher.Run(dispatchCtx)
	})
	eg.Go(func() error { return s.outbox.Run(outboxCtx) })

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(bg, shutdownTimeout)
		defer cancel()
		var shutdownErr error
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			shutdownErr = err
		}
		if err := s.gateway.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("websocket shutdown error")
		}
		s.svc.Close()

		// Presence changes from the closed sockets feed the outbox, so the
		// dispatcher drains first.
		stopDispatch()
		<-dispatchDone
		stopOutbox()
		log.Info().Msg("server shutdown complete")
		return shutdownErr
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting parlor server")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	return eg.Wait()
}

func (s *Server) closeResources() {
	if s == nil {
		return
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			log.Error().Err(err).Msg("event publisher close error")
		}
		s.publisher = nil
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Error().Err(err).Msg("chat store close error")
		}
		s.store = nil
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Error().Err(err).Msg("redis close error")
		}
		s.redis = nil
	}
}
