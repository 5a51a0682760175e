package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adi-253/Talkie/chatd/internal/auth"
	"github.com/adi-253/Talkie/chatd/internal/bus"
	"github.com/adi-253/Talkie/chatd/internal/cache"
	"github.com/adi-253/Talkie/chatd/internal/config"
	"github.com/adi-253/Talkie/chatd/internal/handlers"
	"github.com/adi-253/Talkie/chatd/internal/logging"
	"github.com/adi-253/Talkie/chatd/internal/metrics"
	"github.com/adi-253/Talkie/chatd/internal/notify"
	"github.com/adi-253/Talkie/chatd/internal/presence"
	"github.com/adi-253/Talkie/chatd/internal/services"
	"github.com/adi-253/Talkie/chatd/internal/store"
	"github.com/adi-253/Talkie/chatd/internal/store/sqlite"
	"github.com/adi-253/Talkie/chatd/internal/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "chatd",
		Short:        "Real-time chat session and fan-out server",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return serve()
		},
	}
	cmd.AddCommand(newServeCommand(), newTokenCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return serve()
		},
	}
}

// newTokenCommand issues a token signed with JWT_SECRET for local testing.
func newTokenCommand() *cobra.Command {
	var (
		userID   string
		username string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer).Issue(userID, username, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User ID placed in the token subject")
	cmd.Flags().StringVar(&username, "username", "", "Display username (defaults to the user ID)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("server_failed", zap.Error(err))
		return err
	}
	return nil
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	hub := bus.NewHub(log)
	hub.SetDropObserver(m)

	// Redis backs the shared cache, the cross-node relay and the push queue.
	// Without it the node runs standalone with in-process equivalents.
	var (
		kv       cache.Cache
		notifier notify.Notifier
	)
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedis(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rc.Close()
		kv = rc

		relay := bus.NewRedisRelay(rc.Client(), cfg.RelayChannel, cfg.NodeID, hub, log)
		hub.SetRelay(relay)
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.Error("relay_stopped", zap.Error(err))
			}
		}()

		queue, err := notify.NewAsynq(cfg.RedisURL, cfg.NotifyQueue, log)
		if err != nil {
			return err
		}
		defer queue.Close()
		notifier = queue
	} else {
		log.Warn("redis_disabled", zap.String("reason", "REDIS_URL not set"))
		kv = cache.NewMemory(nil)
		notifier = notify.NewLog(log)
	}

	tracker := presence.New(kv, st, presence.Config{
		OnlineTTL:           cfg.PresenceTTL,
		ParticipantCountTTL: cfg.ParticipantCountTTL,
		UnreadTTL:           cfg.UnreadTTL,
	}, log, nil)

	// Initialize services
	deps := services.Deps{Store: st, Presence: tracker, Bus: hub, Notifier: notifier, Metrics: m, Log: log}
	moderation := services.NewModerationEngine(deps)
	router := services.NewMessageRouter(deps, moderation, services.RouterConfig{
		EditWindow:    cfg.EditWindow,
		TypingTimeout: cfg.TypingTimeout,
	})
	chats := services.NewChatService(deps)
	verifier := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)

	manager := websocket.NewManager(chats, router, tracker, hub, verifier, m, log, websocket.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		SendBuffer:        cfg.SendBuffer,
		FrameRate:         cfg.FrameRate,
		FrameBurst:        cfg.FrameBurst,
		MaxFrameBytes:     cfg.MaxFrameBytes,
		RecentLimit:       cfg.RecentMessagesLimit,
	}, nil)
	moderation.SetEvictor(manager)
	chats.SetEvictor(manager)

	// Start background cleanup worker
	cleanup := services.NewCleanupService(deps, cfg.CleanupInterval)
	if err := cleanup.SetCron(cfg.CleanupCron); err != nil {
		return err
	}
	go cleanup.Start(ctx)
	defer cleanup.Stop()

	// Initialize handlers
	chatHandler := handlers.NewChatHandler(chats, log)
	messageHandler := handlers.NewMessageHandler(chats, cfg.RecentMessagesLimit, log)

	// Set up router with middleware
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(handlers.RequestLogger(log))
	r.Use(middleware.Recoverer)

	log.Info("cors_configured", zap.Strings("origins", cfg.CORSOrigins))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check and scrape endpoints
	r.Get("/health", handlers.NewHealthHandler(st, kv).HealthCheck)
	r.Handle("/metrics", metrics.Handler(prometheus.DefaultGatherer))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/chats", func(r chi.Router) {
			r.Use(handlers.RequireIdentity(verifier, log))
			r.Post("/", chatHandler.CreateChat)
			r.Get("/{id}", chatHandler.GetChat)
			r.Post("/{id}/join", chatHandler.JoinChat)
			r.Post("/{id}/leave", chatHandler.LeaveChat)
			// History for clients without a live connection
			r.Get("/{id}/messages", messageHandler.GetMessages)
		})
	})

	// Sessions outlive the request context; they are stopped by manager.Shutdown.
	wsHandler := websocket.NewHandler(context.Background(), manager)
	r.Get("/ws/chats/{chatID}", wsHandler.ServeWS)
	r.Get("/ws/notifications", wsHandler.ServeNotifications)

	addr := fmt.Sprintf(":%s", cfg.ServerPort)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server_starting", zap.String("addr", addr), zap.String("node_id", cfg.NodeID), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("server_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http_shutdown_incomplete", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Warn("sessions_shutdown_incomplete", zap.Error(err))
	}
	return nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		return store.NewMemory(), nil
	}
	db, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}
