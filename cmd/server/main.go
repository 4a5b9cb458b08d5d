package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"go-chat-core/internal/bus"
	"go-chat-core/internal/cache"
	"go-chat-core/internal/chat"
	"go-chat-core/internal/config"
	"go-chat-core/internal/db"
	"go-chat-core/internal/gateway"
	myMiddleware "go-chat-core/internal/middleware"
	"go-chat-core/internal/presence"
	"go-chat-core/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type pinger interface {
	Ping(ctx context.Context) error
}

func main() {
	// 1. Config & Flags
	_ = godotenv.Load()
	addr := flag.String("addr", "", "http service address (overrides APP_ADDR)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("❌ Invalid configuration", zap.Error(err))
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	logger := newLogger(cfg)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Storage (Platform Layer)
	opts := chat.Options{
		MaxContentLength:     cfg.MaxContentLength,
		PageSize:             cfg.DefaultPageSize,
		MaxPageSize:          cfg.MaxPageSize,
		ConversationPageSize: cfg.ConversationPageSize,
	}
	var (
		store  chat.Store
		users  chat.UserDirectory
		health pinger
	)
	switch cfg.StoreDriver {
	case "postgres":
		database, err := db.NewDatabase(ctx, cfg.DBDSN)
		if err != nil {
			logger.Fatal("❌ Failed to connect to DB", zap.Error(err))
		}
		defer database.Close()
		logger.Info("✅ Connected to PostgreSQL")

		if err := database.AutoMigrate(ctx); err != nil {
			logger.Fatal("❌ Migration failed", zap.Error(err))
		}
		logger.Info("✅ Database Schema Initialized")

		repo := chat.NewRepository(database.Conn, opts)
		store, users, health = repo, user.NewRepository(database.Conn), repo
	default:
		logger.Warn("⚠️ Using in-memory store, data is lost on restart")
		store, users = chat.NewMemoryStore(opts), user.OpenDirectory{}
	}

	// 3. Message bus & membership cache
	var (
		messages    bus.Bus
		redisClient *redis.Client
	)
	if cfg.UseRedis() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("❌ Failed to connect to Redis", zap.Error(err))
		}
		logger.Info("✅ Connected to Redis")
		messages = bus.NewRedis(redisClient, cfg.RedisChannel, logger)
	} else {
		messages = bus.NewLocal(0)
	}

	// 4. Chat feature
	svc := chat.NewService(store, users, messages, logger, chat.ServiceConfig{
		SendTimeout:    cfg.SendTimeout,
		SummaryTimeout: cfg.SummaryTimeout,
	})
	if redisClient != nil {
		svc.UseParticipantCache(cache.NewParticipants(redisClient, store, cfg.CacheTTL, logger))
	}
	chatHandler := chat.NewHandler(svc, logger)

	// 5. Real-time gateway
	tokens := user.NewService(cfg.JWTSecret, cfg.JWTIssuer)
	registry := presence.NewRegistry(svc, cfg.RegistryShards)
	svc.UsePresence(registry)
	broadcaster := gateway.NewBroadcaster(registry, logger, gateway.BroadcasterConfig{
		ReorderWindow: cfg.ReorderWindow,
		Shards:        cfg.RegistryShards,
	})
	gw := gateway.New(tokens, svc, broadcaster, registry, logger, gateway.Config{
		AuthTimeout:    cfg.AuthTimeout,
		CommandTimeout: cfg.SendTimeout,
		SendBuffer:     cfg.SendBuffer,
		CheckOrigin:    allowedOrigin(cfg.CORSOrigins),
	})

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public Routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]any{
			"presence":  registry.Stats(),
			"broadcast": broadcaster.Stats(),
		}
		if health != nil {
			if err := health.Ping(r.Context()); err != nil {
				status = http.StatusServiceUnavailable
				body["store"] = err.Error()
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	})
	// The gateway authenticates its own connections.
	r.Get("/ws", gw.ServeWs)

	// Protected Routes (Require JWT)
	authMiddleware := myMiddleware.NewAuthMiddleware(tokens)
	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		chatHandler.Routes(r)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 7. Run until a signal arrives
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return messages.Run(gctx, broadcaster.Handle)
	})
	g.Go(func() error {
		return broadcaster.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("🚀 Server starting", zap.String("addr", cfg.Addr), zap.String("store", cfg.StoreDriver), zap.String("bus", cfg.BusDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("🛑 Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("⚠️ HTTP shutdown", zap.Error(err))
		}
		if err := gw.Shutdown(shutdownCtx); err != nil {
			logger.Warn("⚠️ Gateway shutdown", zap.Error(err))
		}
		svc.Wait()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("❌ Server stopped", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Development() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}

// allowedOrigin applies the CORS origin list to websocket upgrades. Requests
// without an Origin header come from non-browser clients.
func allowedOrigin(origins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin)
	}
}
