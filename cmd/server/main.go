package main

import (
	"context"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatsync/internal/chat"
	"chatsync/internal/config"
	"chatsync/internal/db"
	"chatsync/internal/middleware"
	"chatsync/internal/store"
	"chatsync/internal/user"
)

func main() {
	godotenv.Load()
	cfg := config.Load()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	log.Logger = logger

	if cfg.DBDSN == "" {
		logger.Fatal().Msg("DB_DSN is not set")
	}
	if cfg.JWTSecret == "" {
		logger.Fatal().Msg("JWT_SECRET is not set")
	}

	// Platform layer: Postgres + Redis.
	database, err := db.NewDatabase(cfg.DBDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to db")
	}
	logger.Info().Msg("connected to PostgreSQL")

	if err := database.AutoMigrate(); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}
	logger.Info().Msg("database schema initialized")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	logger.Info().Msg("connected to Redis")

	// Store + event bus.
	bus := store.NewRedisBus(rdb, logger)
	pg := store.NewPostgres(database.Conn, bus)

	// Accounts.
	userRepo := user.NewRepository(database.Conn, bus)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)

	// Sync engine surface.
	chatHandler := chat.NewHandler(pg, bus, cfg.TypingDebounce, logger)

	authMiddleware := middleware.NewAuthMiddleware(userService)

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes.
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// Protected routes.
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Post("/logout", userHandler.Logout)
		r.Get("/ws", chatHandler.ServeWs)
		r.Route("/api", chatHandler.Routes)
	})

	logger.Info().Str("addr", cfg.Addr).Msg("server starting")
	if err := http.ListenAndServe(cfg.Addr, r); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}
