package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tripsync-server/internal/bridge"
	"tripsync-server/internal/config"
	"tripsync-server/internal/handler"
	"tripsync-server/internal/middleware"
	"tripsync-server/internal/repository"
	"tripsync-server/internal/service"
	"tripsync-server/internal/websocket"
	"tripsync-server/migrations"
	"tripsync-server/pkg/jwt"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	dsn := cfg.Database.DSN()

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		log.Fatalf("Failed to create database pool: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(context.Background()); err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}

	if err := runMigrations(dsn); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	tripRepo := repository.NewTripRepository(pool)
	memberRepo := repository.NewMemberRepository(pool)
	itineraryRepo := repository.NewItineraryRepository(pool)

	tripService := service.NewTripService(tripRepo, memberRepo)

	persistence := bridge.New(itineraryRepo, cfg.Flush.Debounce)
	registry := websocket.NewRegistry(persistence, cfg.Flush.UndoDepth)

	verifier := jwt.NewVerifier(cfg.JWT.Secret)
	limiter := middleware.NewRateLimiter(cfg.RateLimit.AttemptsPerMinute, time.Minute)

	tripHandler := handler.NewTripHandler(tripService)
	wsHandler := handler.NewWebSocketHandler(
		registry,
		verifier,
		memberRepo,
		limiter,
		cfg.WebSocket.ReadBufferSize,
		cfg.WebSocket.WriteBufferSize,
		cfg.WebSocket.MaxMessageSize,
		cfg.WebSocket.WriteWait,
		cfg.WebSocket.PongWait,
		cfg.WebSocket.PingPeriod,
	)

	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware())
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	api := r.PathPrefix("/api/v1").Subrouter()

	protected := api.PathPrefix("").Subrouter()
	protected.Use(middleware.AuthMiddleware(cfg.JWT.Secret))

	protected.HandleFunc("/trips/{id}", tripHandler.Get).Methods("GET", "OPTIONS")
	protected.HandleFunc("/trips/{id}", tripHandler.Update).Methods("PATCH", "OPTIONS")

	r.HandleFunc("/ws", wsHandler.HandleConnection)

	r.HandleFunc("/health", healthHandler).Methods("GET")
	r.HandleFunc("/", rootHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting Tripsync Server on %s (env: %s)", addr, cfg.Server.Env)
		log.Printf("Connected to PostgreSQL at %s:%s", cfg.Database.Host, cfg.Database.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped gracefully")
}

// runMigrations applies pending schema migrations. goose needs a
// database/sql handle, so it gets its own short-lived connection via the
// pgx stdlib driver rather than the pool.
func runMigrations(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("create goose provider: %w", err)
	}

	results, err := provider.Up(context.Background())
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, res := range results {
		log.Printf("Applied migration: %s", res.Source.Path)
	}
	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"tripsync-server"}`))
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"message":"Tripsync Server API","version":"1.0.0","endpoints":{"/api/v1/trips/{id}":"GET, PATCH (protected)","/ws":"WebSocket (token + trip_id)"}}`))
}
