package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/zehjotkah/rybbit-sub004/database"
	"github.com/zehjotkah/rybbit-sub004/geo"
	"github.com/zehjotkah/rybbit-sub004/handlers"
	"github.com/zehjotkah/rybbit-sub004/limit"
	"github.com/zehjotkah/rybbit-sub004/middleware"
	"github.com/zehjotkah/rybbit-sub004/queue"
	"github.com/zehjotkah/rybbit-sub004/store"
)

// apiKeyRateLimit is the documented per-key ingestion cap.
const apiKeyRateLimit = 20 // requests/second/key

func main() {
	// Load .env file at the very start
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading .env: %v", err)
	}

	if os.Getenv("GIN_MODE") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// --- Initialize PostgreSQL (sites + active sessions) ---
	dbClient, err := database.NewPostgresDB()
	if err != nil {
		log.Fatalf("Failed to initialize PostgreSQL database: %v", err)
	}
	defer dbClient.Close()

	// --- Initialize ClickHouse (event store) ---
	chClient, err := database.NewClickHouseDB()
	if err != nil {
		log.Fatalf("Failed to initialize ClickHouse database: %v", err)
	}
	defer chClient.Close()

	// --- GeoIP database (optional; events ship without geo when absent) ---
	geoDB, err := geo.NewDB()
	if err != nil {
		log.Printf("GeoIP disabled: %v", err)
		geoDB = nil
	} else {
		defer geoDB.Close()
	}

	// --- Initialize Stores ---
	analyticsStore := store.NewAnalyticsStore(chClient)
	sessionStore := store.NewSessionStore(dbClient.DB)
	siteStore := store.NewSiteStore(dbClient.DB, analyticsStore)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	if err := siteStore.Start(startCtx, envDuration("SITE_CACHE_REFRESH", time.Minute)); err != nil {
		cancelStart()
		log.Fatalf("Failed to load site registry: %v", err)
	}
	cancelStart()
	defer siteStore.Stop()

	// --- Batch queue: single process-wide buffer with one flush consumer ---
	var geoLookup queue.GeoLookup
	if geoDB != nil {
		geoLookup = geoDB
	}
	eventQueue := queue.New(analyticsStore, geoLookup, queue.Options{
		BatchSize:     envInt("QUEUE_BATCH_SIZE", 5000),
		FlushInterval: envDuration("QUEUE_FLUSH_INTERVAL", 10*time.Second),
	})
	eventQueue.Start()
	defer eventQueue.Stop()

	// --- Session housekeeping: prune rows idle past the threshold ---
	pruneStop := startSessionPruner(sessionStore, envDuration("SESSION_MAX_IDLE", 30*time.Minute))
	defer close(pruneStop)

	// --- Initialize Handlers ---
	trackHandlers := handlers.NewTrackHandlers(
		siteStore,
		sessionStore,
		eventQueue,
		limit.New(apiKeyRateLimit, apiKeyRateLimit),
		os.Getenv("DISABLE_ORIGIN_CHECK") == "true",
	)
	statsHandlers := handlers.NewStatsHandlers(analyticsStore)
	healthHandlers := handlers.NewHealthHandlers(siteStore, analyticsStore)

	r := gin.Default()
	r.Use(middleware.CORSMiddleware())

	r.POST("/track", trackHandlers.TrackEvent)
	r.GET("/health", healthHandlers.Health)

	api := r.Group("/api")
	{
		api.GET("/single-col/:site", statsHandlers.GetSingleCol)
		api.GET("/performance/by-dimension/:site", statsHandlers.GetPerformanceByDimension)
		api.GET("/performance/by-path/:site", statsHandlers.GetPerformanceByPath)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	go func() {
		log.Printf("Analytics API server starting on http://localhost:%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	// Deferred stops drain the queue and release connections.
	log.Println("Server exiting.")
}

// startSessionPruner deletes stale session rows every maxIdle interval.
func startSessionPruner(sessions *store.SessionStore, maxIdle time.Duration) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(maxIdle)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if n, err := sessions.PruneStale(ctx, maxIdle); err != nil {
					log.Printf("Error pruning stale sessions: %v", err)
				} else if n > 0 {
					log.Printf("Pruned %d stale sessions.", n)
				}
				cancel()
			}
		}
	}()
	return stop
}

func envInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.Printf("Invalid %s=%q, using default %d", name, os.Getenv(name), fallback)
	}
	return fallback
}

func envDuration(name string, fallback time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		log.Printf("Invalid %s=%q, using default %s", name, os.Getenv(name), fallback)
	}
	return fallback
}
