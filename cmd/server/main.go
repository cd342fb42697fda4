package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"stardust/internal/commands"
	"stardust/internal/config"
	"stardust/internal/db"
	"stardust/internal/events"
	"stardust/internal/handlers"
	"stardust/internal/middleware"
	"stardust/internal/nodes"
	"stardust/internal/notify"
	"stardust/internal/presence"
	"stardust/internal/push"
)

func main() {
	cfg := config.Load()

	// A bad code formula should stop the server at startup, not surface as
	// login failures later.
	if _, err := nodes.ParseFormula(cfg.NodeCodeFormula); err != nil {
		log.Fatalf("❌ %v", err)
	}

	if err := db.Init(cfg.DBPath); err != nil {
		log.Fatalf("❌ %v", err)
	}
	defer db.DB.Close()
	fmt.Printf("✅ Database connected (%s)\n", cfg.DBPath)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("❌ Redis connection failed (%s): %v", cfg.RedisAddr, err)
	}
	cancel()
	fmt.Printf("✅ Redis connected (%s)\n", cfg.RedisAddr)

	hostname, _ := os.Hostname()

	bus := events.NewBus()

	dispatcher := notify.NewDispatcher(cfg.NotifyURLs, nil)
	dispatcher.Start(bus)
	defer dispatcher.Stop()

	tracker := presence.NewTracker(db.DB, rdb, presence.DefaultTTL, hostname)
	tracker.SetOfflineFunc(func(node *nodes.Node, reason string) {
		bus.Publish(events.Event{
			Type:     events.NodeOffline,
			Severity: events.SeverityInfo,
			NodeCode: node.Code,
			Message:  fmt.Sprintf("node %s offline: %s", node.Code, reason),
		})
	})

	cmdDispatcher := commands.NewDispatcher(db.DB)

	hub := push.NewHub(rdb, func(tok string) (*nodes.Node, error) {
		return handlers.ResolveToken(tok)
	})

	api := &handlers.NodeAPI{
		Tracker:    tracker,
		Dispatcher: cmdDispatcher,
		Hub:        hub,
		Bus:        bus,
		Creator:    hostname,
	}

	// Reap sessions whose heartbeats stopped without a logout.
	sweepStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepStop:
				return
			case <-ticker.C:
				if n := tracker.Sweep(context.Background()); n > 0 {
					log.Printf("🧹 Reaped %d stale online sessions", n)
				}
			}
		}
	}()
	defer close(sweepStop)

	loginLimiter := middleware.NewRateLimiter(30, time.Minute)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Stardust server is online"))
	})

	// Agent-facing surface
	mux.HandleFunc("POST /node/login", loginLimiter.Limit(api.Login))
	mux.HandleFunc("GET /node/logout", api.Logout)
	mux.HandleFunc("POST /node/logout", api.Logout)
	mux.HandleFunc("POST /node/ping", api.Ping)
	mux.HandleFunc("GET /node/ping", api.PingAnonymous)
	mux.HandleFunc("POST /node/report", api.Report)
	mux.HandleFunc("GET /node/upgrade", api.Upgrade)
	mux.HandleFunc("GET /node/notify", hub.HandleNotify)

	// Admin surface
	mux.HandleFunc("GET /api/nodes", api.ListNodes)
	mux.HandleFunc("GET /api/nodes/{code}/history", api.NodeHistory)
	mux.HandleFunc("POST /api/nodes/{code}/commands", api.SendCommand)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: middleware.Logging(middleware.CORS(mux)),
	}

	go func() {
		fmt.Printf("Stardust server listening on port %s...\n", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	hub.CloseAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Shutdown: %v", err)
	}
}
