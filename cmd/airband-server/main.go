package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mossy-p/airband/config"
	"github.com/mossy-p/airband/internal/auth"
	"github.com/mossy-p/airband/internal/bus"
	"github.com/mossy-p/airband/internal/server"

	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Select the presence store backend
	store, err := server.NewPresenceStore(cfg)
	if err != nil {
		log.Fatalf("Failed to create presence store: %v", err)
	}
	defer store.Close()

	log.Printf("Presence store backend: %s", cfg.StoreBackend)

	// Select the token verifier backend
	var verifier auth.Verifier
	switch cfg.AuthBackend {
	case "static":
		verifier = auth.NewStaticVerifier(staticTokens())
	default:
		verifier = auth.NewJWTVerifier(cfg.JWTSecret)
	}

	shutdown := bus.NewShutdown()
	registry := server.NewRegistry(verifier, store, cfg.BusCapacity, cfg.InboxCapacity)
	defer registry.Close()

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := server.NewHandler(cfg, registry, shutdown)
	handler.Register(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("Starting signaling server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Block until asked to stop, then drain sessions before exiting.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down")
	shutdown.Fire()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Forced shutdown: %v", err)
	}
}

// staticTokens is the development token table for AUTH_BACKEND=static.
func staticTokens() map[string]string {
	return map[string]string{
		"client1": "token1",
		"client2": "token2",
	}
}
