package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"voicebridge/config"
	"voicebridge/server"
	"voicebridge/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	sessionManager, err := session.NewManager(cfg)
	if err != nil {
		log.Fatalf("Failed to create session manager: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, sessionManager)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		sessionManager.StartCleanupRoutine(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Println("received shutdown signal...")
		// Stop accepting new connections. In-flight sessions are left to
		// finish on their own; we only wait out the listener.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server stopped")
}
