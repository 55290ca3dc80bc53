package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/ride-dispatch/internal/httpapi"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	srv, err := httpapi.NewServerFromEnv()
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	cfg := srv.Config()

	if cfg.PGDSN != "" && cfg.RunMigrations {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("migration db open error: %v", err)
		}
		if err := pg.Migrate(context.Background()); err != nil {
			log.Fatalf("migration exec error: %v", err)
		}
		log.Printf("migrations applied")
	}

	hs := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("ride-dispatch listening on %s", cfg.HTTPAddr)
		if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
