package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docqa/internal/app"
	"docqa/internal/config"

	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.SetupLogging(); err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}

	settings, err := config.NewSettingsStore(cfg)
	if err != nil {
		log.Fatalf("Failed to init settings: %v", err)
	}
	saved, err := settings.Load()
	if err != nil {
		log.WithError(err).Warn("Could not read saved settings")
	} else if saved != (config.Settings{}) {
		log.Printf("Loading saved settings from %s", settings.Path())
		cfg.Apply(saved)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to init pipeline: %v", err)
	}
	defer a.Close()
	if err := a.ResolveModel(ctx, cfg); err != nil {
		log.WithError(err).Warn("No default model; clients must pick one")
	}

	sessions, err := app.NewSessionStore(cfg)
	if err != nil {
		log.Fatalf("Failed to init session store: %v", err)
	}
	defer sessions.Close()

	srv := NewServer(cfg, a.Pipeline, sessions, settings, saved)
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Shutdown did not complete")
		}
	}()

	log.Printf("docqa server starting on http://localhost:%d", cfg.Port)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	log.Info("Server stopped")
}
