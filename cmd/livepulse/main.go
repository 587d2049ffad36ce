package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/user/live-pulse/internal/app"
	"github.com/user/live-pulse/internal/config"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logging
	setupLogging(cfg.LogLevel)

	log.Info().Msg("Starting Live Pulse")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	liveApp, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create live assistant")
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- liveApp.Run(ctx)
	}()

	// Wait for shutdown signal
	log.Info().Str("addr", cfg.ListenAddr).Msg("Live Pulse is running. Press Ctrl+C to exit.")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	var runErr error
	select {
	case <-c:
	case runErr = <-runDone:
		if runErr != nil {
			log.Error().Err(runErr).Msg("Live assistant exited")
		}
		runDone <- runErr
	}

	log.Info().Msg("Shutting down...")
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan error, 1)
	go func() {
		<-runDone
		done <- liveApp.Shutdown(shutdownCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("Error during shutdown")
		} else {
			log.Info().Msg("Live Pulse stopped gracefully")
		}
	case <-shutdownCtx.Done():
		log.Warn().Msg("Shutdown timeout exceeded, forcing exit")
	}

	if runErr != nil {
		os.Exit(1)
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Str("level", level).Msg("Logging configured")
}
