// Package app wires configuration into a running live assistant.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/user/live-pulse/internal/audio"
	"github.com/user/live-pulse/internal/config"
	"github.com/user/live-pulse/internal/live"
	"github.com/user/live-pulse/internal/server"
	"github.com/user/live-pulse/internal/store"
	"github.com/user/live-pulse/internal/summariser/gemini"
	"github.com/user/live-pulse/internal/transport/genailive"
	"github.com/user/live-pulse/internal/transport/websocket"
)

type App struct {
	config     *config.Config
	store      *store.FileStore
	summariser *gemini.GeminiSummariser
	history    *History
	controller *live.Controller
	server     *server.Server

	httpServer *http.Server
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	// Create store
	fileStore, err := store.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	chatID := cfg.ChatID
	if chatID == "" {
		chatID = store.GenerateChatID()
	}

	var archiver ChatArchiver
	if cfg.ArchiveEnabled() {
		a, err := store.NewArchiver(store.S3Config{
			Endpoint:        cfg.ArchiveS3Endpoint,
			Region:          cfg.ArchiveS3Region,
			Bucket:          cfg.ArchiveS3Bucket,
			Prefix:          cfg.ArchiveS3Prefix,
			AccessKeyID:     cfg.ArchiveS3AccessKeyID,
			SecretAccessKey: cfg.ArchiveS3SecretAccessKey,
		}, fileStore)
		if err != nil {
			return nil, fmt.Errorf("failed to create archiver: %w", err)
		}
		archiver = a
	}

	// Create summariser
	var (
		summariser *gemini.GeminiSummariser
		recapper   Recapper
	)
	if cfg.RecapEnabled {
		summariser, err = gemini.NewGeminiSummariser(cfg.GenAIAPIKey, cfg.RecapModel)
		if err != nil {
			return nil, fmt.Errorf("failed to create summariser: %w", err)
		}
		recapper = summariser
	}

	mode := live.AssistantMode(cfg.AssistantMode)
	transport, err := newTransport(ctx, cfg, live.SystemInstruction(mode))
	if err != nil {
		return nil, err
	}

	history := NewHistory(chatID, mode, fileStore, recapper, archiver)

	controller := live.NewController(audio.NewPortAudioDevice(), transport, live.Options{
		BlockSize:       cfg.InputBlockSize,
		FFTSize:         cfg.AnalyzerFFTSize,
		AnalyzeInterval: cfg.AnalyzerInterval(),
		Sink:            history,
	})

	log.Info().
		Str("backend", cfg.LiveBackend).
		Str("model", cfg.LiveModel).
		Str("mode", cfg.AssistantMode).
		Str("chat_id", chatID).
		Bool("recap", cfg.RecapEnabled).
		Bool("archive", cfg.ArchiveEnabled()).
		Msg("Live assistant configured")

	return &App{
		config:     cfg,
		store:      fileStore,
		summariser: summariser,
		history:    history,
		controller: controller,
		server:     server.NewServer(controller, fileStore, cfg.ConnectTimeout()),
	}, nil
}

func newTransport(ctx context.Context, cfg *config.Config, instruction string) (live.Transport, error) {
	switch cfg.LiveBackend {
	case "websocket":
		t, err := websocket.NewTransport(websocket.Config{
			Endpoint:          cfg.LiveEndpoint,
			APIKey:            cfg.GenAIAPIKey,
			Model:             cfg.LiveModel,
			Voice:             cfg.LiveVoice,
			SystemInstruction: instruction,
			SetupTimeout:      cfg.ConnectTimeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create websocket transport: %w", err)
		}
		return t, nil
	case "genai":
		t, err := genailive.NewTransport(ctx, genailive.Config{
			APIKey:            cfg.GenAIAPIKey,
			Model:             cfg.LiveModel,
			Voice:             cfg.LiveVoice,
			SystemInstruction: instruction,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create genai transport: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported live backend: %s", cfg.LiveBackend)
	}
}

// Run serves the control surface and records history until ctx is done.
func (a *App) Run(ctx context.Context) error {
	httpServer, err := a.server.Start(a.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to start control server: %w", err)
	}
	a.httpServer = httpServer

	g, ctx := errgroup.WithContext(ctx)

	// History outlives ctx so the final SessionEnded of the stop below is still recorded.
	historyCtx, cancelHistory := context.WithCancel(context.Background())
	g.Go(func() error {
		return a.history.Run(historyCtx)
	})

	log.Info().
		Str("addr", a.config.ListenAddr).
		Str("chat_id", a.history.ChatID()).
		Msg("Live assistant ready")

	g.Go(func() error {
		<-ctx.Done()
		a.controller.Stop()
		cancelHistory()
		return nil
	})

	return g.Wait()
}

// Shutdown stops the live session and the control server.
func (a *App) Shutdown(ctx context.Context) error {
	a.controller.Stop()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down control server: %w", err)
		}
	}

	if a.summariser != nil {
		a.summariser.Close()
	}

	log.Info().Msg("Live assistant stopped")
	return nil
}
