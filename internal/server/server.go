// Package server exposes the live session controls and chat history to a local UI.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/user/live-pulse/internal/live"
	"github.com/user/live-pulse/internal/store"
)

// LiveController is the part of live.Controller the server drives.
type LiveController interface {
	Start(ctx context.Context) error
	Stop()
	State() live.State
	Subscribe() (<-chan live.State, func())
}

type ChatReader interface {
	LoadMessages(chatID string) ([]store.Message, error)
	ListChats() ([]store.ChatSummary, error)
}

type Server struct {
	live         LiveController
	chats        ChatReader
	startTimeout time.Duration
}

func NewServer(controller LiveController, chats ChatReader, startTimeout time.Duration) *Server {
	if startTimeout <= 0 {
		startTimeout = 20 * time.Second
	}
	return &Server{
		live:         controller,
		chats:        chats,
		startTimeout: startTimeout,
	}
}

// Routes returns the application handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/live/start", s.handleStart)
	mux.HandleFunc("POST /api/live/stop", s.handleStop)
	mux.HandleFunc("GET /api/live/state", s.handleState)
	mux.HandleFunc("GET /api/chats", s.handleListChats)
	mux.HandleFunc("GET /api/chats/{id}/messages", s.handleMessages)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return securityHeaders(mux)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Start binds addr and serves in the background. A bind failure is returned so the caller
// can exit instead of running without a control surface.
func (s *Server) Start(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	log.Info().Str("addr", ln.Addr().String()).Msg("Starting control server")

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Control server error")
		}
	}()

	return srv, nil
}

// startLive runs Start with the server's startup bound.
func (s *Server) startLive() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.startTimeout)
	defer cancel()
	return s.live.Start(ctx)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.startLive(); err != nil {
		log.Warn().Err(err).Msg("Live session failed to start")
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.live.State())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.live.Stop()
	writeJSON(w, http.StatusOK, s.live.State())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.live.State())
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.chats.ListChats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.chats.LoadMessages(r.PathValue("id"))
	switch {
	case errors.Is(err, store.ErrInvalidChatID):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrChatNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, messages)
	}
}

// statusFor maps a Start error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, live.ErrAlreadyRunning), errors.Is(err, live.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, live.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, live.ErrTransport), errors.Is(err, live.ErrTransportClosed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
