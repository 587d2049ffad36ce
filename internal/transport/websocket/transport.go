// Package websocket talks to the Gemini Live BidiGenerateContent endpoint over a raw
// websocket connection.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/user/live-pulse/internal/audio"
	"github.com/user/live-pulse/internal/live"
)

const (
	DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	// MaxMessageSize bounds a single server frame (16MB).
	MaxMessageSize = 16 * 1024 * 1024

	defaultSendQueue    = 64
	defaultSetupTimeout = 15 * time.Second
	writeTimeout        = 10 * time.Second
)

type Config struct {
	Endpoint          string
	APIKey            string
	Model             string
	Voice             string
	SystemInstruction string
	// SendQueueSize bounds outbound chunks waiting for the writer; extra chunks are dropped.
	SendQueueSize int
	SetupTimeout  time.Duration
}

// Transport dials one websocket per live session.
type Transport struct {
	config Config
	dialer *websocket.Dialer
}

func NewTransport(cfg Config) (*Transport, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueue
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = defaultSetupTimeout
	}

	return &Transport{
		config: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.SetupTimeout,
		},
	}, nil
}

// Connect dials and sends the setup frame. OnOpen fires from the reader once the server
// acknowledges the setup. ctx only bounds the dial.
func (t *Transport) Connect(ctx context.Context, handlers live.Handlers) (live.Session, error) {
	header := http.Header{}
	header.Set("x-goog-api-key", t.config.APIKey)

	conn, resp, err := t.dialer.DialContext(ctx, t.config.Endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial live endpoint (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial live endpoint: %w", err)
	}
	conn.SetReadLimit(MaxMessageSize)

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(newSetupMessage(t.config)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send setup message: %w", err)
	}

	s := &session{
		conn:     conn,
		handlers: handlers,
		outbound: make(chan audio.Chunk, t.config.SendQueueSize),
		done:     make(chan struct{}),
	}

	log.Info().
		Str("endpoint", t.config.Endpoint).
		Str("model", t.config.Model).
		Msg("Live websocket connected, waiting for setup")

	go s.run(t.config.SetupTimeout)
	return s, nil
}

type session struct {
	conn     *websocket.Conn
	handlers live.Handlers
	decoder  decoder

	outbound chan audio.Chunk
	done     chan struct{}
	closing  atomic.Bool
	once     sync.Once
	dropped  atomic.Uint64
}

// Send never blocks. Chunks are dropped when the writer falls behind or the session ended.
func (s *session) Send(chunk audio.Chunk) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.outbound <- chunk:
	default:
		n := s.dropped.Add(1)
		log.Warn().
			Str("chunk_id", chunk.ID.String()).
			Uint64("seq", chunk.Seq).
			Uint64("dropped_total", n).
			Msg("Send queue full, dropping audio chunk")
	}
}

// Close is idempotent. After it returns no handler fires for this session.
func (s *session) Close() error {
	var err error
	s.once.Do(func() {
		s.closing.Store(true)
		close(s.done)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

func (s *session) run(setupTimeout time.Duration) {
	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		return s.readLoop(setupTimeout)
	})
	g.Go(func() error {
		return s.writeLoop(ctx)
	})

	err := g.Wait()
	s.conn.Close()
	s.finish(err)
}

func (s *session) readLoop(setupTimeout time.Duration) error {
	opened := false
	s.conn.SetReadDeadline(time.Now().Add(setupTimeout))

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if !opened && errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("setup not acknowledged within %s: %w", setupTimeout, err)
			}
			return err
		}
		if s.closing.Load() {
			return nil
		}

		events, err := s.decoder.decode(data)
		if err != nil {
			log.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping malformed part of server message")
		}

		for _, event := range events {
			if lc, ok := event.(live.Lifecycle); ok && lc.Kind == live.LifecycleSetupComplete && !opened {
				opened = true
				s.conn.SetReadDeadline(time.Time{})
				log.Info().Msg("Live session setup complete")
				if s.handlers.OnOpen != nil {
					s.handlers.OnOpen(s)
				}
				continue
			}
			if s.closing.Load() {
				return nil
			}
			if s.handlers.OnMessage != nil {
				s.handlers.OnMessage(event)
			}
		}
	}
}

func (s *session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case chunk := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(newAudioMessage(chunk)); err != nil {
				if s.closing.Load() {
					return nil
				}
				// Unblock the reader.
				s.conn.Close()
				return fmt.Errorf("failed to send audio chunk %d: %w", chunk.Seq, err)
			}
		}
	}
}

// finish reports an unrequested end of the session exactly once.
func (s *session) finish(err error) {
	if s.closing.Load() {
		log.Debug().Msg("Live websocket closed locally")
		return
	}
	first := false
	s.once.Do(func() {
		first = true
		s.closing.Store(true)
		close(s.done)
	})
	if !first {
		return
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) &&
		(closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
		reason := closeErr.Text
		if reason == "" {
			reason = "code " + strconv.Itoa(closeErr.Code)
		}
		if s.handlers.OnClose != nil {
			s.handlers.OnClose(reason)
		}
		return
	}

	if err == nil {
		err = errors.New("connection ended")
	}
	if s.handlers.OnError != nil {
		s.handlers.OnError(err)
	}
}
