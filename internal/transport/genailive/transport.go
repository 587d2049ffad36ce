// Package genailive runs live sessions through the google.golang.org/genai SDK.
package genailive

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"github.com/user/live-pulse/internal/audio"
	"github.com/user/live-pulse/internal/live"
)

const defaultSendQueue = 64

type Config struct {
	APIKey            string
	Model             string
	Voice             string
	SystemInstruction string
	SendQueueSize     int
}

// liveConn is the part of *genai.Session the transport uses.
type liveConn interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connectFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveConn, error)

type Transport struct {
	config  Config
	connect connectFunc
}

func NewTransport(ctx context.Context, cfg Config) (*Transport, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueue
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &Transport{
		config: cfg,
		connect: func(ctx context.Context, model string, lc *genai.LiveConnectConfig) (liveConn, error) {
			session, err := client.Live.Connect(ctx, model, lc)
			if err != nil {
				return nil, err
			}
			return session, nil
		},
	}, nil
}

func (t *Transport) connectConfig() *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if t.config.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(t.config.SystemInstruction, genai.RoleUser)
	}
	if t.config.Voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: t.config.Voice},
			},
		}
	}
	return cfg
}

// Connect opens the SDK session. The SDK has sent the setup once Connect returns, so OnOpen
// fires first thing on the receive goroutine.
func (t *Transport) Connect(ctx context.Context, handlers live.Handlers) (live.Session, error) {
	conn, err := t.connect(ctx, t.config.Model, t.connectConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open live session: %w", err)
	}

	s := &session{
		conn:     conn,
		handlers: handlers,
		outbound: make(chan audio.Chunk, t.config.SendQueueSize),
		done:     make(chan struct{}),
	}

	log.Info().Str("model", t.config.Model).Msg("Live SDK session opened")

	go s.run()
	return s, nil
}

type session struct {
	conn     liveConn
	handlers live.Handlers
	events   eventMapper

	outbound chan audio.Chunk
	done     chan struct{}
	closing  atomic.Bool
	once     sync.Once
}

func (s *session) Send(chunk audio.Chunk) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.outbound <- chunk:
	default:
		log.Warn().
			Str("chunk_id", chunk.ID.String()).
			Uint64("seq", chunk.Seq).
			Msg("Send queue full, dropping audio chunk")
	}
}

func (s *session) Close() error {
	var err error
	s.once.Do(func() {
		s.closing.Store(true)
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *session) run() {
	if s.handlers.OnOpen != nil {
		s.handlers.OnOpen(s)
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(s.receiveLoop)
	g.Go(func() error {
		return s.sendLoop(ctx)
	})

	err := g.Wait()
	s.finish(err)
}

func (s *session) receiveLoop() error {
	for {
		msg, err := s.conn.Receive()
		if err != nil {
			return err
		}
		if s.closing.Load() {
			return nil
		}

		events, err := s.events.fromMessage(msg)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping malformed part of server message")
		}
		for _, event := range events {
			if s.closing.Load() {
				return nil
			}
			if s.handlers.OnMessage != nil {
				s.handlers.OnMessage(event)
			}
		}
	}
}

func (s *session) sendLoop(ctx context.Context) error {
	mimeType := fmt.Sprintf("audio/pcm;rate=%d", audio.InputSampleRate)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case chunk := <-s.outbound:
			err := s.conn.SendRealtimeInput(genai.LiveRealtimeInput{
				Audio: &genai.Blob{Data: chunk.Bytes(), MIMEType: mimeType},
			})
			if err != nil {
				if s.closing.Load() {
					return nil
				}
				s.conn.Close()
				return fmt.Errorf("failed to send audio chunk %d: %w", chunk.Seq, err)
			}
		}
	}
}

func (s *session) finish(err error) {
	if s.closing.Load() {
		log.Debug().Msg("Live SDK session closed locally")
		return
	}
	first := false
	s.once.Do(func() {
		first = true
		s.closing.Store(true)
		close(s.done)
		s.conn.Close()
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

// eventMapper converts SDK messages into live events, accumulating transcription deltas.
type eventMapper struct {
	transcripts live.TranscriptAccumulator
}

func (m *eventMapper) fromMessage(msg *genai.LiveServerMessage) ([]live.Event, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: empty message", live.ErrDecodeAnomaly)
	}

	var (
		events  []live.Event
		anomaly error
	)

	if msg.SetupComplete != nil {
		events = append(events, live.Lifecycle{Kind: live.LifecycleSetupComplete})
	}

	if sc := msg.ServerContent; sc != nil {
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			events = append(events, live.UserTranscript{Text: m.transcripts.User(sc.InputTranscription.Text)})
		}

		if sc.ModelTurn != nil {
			for i, p := range sc.ModelTurn.Parts {
				if p == nil || p.InlineData == nil {
					continue
				}
				b := p.InlineData
				if !strings.HasPrefix(b.MIMEType, "audio/pcm") || len(b.Data) == 0 || len(b.Data)%2 != 0 {
					if anomaly == nil {
						anomaly = fmt.Errorf("%w: part %d: %q payload of %d bytes",
							live.ErrDecodeAnomaly, i, b.MIMEType, len(b.Data))
					}
					continue
				}
				m.transcripts.ModelAudio()
				events = append(events, live.AudioFragment{PCM: b.Data})
			}
		}

		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			events = append(events, live.ModelTranscript{Text: m.transcripts.Model(sc.OutputTranscription.Text)})
		}

		if sc.Interrupted {
			m.transcripts.Interrupt()
			events = append(events, live.Lifecycle{Kind: live.LifecycleInterrupted})
		}
		if sc.GenerationComplete {
			events = append(events, live.Lifecycle{Kind: live.LifecycleGenerationComplete})
		}
		if sc.TurnComplete {
			m.transcripts.EndTurn()
			events = append(events, live.Lifecycle{Kind: live.LifecycleTurnComplete})
		}
	}

	if msg.GoAway != nil {
		events = append(events, live.Lifecycle{Kind: live.LifecycleGoAway})
	}

	return events, anomaly
}
