package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/user/live-pulse/internal/audio"
)

// Turn is one completed exchange, as last shown to the user.
type Turn struct {
	User  string
	Model string
	Ended time.Time
}

// TurnSink receives finished turns. Implementations must not block.
type TurnSink interface {
	RecordTurn(sessionID string, turn Turn)
	SessionEnded(sessionID string, turns int)
}

type Options struct {
	InputSampleRate  int
	OutputSampleRate int
	BlockSize        int
	FFTSize          int
	AnalyzeInterval  time.Duration
	Sink             TurnSink
}

func (o *Options) defaults() {
	if o.InputSampleRate <= 0 {
		o.InputSampleRate = audio.InputSampleRate
	}
	if o.OutputSampleRate <= 0 {
		o.OutputSampleRate = audio.OutputSampleRate
	}
	if o.BlockSize <= 0 {
		o.BlockSize = audio.DefaultBlockSize
	}
	if o.FFTSize <= 0 {
		o.FFTSize = audio.DefaultFFTSize
	}
	if o.AnalyzeInterval <= 0 {
		o.AnalyzeInterval = audio.DefaultAnalyzeInterval
	}
}

// Controller owns the live session lifecycle:
//
//	Idle --Start--> Connecting --open--> Active --Stop|close|error--> Idle
//
// All state mutation happens under one mutex. Every handler is bound to the session it was
// created for and becomes a no-op once that session has been torn down.
type Controller struct {
	device    audio.Device
	transport Transport
	opts      Options

	state   State
	current *liveSession
	subs    map[int]chan State
	nextSub int
	mutex   sync.Mutex
}

// liveSession holds everything acquired for one run. It is dropped entirely at teardown.
type liveSession struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mic       audio.Microphone
	input     audio.InputClock
	output    audio.OutputClock
	scheduler *audio.Scheduler
	analyzer  *audio.Analyzer
	capture   *audio.CaptureSource
	conn      Session

	reconciler   Reconciler
	energyActive bool
	turnRecorded bool
	turns        int

	opened      chan error
	openOnce    sync.Once
	releaseOnce sync.Once
}

func NewController(device audio.Device, transport Transport, opts Options) *Controller {
	opts.defaults()
	return &Controller{
		device:    device,
		transport: transport,
		opts:      opts,
		state:     IdleState(),
		subs:      make(map[int]chan State),
	}
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

// Subscribe delivers the latest state on every change. Slow readers only miss
// intermediate values. The returned func unsubscribes and closes the channel.
func (c *Controller) Subscribe() (<-chan State, func()) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan State, 1)
	ch <- c.state
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mutex.Lock()
			defer c.mutex.Unlock()
			delete(c.subs, id)
			close(ch)
		})
	}
}

// Start opens a session and returns once it is active, or with the first startup error.
// ctx bounds the startup only; the session lives until Stop or a transport failure.
func (c *Controller) Start(ctx context.Context) error {
	c.mutex.Lock()
	if c.current != nil {
		c.mutex.Unlock()
		return ErrAlreadyRunning
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &liveSession{
		id:     uuid.New().String(),
		ctx:    sessionCtx,
		cancel: cancel,
		opened: make(chan error, 1),
	}
	c.current = s
	c.state = IdleState()
	c.state.SessionID = s.id
	c.state.Phase = PhaseConnecting
	c.state.SpeakingStatus = StatusProcessing
	c.publishLocked()
	c.mutex.Unlock()

	log.Info().Str("session_id", s.id).Msg("Starting live session")

	if err := c.acquire(s); err != nil {
		if errors.Is(err, ErrStopped) {
			return s.wait()
		}
		c.stopSession(s, err)
		return err
	}

	conn, err := c.transport.Connect(ctx, c.handlers(s))
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrTransport, err)
		c.stopSession(s, err)
		return err
	}

	if !c.own(s, func() {
		if s.conn == nil {
			s.conn = conn
		}
	}) {
		closeQuietly(s.id, "transport", conn)
		return s.wait()
	}

	select {
	case err := <-s.opened:
		return err
	case <-ctx.Done():
		c.stopSession(s, ctx.Err())
		return ctx.Err()
	}
}

// Stop tears the session down. It is idempotent and safe from any goroutine and in any
// phase, including while Start is still connecting.
func (c *Controller) Stop() {
	c.mutex.Lock()
	s := c.current
	c.mutex.Unlock()

	if s == nil {
		log.Debug().Msg("Stop requested with no live session")
		return
	}
	c.stopSession(s, ErrStopped)
}

func (c *Controller) acquire(s *liveSession) error {
	mic, err := c.device.OpenMicrophone()
	if err != nil {
		if !errors.Is(err, ErrPermissionDenied) {
			err = fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		log.Warn().Str("session_id", s.id).Err(err).Msg("Microphone unavailable")
		return err
	}
	if !c.own(s, func() { s.mic = mic }) {
		closeQuietly(s.id, "microphone", mic)
		return ErrStopped
	}

	input, err := c.device.OpenInputClock(mic, c.opts.InputSampleRate, c.opts.BlockSize)
	if err != nil {
		return fmt.Errorf("failed to open input clock: %w", err)
	}
	if !c.own(s, func() { s.input = input }) {
		closeQuietly(s.id, "input clock", input)
		return ErrStopped
	}

	output, err := c.device.OpenOutputClock(c.opts.OutputSampleRate)
	if err != nil {
		return fmt.Errorf("failed to open output clock: %w", err)
	}

	analyzer := audio.NewAnalyzer(c.opts.FFTSize, c.opts.AnalyzeInterval, func(sample audio.LevelSample) {
		c.onLevel(s, sample)
	})
	if !c.own(s, func() {
		s.output = output
		s.scheduler = audio.NewScheduler(output, c.opts.OutputSampleRate)
		s.analyzer = analyzer
		analyzer.Attach(input)
	}) {
		closeQuietly(s.id, "output clock", output)
		return ErrStopped
	}
	go analyzer.Run(s.ctx)

	return nil
}

// own runs fn under the lock if s is still the current session.
func (c *Controller) own(s *liveSession, fn func()) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.current != s {
		return false
	}
	fn()
	return true
}

func (c *Controller) handlers(s *liveSession) Handlers {
	return Handlers{
		OnOpen: func(conn Session) {
			c.onOpen(s, conn)
		},
		OnMessage: func(event Event) {
			c.onMessage(s, event)
		},
		OnClose: func(reason string) {
			log.Info().Str("session_id", s.id).Str("reason", reason).Msg("Live transport closed by remote")
			c.stopSession(s, fmt.Errorf("%w: %s", ErrTransportClosed, reason))
		},
		OnError: func(err error) {
			log.Error().Str("session_id", s.id).Err(err).Msg("Live transport failed")
			c.stopSession(s, fmt.Errorf("%w: %w", ErrTransport, err))
		},
	}
}

func (c *Controller) onOpen(s *liveSession, conn Session) {
	c.mutex.Lock()
	if c.current != s {
		c.mutex.Unlock()
		return
	}
	if s.conn == nil {
		s.conn = conn
	}

	capture := audio.NewCaptureSource(c.opts.BlockSize, conn.Send)
	if err := capture.Start(s.input); err != nil {
		c.mutex.Unlock()
		c.stopSession(s, fmt.Errorf("failed to start capture: %w", err))
		return
	}
	s.capture = capture

	c.state.Phase = PhaseActive
	c.refreshStatusLocked(s)
	c.publishLocked()
	c.mutex.Unlock()

	log.Info().Str("session_id", s.id).Msg("Live session active")
	s.signalOpen(nil)
}

func (c *Controller) onMessage(s *liveSession, event Event) {
	var finished *Turn

	c.mutex.Lock()
	if c.current != s {
		c.mutex.Unlock()
		return
	}

	switch e := event.(type) {
	case AudioFragment:
		if _, err := s.scheduler.Schedule(e.PCM); err != nil {
			if errors.Is(err, ErrDecodeAnomaly) {
				log.Warn().Str("session_id", s.id).Err(err).Msg("Dropping malformed audio fragment")
			} else {
				log.Error().Str("session_id", s.id).Err(err).Msg("Failed to schedule audio fragment")
			}
		}
		c.mutex.Unlock()
		return

	case UserTranscript, ModelTranscript:
		s.reconciler.Apply(e)
		s.turnRecorded = false
		c.state.UserTranscript = s.reconciler.User
		c.state.ModelTranscript = s.reconciler.Model
		c.refreshStatusLocked(s)
		c.publishLocked()

	case Lifecycle:
		switch e.Kind {
		case LifecycleTurnComplete:
			if !s.turnRecorded && (s.reconciler.User != "" || s.reconciler.Model != "") {
				s.turnRecorded = true
				s.turns++
				finished = &Turn{User: s.reconciler.User, Model: s.reconciler.Model, Ended: time.Now()}
			}
		case LifecycleGoAway:
			log.Warn().Str("session_id", s.id).Msg("Model announced the session will end")
		default:
			log.Debug().Str("session_id", s.id).Str("kind", string(e.Kind)).Msg("Lifecycle notice")
		}
	}
	c.mutex.Unlock()

	if finished != nil && c.opts.Sink != nil {
		c.opts.Sink.RecordTurn(s.id, *finished)
	}
}

func (c *Controller) onLevel(s *liveSession, sample audio.LevelSample) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.current != s {
		return
	}
	s.energyActive = sample.Vibe != audio.VibeSilent
	c.state.AudioLevel = sample.Level
	c.state.Vibe = sample.Vibe
	c.refreshStatusLocked(s)
	c.publishLocked()
}

func (c *Controller) refreshStatusLocked(s *liveSession) {
	if c.state.Phase == PhaseConnecting {
		c.state.SpeakingStatus = StatusProcessing
		return
	}
	c.state.SpeakingStatus = s.reconciler.Status(s.energyActive)
}

// stopSession detaches s under the lock and then releases its resources. Only the first
// caller for a given session does any work.
func (c *Controller) stopSession(s *liveSession, cause error) {
	c.mutex.Lock()
	if c.current != s {
		c.mutex.Unlock()
		return
	}
	c.current = nil
	c.state = IdleState()
	c.publishLocked()
	turns := s.turns
	c.mutex.Unlock()

	s.signalOpen(cause)
	s.release()

	log.Info().
		Str("session_id", s.id).
		Int("turns", turns).
		AnErr("cause", cause).
		Msg("Live session stopped")

	if c.opts.Sink != nil {
		c.opts.Sink.SessionEnded(s.id, turns)
	}
}

func (c *Controller) publishLocked() {
	for _, ch := range c.subs {
		select {
		case ch <- c.state:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- c.state:
			default:
			}
		}
	}
}

func (s *liveSession) signalOpen(err error) {
	s.openOnce.Do(func() {
		s.opened <- err
	})
}

func (s *liveSession) wait() error {
	return <-s.opened
}

// release closes everything in dependency order. Closing is best effort: errors are
// logged and never returned.
func (s *liveSession) release() {
	s.releaseOnce.Do(func() {
		s.cancel()
		if s.capture != nil {
			s.capture.Stop()
		}
		if s.analyzer != nil {
			s.analyzer.Detach()
		}
		if s.conn != nil {
			closeQuietly(s.id, "transport", s.conn)
		}
		if s.input != nil {
			closeQuietly(s.id, "input clock", s.input)
		}
		if s.output != nil {
			closeQuietly(s.id, "output clock", s.output)
		}
		if s.scheduler != nil {
			s.scheduler.Reset()
		}
		if s.mic != nil {
			closeQuietly(s.id, "microphone", s.mic)
		}
	})
}

func closeQuietly(sessionID, what string, c io.Closer) {
	if err := c.Close(); err != nil {
		log.Debug().
			Str("session_id", sessionID).
			Str("resource", what).
			Err(err).
			Msg("Ignoring close error")
	}
}
