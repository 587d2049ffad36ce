// Package live runs the real-time voice session: it owns the session lifecycle, routes
// model events to playback and transcript state, and publishes that state to the UI.
package live

import (
	"context"

	"github.com/user/live-pulse/internal/audio"
)

// Event is one validated inbound message from the model.
type Event interface {
	isEvent()
}

// AudioFragment carries raw PCM16 LE audio at the output sample rate.
type AudioFragment struct {
	PCM []byte
}

// UserTranscript is the current text of what the user is saying.
type UserTranscript struct {
	Text string
}

// ModelTranscript is the current text of what the model is saying.
type ModelTranscript struct {
	Text string
}

type LifecycleKind string

const (
	LifecycleSetupComplete      LifecycleKind = "setup_complete"
	LifecycleTurnComplete       LifecycleKind = "turn_complete"
	LifecycleInterrupted        LifecycleKind = "interrupted"
	LifecycleGenerationComplete LifecycleKind = "generation_complete"
	LifecycleGoAway             LifecycleKind = "go_away"
)

// Lifecycle is a protocol notice with no payload the session depends on.
type Lifecycle struct {
	Kind LifecycleKind
}

func (AudioFragment) isEvent()   {}
func (UserTranscript) isEvent()  {}
func (ModelTranscript) isEvent() {}
func (Lifecycle) isEvent()       {}

// Handlers are invoked by a transport from a single goroutine per session, in the order
// the model produced the events. OnOpen receives the session so the caller can start
// sending even if the handshake completes before Connect returns.
type Handlers struct {
	OnOpen    func(Session)
	OnMessage func(Event)
	OnClose   func(reason string)
	OnError   func(err error)
}

// Session is an open duplex channel to the model.
type Session interface {
	// Send queues a chunk without blocking. Delivery is best effort.
	Send(chunk audio.Chunk)
	// Close ends the channel. It is idempotent and suppresses later OnClose/OnError calls.
	Close() error
}

// Transport opens live sessions.
type Transport interface {
	Connect(ctx context.Context, handlers Handlers) (Session, error)
}
