package live

import (
	"errors"

	"github.com/user/live-pulse/internal/audio"
)

var (
	ErrPermissionDenied = audio.ErrPermissionDenied
	ErrDecodeAnomaly    = audio.ErrDecodeAnomaly

	// ErrTransport wraps any failure reported by the remote connection.
	ErrTransport = errors.New("live transport error")
	// ErrTransportClosed is a close the controller did not ask for.
	ErrTransportClosed = errors.New("live transport closed")
	// ErrStopped is returned by Start when Stop ran before the session became active.
	ErrStopped = errors.New("live session stopped")
	// ErrAlreadyRunning is returned by Start outside the Idle phase.
	ErrAlreadyRunning = errors.New("live session already running")
)
