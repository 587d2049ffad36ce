package audio

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	// InputSampleRate is the capture rate expected by the live model.
	InputSampleRate = 16000
	// OutputSampleRate is the rate of synthesized audio coming back.
	OutputSampleRate = 24000
	Channels         = 1 // Mono

	// DefaultBlockSize matches the browser processing block the live model was tuned with.
	DefaultBlockSize = 4096
)

var (
	// ErrPermissionDenied is returned when the microphone cannot be acquired.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrDecodeAnomaly marks an inbound fragment that cannot be played.
	ErrDecodeAnomaly = errors.New("malformed audio fragment")
)

// Chunk is one fixed-size block of captured audio
type Chunk struct {
	ID       uuid.UUID
	Seq      uint64
	PCM      []int16
	Captured time.Time
}

// Bytes returns the chunk as little-endian PCM16.
func (c Chunk) Bytes() []byte {
	return Int16ToBytes(c.PCM)
}

// Microphone is a granted input device. Closing it releases the device.
type Microphone interface {
	Name() string
	Close() error
}

// InputClock delivers capture blocks to every registered tap.
// Taps run on the device callback and must not block.
type InputClock interface {
	Tap(fn func(samples []float32)) (untap func())
	Close() error
}

// OutputClock plays buffers at absolute positions on its own timeline.
type OutputClock interface {
	// Now is the current playback position in seconds.
	Now() float64
	Play(samples []float32, at float64) error
	Close() error
}

// Device opens the microphone and the two audio clocks of a live session.
type Device interface {
	OpenMicrophone() (Microphone, error)
	OpenInputClock(mic Microphone, sampleRate, blockSize int) (InputClock, error)
	OpenOutputClock(sampleRate int) (OutputClock, error)
}
