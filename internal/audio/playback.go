package audio

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Scheduler plays fragments back-to-back on an output clock.
// Each fragment starts at max(now, cursor), so network jitter never produces gaps between
// fragments that arrive early or overlaps between fragments that arrive together.
type Scheduler struct {
	clock      OutputClock
	sampleRate int

	cursor float64
	mutex  sync.Mutex
}

func NewScheduler(clock OutputClock, sampleRate int) *Scheduler {
	if sampleRate <= 0 {
		sampleRate = OutputSampleRate
	}
	return &Scheduler{
		clock:      clock,
		sampleRate: sampleRate,
	}
}

// Schedule decodes one PCM16 fragment and queues it. It returns the start time used.
// A malformed fragment leaves the cursor untouched.
func (s *Scheduler) Schedule(pcm []byte) (float64, error) {
	samples, err := DecodePCM16(pcm)
	if err != nil {
		return 0, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	start := s.cursor
	if now := s.clock.Now(); now > start {
		start = now
	}
	if err := s.clock.Play(samples, start); err != nil {
		return 0, fmt.Errorf("failed to schedule playback: %w", err)
	}
	s.cursor = start + DurationSeconds(len(samples), s.sampleRate)

	log.Debug().
		Float64("start", start).
		Float64("cursor", s.cursor).
		Int("samples", len(samples)).
		Msg("Scheduled playback")

	return start, nil
}

// Cursor is the end time of the last scheduled fragment.
func (s *Scheduler) Cursor() float64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.cursor
}

// Reset rewinds the cursor. Only valid at session boundaries.
func (s *Scheduler) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.cursor = 0
}
