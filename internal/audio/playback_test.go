package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type playCall struct {
	at      float64
	samples int
}

type fakeOutputClock struct {
	now   float64
	plays []playCall
}

func (c *fakeOutputClock) Now() float64 { return c.now }

func (c *fakeOutputClock) Play(samples []float32, at float64) error {
	c.plays = append(c.plays, playCall{at: at, samples: len(samples)})
	return nil
}

func (c *fakeOutputClock) Close() error { return nil }

func fragment(seconds float64) []byte {
	return Int16ToBytes(make([]int16, int(seconds*OutputSampleRate)))
}

func TestScheduler_EarlyArrivalQueuesBehindCursor(t *testing.T) {
	clock := &fakeOutputClock{}
	s := NewScheduler(clock, OutputSampleRate)

	clock.now = 0.1
	start, err := s.Schedule(fragment(0.5))
	require.NoError(t, err)
	assert.InDelta(t, 0.1, start, 1e-9)
	assert.InDelta(t, 0.6, s.Cursor(), 1e-9)

	clock.now = 0.3
	start, err = s.Schedule(fragment(0.3))
	require.NoError(t, err)
	assert.InDelta(t, 0.6, start, 1e-9)
	assert.InDelta(t, 0.9, s.Cursor(), 1e-9)

	require.Len(t, clock.plays, 2)
	assert.Equal(t, 12000, clock.plays[0].samples)
}

func TestScheduler_LateArrivalStartsNow(t *testing.T) {
	clock := &fakeOutputClock{}
	s := NewScheduler(clock, OutputSampleRate)

	_, err := s.Schedule(fragment(0.2))
	require.NoError(t, err)

	clock.now = 1.0
	start, err := s.Schedule(fragment(0.2))
	require.NoError(t, err)

	assert.InDelta(t, 1.0, start, 1e-9)
	assert.InDelta(t, 1.2, s.Cursor(), 1e-9)
}

func TestScheduler_CursorIsMonotonic(t *testing.T) {
	clock := &fakeOutputClock{}
	s := NewScheduler(clock, OutputSampleRate)

	arrivals := []float64{0, 0.05, 0.05, 0.4, 0.41, 2.0, 2.01}
	durations := []float64{0.1, 0.2, 0.05, 0.3, 0.1, 0.25, 0.1}

	prev := 0.0
	for i := range arrivals {
		clock.now = arrivals[i]
		start, err := s.Schedule(fragment(durations[i]))
		require.NoError(t, err)

		assert.GreaterOrEqual(t, start, prev-1e-9, "fragment %d overlaps the previous one", i)
		assert.GreaterOrEqual(t, start, arrivals[i])
		assert.GreaterOrEqual(t, s.Cursor(), prev)
		prev = s.Cursor()
	}
}

func TestScheduler_MalformedFragmentIsDropped(t *testing.T) {
	clock := &fakeOutputClock{now: 0.2}
	s := NewScheduler(clock, OutputSampleRate)

	_, err := s.Schedule([]byte{0x01, 0x02, 0x03})
	assert.ErrorIs(t, err, ErrDecodeAnomaly)
	_, err = s.Schedule(nil)
	assert.ErrorIs(t, err, ErrDecodeAnomaly)

	assert.Zero(t, s.Cursor())
	assert.Empty(t, clock.plays)
}

func TestScheduler_Reset(t *testing.T) {
	clock := &fakeOutputClock{}
	s := NewScheduler(clock, OutputSampleRate)

	_, err := s.Schedule(fragment(0.5))
	require.NoError(t, err)
	s.Reset()

	assert.Zero(t, s.Cursor())
}
