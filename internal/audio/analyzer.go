package audio

import (
	"context"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Vibe is a coarse loudness tier used for UI feedback.
type Vibe string

const (
	VibeSilent    Vibe = "silent"
	VibeCalm      Vibe = "calm"
	VibeEnergetic Vibe = "energetic"
	VibeIntense   Vibe = "intense"
)

// Tier boundaries on the 0-255 byte magnitude scale.
const (
	SilentBelow    = 2.0
	EnergeticAbove = 35.0
	IntenseAbove   = 70.0
)

const (
	DefaultFFTSize         = 64
	DefaultAnalyzeInterval = 100 * time.Millisecond

	minDecibels        = -100.0
	maxDecibels        = -30.0
	smoothingTimeConst = 0.8
)

// VibeFor maps a mean byte magnitude to its tier.
func VibeFor(mean float64) Vibe {
	switch {
	case mean > IntenseAbove:
		return VibeIntense
	case mean > EnergeticAbove:
		return VibeEnergetic
	case mean >= SilentBelow:
		return VibeCalm
	default:
		return VibeSilent
	}
}

// LevelSample is one analyzer reading.
type LevelSample struct {
	Mean  float64
	Level float64 // Mean normalized to [0, 1]
	Vibe  Vibe
}

// Analyzer keeps the newest window of input samples and periodically reduces it to a
// loudness reading. It only copies samples on the tap and never blocks the device callback
// for longer than that copy.
type Analyzer struct {
	fftSize  int
	interval time.Duration
	onSample func(LevelSample)

	fft      *fourier.FFT
	window   []float64
	smoothed []float64
	frame    []float64

	ring  []float32
	pos   int
	mutex sync.Mutex

	untap func()
}

func NewAnalyzer(fftSize int, interval time.Duration, onSample func(LevelSample)) *Analyzer {
	if fftSize <= 0 || fftSize&(fftSize-1) != 0 {
		fftSize = DefaultFFTSize
	}
	if interval <= 0 {
		interval = DefaultAnalyzeInterval
	}

	window := make([]float64, fftSize)
	for n := range window {
		x := 2 * math.Pi * float64(n) / float64(fftSize)
		window[n] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}

	return &Analyzer{
		fftSize:  fftSize,
		interval: interval,
		onSample: onSample,
		fft:      fourier.NewFFT(fftSize),
		window:   window,
		smoothed: make([]float64, fftSize/2),
		frame:    make([]float64, fftSize),
		ring:     make([]float32, fftSize),
	}
}

// Attach taps the clock without consuming its samples.
func (a *Analyzer) Attach(clock InputClock) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.untap != nil {
		return
	}
	a.untap = clock.Tap(a.write)
}

// Detach removes the tap. Safe to call repeatedly.
func (a *Analyzer) Detach() {
	a.mutex.Lock()
	untap := a.untap
	a.untap = nil
	a.mutex.Unlock()

	if untap != nil {
		untap()
	}
}

func (a *Analyzer) write(samples []float32) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if len(samples) >= len(a.ring) {
		copy(a.ring, samples[len(samples)-len(a.ring):])
		a.pos = 0
		return
	}
	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos = (a.pos + 1) % len(a.ring)
	}
}

// Run reports a reading every interval until ctx is done.
func (a *Analyzer) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample := a.Measure()
			if a.onSample != nil {
				a.onSample(sample)
			}
		}
	}
}

// Measure computes the mean byte magnitude over the frequency bins of the current window.
func (a *Analyzer) Measure() LevelSample {
	a.mutex.Lock()
	for i := range a.frame {
		a.frame[i] = float64(a.ring[(a.pos+i)%len(a.ring)]) * a.window[i]
	}
	a.mutex.Unlock()

	coeffs := a.fft.Coefficients(nil, a.frame)

	var sum float64
	for k := range a.smoothed {
		magnitude := cmplxAbs(coeffs[k]) / float64(a.fftSize)
		a.smoothed[k] = smoothingTimeConst*a.smoothed[k] + (1-smoothingTimeConst)*magnitude
		sum += byteMagnitude(a.smoothed[k])
	}

	mean := sum / float64(len(a.smoothed))
	return LevelSample{
		Mean:  mean,
		Level: mean / 255,
		Vibe:  VibeFor(mean),
	}
}

func byteMagnitude(linear float64) float64 {
	if linear <= 0 {
		return 0
	}
	db := 20 * math.Log10(linear)
	scaled := math.Floor(255 / (maxDecibels - minDecibels) * (db - minDecibels))
	return math.Max(0, math.Min(255, scaled))
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}
