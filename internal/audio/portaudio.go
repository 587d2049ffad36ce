package audio

import (
	"fmt"
	"math"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog/log"
)

// PortAudioDevice backs a live session with the host's default input and output devices.
type PortAudioDevice struct{}

func NewPortAudioDevice() *PortAudioDevice {
	return &PortAudioDevice{}
}

type paMicrophone struct {
	info      *portaudio.DeviceInfo
	closeOnce sync.Once
}

func (m *paMicrophone) Name() string { return m.info.Name }

func (m *paMicrophone) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = portaudio.Terminate()
	})
	return err
}

func (d *PortAudioDevice) OpenMicrophone() (Microphone, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize audio host: %w", err)
	}

	info, err := portaudio.DefaultInputDevice()
	if err != nil || info == nil || info.MaxInputChannels < Channels {
		portaudio.Terminate()
		if err == nil {
			err = fmt.Errorf("no input channels")
		}
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	log.Info().Str("device", info.Name).Msg("Microphone acquired")
	return &paMicrophone{info: info}, nil
}

type paInputClock struct {
	stream *portaudio.Stream

	taps    map[int]func([]float32)
	nextTap int
	mutex   sync.Mutex

	closeOnce sync.Once
}

func (d *PortAudioDevice) OpenInputClock(mic Microphone, sampleRate, blockSize int) (InputClock, error) {
	m, ok := mic.(*paMicrophone)
	if !ok {
		return nil, fmt.Errorf("microphone was not opened by this device")
	}

	params := portaudio.LowLatencyParameters(m.info, nil)
	params.Input.Channels = Channels
	params.SampleRate = float64(sampleRate)
	params.FramesPerBuffer = blockSize

	clock := &paInputClock{taps: make(map[int]func([]float32))}
	stream, err := portaudio.OpenStream(params, clock.process)
	if err != nil {
		return nil, fmt.Errorf("failed to open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to start input stream: %w", err)
	}
	clock.stream = stream

	return clock, nil
}

func (c *paInputClock) process(in []float32) {
	block := make([]float32, len(in))
	copy(block, in)

	c.mutex.Lock()
	taps := make([]func([]float32), 0, len(c.taps))
	for _, fn := range c.taps {
		taps = append(taps, fn)
	}
	c.mutex.Unlock()

	for _, fn := range taps {
		fn(block)
	}
}

func (c *paInputClock) Tap(fn func([]float32)) func() {
	c.mutex.Lock()
	id := c.nextTap
	c.nextTap++
	c.taps[id] = fn
	c.mutex.Unlock()

	return func() {
		c.mutex.Lock()
		delete(c.taps, id)
		c.mutex.Unlock()
	}
}

func (c *paInputClock) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mutex.Lock()
		c.taps = make(map[int]func([]float32))
		c.mutex.Unlock()

		if stopErr := c.stream.Stop(); stopErr != nil {
			err = stopErr
		}
		if closeErr := c.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}

type scheduledBuffer struct {
	startFrame int64
	samples    []float32
}

// paOutputClock renders a timeline of scheduled buffers. Its clock is the number of frames
// handed to the device, so Now advances only while the stream runs.
type paOutputClock struct {
	stream     *portaudio.Stream
	sampleRate int

	frame int64
	queue []scheduledBuffer
	mutex sync.Mutex

	closeOnce sync.Once
}

func (d *PortAudioDevice) OpenOutputClock(sampleRate int) (OutputClock, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize audio host: %w", err)
	}

	info, err := portaudio.DefaultOutputDevice()
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to find output device: %w", err)
	}

	params := portaudio.LowLatencyParameters(nil, info)
	params.Output.Channels = Channels
	params.SampleRate = float64(sampleRate)

	clock := &paOutputClock{sampleRate: sampleRate}
	stream, err := portaudio.OpenStream(params, clock.render)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to start output stream: %w", err)
	}
	clock.stream = stream

	return clock, nil
}

func (c *paOutputClock) Now() float64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return float64(c.frame) / float64(c.sampleRate)
}

func (c *paOutputClock) Play(samples []float32, at float64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	start := int64(math.Round(at * float64(c.sampleRate)))
	if start < c.frame {
		start = c.frame
	}
	c.queue = append(c.queue, scheduledBuffer{startFrame: start, samples: samples})
	return nil
}

func (c *paOutputClock) render(out []float32) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for i := range out {
		t := c.frame + int64(i)
		out[i] = 0
		for len(c.queue) > 0 {
			head := c.queue[0]
			if t < head.startFrame {
				break
			}
			idx := t - head.startFrame
			if idx < int64(len(head.samples)) {
				out[i] = head.samples[idx]
				break
			}
			c.queue = c.queue[1:]
		}
	}
	c.frame += int64(len(out))
}

func (c *paOutputClock) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if stopErr := c.stream.Stop(); stopErr != nil {
			err = stopErr
		}
		if closeErr := c.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		portaudio.Terminate()

		c.mutex.Lock()
		c.queue = nil
		c.mutex.Unlock()
	})
	return err
}
