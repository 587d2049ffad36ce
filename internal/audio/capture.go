package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CaptureSource turns input clock blocks into chunks for a sink.
type CaptureSource struct {
	blockSize int
	sink      func(Chunk)

	chunker *BlockChunker
	untap   func()
	mutex   sync.Mutex
}

func NewCaptureSource(blockSize int, sink func(Chunk)) *CaptureSource {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &CaptureSource{
		blockSize: blockSize,
		sink:      sink,
	}
}

// Start taps the clock. The clock itself stays owned by the caller.
func (c *CaptureSource) Start(clock InputClock) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if clock == nil {
		return fmt.Errorf("capture requires an input clock")
	}
	if c.untap != nil {
		return fmt.Errorf("capture already started")
	}

	c.chunker = NewBlockChunker(c.blockSize, c.sink)
	chunker := c.chunker
	c.untap = clock.Tap(func(samples []float32) {
		chunker.AddSamples(samples, time.Now())
	})

	log.Debug().Int("block_size", c.blockSize).Msg("Audio capture started")
	return nil
}

// Stop is safe to call repeatedly and before Start.
func (c *CaptureSource) Stop() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.untap == nil {
		return
	}
	c.untap()
	c.untap = nil
	c.chunker.Stop()

	log.Debug().Msg("Audio capture stopped")
}
