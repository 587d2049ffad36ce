package audio

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// BlockChunker frames an arbitrary stream of float samples into fixed-size PCM16 chunks.
// A partial block is carried until the next call completes it.
type BlockChunker struct {
	blockSize int
	buffer    []float32
	seq       uint64
	emit      func(Chunk)

	stopped bool
	mutex   sync.Mutex
}

func NewBlockChunker(blockSize int, emit func(Chunk)) *BlockChunker {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	return &BlockChunker{
		blockSize: blockSize,
		buffer:    make([]float32, 0, blockSize),
		emit:      emit,
	}
}

func (c *BlockChunker) AddSamples(samples []float32, timestamp time.Time) {
	c.mutex.Lock()
	if c.stopped {
		c.mutex.Unlock()
		return
	}

	var ready []Chunk
	for len(samples) > 0 {
		n := c.blockSize - len(c.buffer)
		if n > len(samples) {
			n = len(samples)
		}
		c.buffer = append(c.buffer, samples[:n]...)
		samples = samples[n:]

		if len(c.buffer) == c.blockSize {
			ready = append(ready, c.createChunk(timestamp))
			c.buffer = c.buffer[:0]
		}
	}
	c.mutex.Unlock()

	// Emit outside the lock so a slow sink cannot stall Stop.
	for _, chunk := range ready {
		c.emit(chunk)
	}
}

func (c *BlockChunker) createChunk(timestamp time.Time) Chunk {
	c.seq++
	chunk := Chunk{
		ID:       uuid.New(),
		Seq:      c.seq,
		PCM:      FloatToPCM16(c.buffer),
		Captured: timestamp,
	}

	log.Debug().
		Str("chunk_id", chunk.ID.String()).
		Uint64("seq", chunk.Seq).
		Int("samples", len(chunk.PCM)).
		Msg("Created audio chunk")

	return chunk
}

// Pending reports how many samples are waiting for a full block.
func (c *BlockChunker) Pending() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.buffer)
}

// Stop discards any partial block. Outbound audio is fire-and-forget, so nothing is flushed.
func (c *BlockChunker) Stop() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true
	c.buffer = c.buffer[:0]
}
