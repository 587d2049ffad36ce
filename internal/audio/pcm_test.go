package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloatToPCM16_ClampsFullScale(t *testing.T) {
	pcm := FloatToPCM16([]float32{0, 0.5, -0.5, 1.0, -1.0, 1.5, -1.5})

	assert.Equal(t, []int16{0, 16384, -16384, 32767, -32768, 32767, -32768}, pcm)
}

func TestInt16ToBytes_LittleEndian(t *testing.T) {
	got := Int16ToBytes([]int16{1, -1, 256})

	assert.Equal(t, []byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x01}, got)
}

func TestDecodePCM16(t *testing.T) {
	samples, err := DecodePCM16(Int16ToBytes([]int16{0, 16384, -32768}))
	require.NoError(t, err)

	assert.InDeltaSlice(t, []float32{0, 0.5, -1}, samples, 1e-6)
}

func TestDecodePCM16_Anomalies(t *testing.T) {
	_, err := DecodePCM16(nil)
	assert.ErrorIs(t, err, ErrDecodeAnomaly)

	_, err = DecodePCM16([]byte{0x01, 0x02, 0x03})
	assert.ErrorIs(t, err, ErrDecodeAnomaly)
}

func TestDurationSeconds(t *testing.T) {
	assert.InDelta(t, 0.5, DurationSeconds(12000, OutputSampleRate), 1e-9)
	assert.Zero(t, DurationSeconds(100, 0))
}
