package audio

import (
	"encoding/base64"
	"fmt"
	"math"
)

// FloatToPCM16 converts samples in [-1, 1] to signed 16-bit PCM.
// Values are clamped, so a full-scale 1.0 maps to 32767 instead of wrapping.
func FloatToPCM16(samples []float32) []int16 {
	pcm := make([]int16, len(samples))
	for i, s := range samples {
		v := math.Round(float64(s) * 32768)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		pcm[i] = int16(v)
	}
	return pcm
}

// Int16ToBytes encodes samples as little-endian PCM16.
func Int16ToBytes(samples []int16) []byte {
	bytes := make([]byte, len(samples)*2)
	for i, sample := range samples {
		bytes[i*2] = byte(sample)
		bytes[i*2+1] = byte(sample >> 8)
	}
	return bytes
}

// DecodePCM16 turns little-endian PCM16 bytes into float samples in [-1, 1).
func DecodePCM16(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty fragment", ErrDecodeAnomaly)
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrDecodeAnomaly, len(data))
	}

	samples := make([]float32, len(data)/2)
	for i := range samples {
		s := int16(data[i*2]) | int16(data[i*2+1])<<8
		samples[i] = float32(s) / 32768.0
	}
	return samples, nil
}

// EncodeBase64 is the transport-safe form of a PCM payload.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DurationSeconds is the playback length of n mono samples.
func DurationSeconds(n, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(n) / float64(sampleRate)
}
