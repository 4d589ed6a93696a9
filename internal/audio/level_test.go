package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytesToSamples(t *testing.T) {
	samples := BytesToSamples([]byte{0x01, 0x00, 0xff, 0xff, 0x07})
	assert.Equal(t, []int16{1, -1}, samples)
}

func TestCalculateRMS(t *testing.T) {
	assert.Equal(t, 0.0, CalculateRMS(nil))
	assert.InDelta(t, 1000.0, CalculateRMS([]int16{1000, -1000, 1000, -1000}), 0.001)
}

func TestChunkLevel(t *testing.T) {
	// 0x03e8 = 1000
	pcm := []byte{0xe8, 0x03, 0x18, 0xfc}
	assert.InDelta(t, 1000.0, ChunkLevel(pcm), 0.001)
	assert.InDelta(t, 1000.0, ChunkLevel(wavFile(pcm)), 0.001)
}
