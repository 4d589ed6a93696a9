package audio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunk(id string, payload []byte) []byte {
	out := make([]byte, 8, 8+len(payload)+1)
	copy(out, id)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(payload)))
	out = append(out, payload...)
	if len(payload)%2 == 1 {
		out = append(out, 0)
	}
	return out
}

func wavFile(pcm []byte, extra ...[]byte) []byte {
	body := []byte("WAVE")
	body = append(body, chunk("fmt ", make([]byte, 16))...)
	for _, e := range extra {
		body = append(body, e...)
	}
	body = append(body, chunk("data", pcm)...)

	out := []byte("RIFF")
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	return append(out, body...)
}

func TestIsWAV(t *testing.T) {
	assert.True(t, IsWAV(wavFile([]byte{1, 2})))
	assert.False(t, IsWAV([]byte{1, 2, 3, 4}))
	assert.False(t, IsWAV(nil))
	assert.False(t, IsWAV([]byte("RIFF0000AVI ")))
}

func TestStripWAVHeader(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}

	got, err := StripWAVHeader(wavFile(pcm))
	require.NoError(t, err)
	assert.Equal(t, pcm, got)
}

func TestStripWAVHeader_SkipsUnknownChunks(t *testing.T) {
	pcm := []byte{0x10, 0x20}

	got, err := StripWAVHeader(wavFile(pcm, chunk("LIST", []byte{'a', 'b', 'c'})))
	require.NoError(t, err)
	assert.Equal(t, pcm, got)
}

func TestStripWAVHeader_RawPCMPassthrough(t *testing.T) {
	pcm := []byte{0x00, 0x01, 0x02, 0x03}

	got, err := StripWAVHeader(pcm)
	require.NoError(t, err)
	assert.Equal(t, pcm, got)
}

func TestStripWAVHeader_Malformed(t *testing.T) {
	data := append([]byte("RIFF"), 0, 0, 0, 0)
	data = append(data, []byte("WAVE")...)
	data = append(data, chunk("fmt ", make([]byte, 16))...)

	_, err := StripWAVHeader(data)
	assert.ErrorIs(t, err, ErrMalformedWAV)
}
