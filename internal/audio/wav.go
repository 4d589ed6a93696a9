package audio

import (
	"encoding/binary"
	"errors"
)

// ErrMalformedWAV is returned when a RIFF header is present but no data chunk follows it
var ErrMalformedWAV = errors.New("malformed WAV header")

// RIFFHeaderSize is the length of the "RIFF" size "WAVE" preamble
const RIFFHeaderSize = 12

// IsWAV reports whether data starts with a RIFF/WAVE header
func IsWAV(data []byte) bool {
	return len(data) >= RIFFHeaderSize &&
		string(data[0:4]) == "RIFF" &&
		string(data[8:12]) == "WAVE"
}

// StripWAVHeader returns the PCM payload following the "data" chunk header.
// Input that does not start with a RIFF header is returned unchanged.
func StripWAVHeader(data []byte) ([]byte, error) {
	if !IsWAV(data) {
		return data, nil
	}

	offset := RIFFHeaderSize
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		offset += 8

		if id == "data" {
			return data[offset:], nil
		}

		// Chunks are word aligned
		offset += size + size%2
	}

	return nil, ErrMalformedWAV
}
