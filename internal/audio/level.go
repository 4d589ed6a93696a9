package audio

import "math"

// BytesToSamples interprets data as 16-bit little-endian PCM. A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// CalculateRMS calculates the Root Mean Square (RMS) energy of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// ChunkLevel returns the RMS level of a PCM16 chunk, skipping a WAV header if present
func ChunkLevel(data []byte) float64 {
	if pcm, err := StripWAVHeader(data); err == nil {
		data = pcm
	}
	return CalculateRMS(BytesToSamples(data))
}
