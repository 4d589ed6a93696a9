package stt

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/lexiqai/voice-relay/internal/audio"
)

// ErrStreamClosed is returned by Send after Close
var ErrStreamClosed = errors.New("transcription stream is closed")

// StreamConfig describes the audio a stream will receive
type StreamConfig struct {
	SampleRate int
	Channels   int
	Encoding   string // container format announced by the client, e.g. "WAV"
}

// FragmentFunc receives each finalized transcript fragment in arrival order
type FragmentFunc func(text string)

// Transcriber opens streaming transcription sessions against one provider.
// A Transcriber is shared by all client sessions; each Stream belongs to exactly one.
type Transcriber interface {
	// Open starts a stream bound to onFragment. ctx bounds the stream's lifetime.
	Open(ctx context.Context, cfg StreamConfig, onFragment FragmentFunc) (Stream, error)

	// Name identifies the provider in logs and metrics
	Name() string
}

// Stream is one open transcription session
type Stream interface {
	// Send forwards one chunk of audio, in order
	Send(audio []byte) error

	// Close flushes pending results and releases the stream. onFragment is
	// never invoked after Close returns. Close is safe to call more than once.
	Close() error
}

// fragmentGate delivers fragments until shut, so no callback outlives Close
type fragmentGate struct {
	mu     sync.Mutex
	fn     FragmentFunc
	closed bool
}

func newFragmentGate(fn FragmentFunc) *fragmentGate {
	return &fragmentGate{fn: fn}
}

func (g *fragmentGate) deliver(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed && g.fn != nil {
		g.fn(text)
	}
}

func (g *fragmentGate) shut() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// maxHeaderBuffer bounds how much audio is held back while a RIFF header
// split across chunks is reassembled
const maxHeaderBuffer = 4096

// headerStripper removes the RIFF header at the start of a WAV stream. Audio is
// held back until the header is complete or the stream is known not to carry one.
type headerStripper struct {
	enabled bool
	done    bool
	pending []byte
}

func newHeaderStripper(encoding string) *headerStripper {
	return &headerStripper{enabled: strings.EqualFold(encoding, "WAV")}
}

// strip returns the audio to forward for chunk, possibly empty while held back
func (h *headerStripper) strip(chunk []byte) []byte {
	if !h.enabled || h.done {
		return chunk
	}
	h.pending = append(h.pending, chunk...)

	if len(h.pending) < audio.RIFFHeaderSize {
		return nil
	}
	if !audio.IsWAV(h.pending) {
		return h.release()
	}

	pcm, err := audio.StripWAVHeader(h.pending)
	if err == nil {
		h.done = true
		h.pending = nil
		return pcm
	}
	if len(h.pending) < maxHeaderBuffer {
		return nil
	}
	// No data chunk within the limit; forward as-is and let the provider cope
	return h.release()
}

// flush returns audio still held back when the stream ends. A partial RIFF
// header carries no samples and is dropped.
func (h *headerStripper) flush() []byte {
	if !h.enabled || h.done {
		return nil
	}
	out := h.release()
	n := min(len(out), 4)
	if n == 0 || string(out[:n]) == "RIFF"[:n] {
		return nil
	}
	return out
}

func (h *headerStripper) release() []byte {
	out := h.pending
	h.pending = nil
	h.done = true
	return out
}
