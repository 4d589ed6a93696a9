package tts

import "context"

// Request describes one utterance to synthesize. Empty Voice or Model select
// the synthesizer's defaults.
type Request struct {
	Text  string
	Voice string
	Model string
}

// Handlers receive a stream's output. Exactly one of OnClose or OnError ends
// the stream, and no handler runs after Stream.Close returns.
type Handlers struct {
	OnAudio func(chunk []byte)
	OnClose func()
	OnError func(err error)
}

// Synthesizer opens text-to-speech streams. It is shared by all sessions.
type Synthesizer interface {
	Open(ctx context.Context, req Request, h Handlers) (Stream, error)

	// Name identifies the provider in logs and metrics
	Name() string
}

// Stream is one in-flight synthesis
type Stream interface {
	// Close stops synthesis and releases the connection. Safe to call more than once.
	Close() error
}
