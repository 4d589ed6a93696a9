package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-relay/internal/protocol"
	"github.com/lexiqai/voice-relay/internal/stt"
	"github.com/lexiqai/voice-relay/internal/tts"
)

type fakeEmitter struct {
	mu     sync.Mutex
	msgs   []protocol.Message
	closed int
}

func (f *fakeEmitter) Emit(msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed > 0 {
		return errors.New("transport closed")
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeEmitter) CloseTransport() {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
}

func (f *fakeEmitter) messages() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.msgs...)
}

func (f *fakeEmitter) ofType(t protocol.MessageType) []protocol.Message {
	var out []protocol.Message
	for _, m := range f.messages() {
		if m.Type() == t {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeEmitter) errorTexts() []string {
	var out []string
	for _, m := range f.ofType(protocol.TypeError) {
		out = append(out, m.(protocol.Error).Error)
	}
	return out
}

func (f *fakeEmitter) types() []protocol.MessageType {
	var out []protocol.MessageType
	for _, m := range f.messages() {
		out = append(out, m.Type())
	}
	return out
}

type fakeSTTStream struct {
	mu         sync.Mutex
	onFragment stt.FragmentFunc
	chunks     [][]byte
	sendErr    error
	closes     int
	flush      []string // fragments delivered during Close
}

func (f *fakeSTTStream) Send(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closes > 0 {
		return stt.ErrStreamClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.chunks = append(f.chunks, chunk)
	return nil
}

func (f *fakeSTTStream) Close() error {
	f.mu.Lock()
	f.closes++
	flush := f.flush
	f.flush = nil
	f.mu.Unlock()

	for _, text := range flush {
		f.onFragment(text)
	}
	return nil
}

// fragment simulates the provider finalizing a piece of transcript
func (f *fakeSTTStream) fragment(text string) {
	f.onFragment(text)
}

func (f *fakeSTTStream) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.chunks...)
}

func (f *fakeSTTStream) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeTranscriber struct {
	mu      sync.Mutex
	openErr error
	configs []stt.StreamConfig
	streams []*fakeSTTStream
}

func (f *fakeTranscriber) Name() string { return "fake" }

func (f *fakeTranscriber) Open(ctx context.Context, cfg stt.StreamConfig, onFragment stt.FragmentFunc) (stt.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	stream := &fakeSTTStream{onFragment: onFragment}
	f.configs = append(f.configs, cfg)
	f.streams = append(f.streams, stream)
	return stream, nil
}

func (f *fakeTranscriber) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func (f *fakeTranscriber) last() *fakeSTTStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

type fakeCompleter struct {
	mu       sync.Mutex
	inputs   []string
	response string
	errs     []error
	block    bool // wait for ctx to end
	ctxErr   chan error
}

func (f *fakeCompleter) Name() string { return "fake" }

func (f *fakeCompleter) Complete(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, text)
	block := f.block
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		if f.ctxErr != nil {
			f.ctxErr <- ctx.Err()
		}
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return f.response, nil
}

func (f *fakeCompleter) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inputs...)
}

type fakeTTSStream struct {
	mu       sync.Mutex
	handlers tts.Handlers
	closes   int
}

func (f *fakeTTSStream) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeTTSStream) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeSynthesizer struct {
	mu       sync.Mutex
	openErr  error
	requests []tts.Request
	streams  []*fakeTTSStream
}

func (f *fakeSynthesizer) Name() string { return "fake" }

func (f *fakeSynthesizer) Open(ctx context.Context, req tts.Request, h tts.Handlers) (tts.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	stream := &fakeTTSStream{handlers: h}
	f.requests = append(f.requests, req)
	f.streams = append(f.streams, stream)
	return stream, nil
}

func (f *fakeSynthesizer) last() *fakeTTSStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

// pumpUntil runs the session's event loop until cond holds
func pumpUntil(t *testing.T, s *Session, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-s.Pending():
			s.Dispatch()
		case <-deadline:
			require.FailNow(t, "condition not reached", "state=%s", s.State())
		}
	}
}

// inState returns a condition for pumpUntil
func inState(s *Session, want State) func() bool {
	return func() bool { return s.State() == want }
}
