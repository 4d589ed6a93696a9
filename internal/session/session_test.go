package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-relay/internal/protocol"
	"github.com/lexiqai/voice-relay/internal/stt"
	"github.com/lexiqai/voice-relay/internal/tts"
)

type harness struct {
	s     *Session
	out   *fakeEmitter
	stt   *fakeTranscriber
	llm   *fakeCompleter
	voice *fakeSynthesizer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		out:   &fakeEmitter{},
		stt:   &fakeTranscriber{},
		llm:   &fakeCompleter{response: "Hi! How can I help?"},
		voice: &fakeSynthesizer{},
	}
	h.s = New(fmt.Sprintf("test-%s", t.Name()), Deps{
		Transcriber: h.stt,
		Completer:   h.llm,
		Synthesizer: h.voice,
		Voice:       "voice-1",
		Model:       "model-1",
	}, h.out, zerolog.Nop())
	t.Cleanup(h.s.Teardown)
	return h
}

func validConfig() protocol.InitialConfig {
	return protocol.InitialConfig{Audio: &protocol.AudioConfig{SampleRate: 16000, Channels: 1, Encoding: protocol.EncodingWAV}}
}

func (h *harness) configure(t *testing.T) {
	t.Helper()
	h.s.Handle(validConfig())
	require.Equal(t, Ready, h.s.State())
}

func chunk(i int) protocol.AudioChunkInput {
	return protocol.AudioChunkInput{Data: []byte{byte(i), byte(i + 1)}}
}

func TestConfigure_Valid(t *testing.T) {
	h := newHarness(t)
	h.s.Handle(validConfig())

	assert.Equal(t, Ready, h.s.State())
	assert.Equal(t, []protocol.MessageType{protocol.TypeStartAudioUpload}, h.out.types())
	require.Equal(t, 1, h.stt.opened())
	assert.Equal(t, stt.StreamConfig{SampleRate: 16000, Channels: 1, Encoding: "WAV"}, h.stt.configs[0])
	assert.Equal(t, 0, h.out.closed)
}

func TestConfigure_Invalid(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.InitialConfig
	}{
		{"missing audio", protocol.InitialConfig{}},
		{"missing sample rate", protocol.InitialConfig{Audio: &protocol.AudioConfig{Channels: 1, Encoding: protocol.EncodingWAV}}},
		{"missing channels", protocol.InitialConfig{Audio: &protocol.AudioConfig{SampleRate: 16000, Encoding: protocol.EncodingWAV}}},
		{"missing encoding", protocol.InitialConfig{Audio: &protocol.AudioConfig{SampleRate: 16000, Channels: 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.s.Handle(tt.msg)

			assert.Equal(t, []string{MsgConfigFailed}, h.out.errorTexts())
			assert.Len(t, h.out.messages(), 1)
			assert.Equal(t, 1, h.out.closed)
			assert.Equal(t, Closed, h.s.State())
			assert.Equal(t, 0, h.stt.opened())
		})
	}
}

func TestConfigure_TranscriberOpenFailure(t *testing.T) {
	h := newHarness(t)
	h.stt.openErr = errors.New("401 unauthorized")

	h.s.Handle(validConfig())

	assert.Equal(t, []string{MsgConfigFailed}, h.out.errorTexts())
	assert.Empty(t, h.out.ofType(protocol.TypeStartAudioUpload))
	assert.Equal(t, 1, h.out.closed)
	assert.Equal(t, Closed, h.s.State())
}

func TestConfigure_Twice(t *testing.T) {
	h := newHarness(t)
	h.configure(t)

	h.s.Handle(validConfig())

	assert.Equal(t, []string{MsgAlreadyConfigured}, h.out.errorTexts())
	assert.Equal(t, Ready, h.s.State())
	assert.Equal(t, 1, h.stt.opened())
	assert.Equal(t, 0, h.out.closed)
}

func TestConfigure_WronglyTypedFields(t *testing.T) {
	h := newHarness(t)
	_, err := protocol.Decode([]byte(`{"type":"initial_config","audio":{"sampleRate":"16000","channels":1,"encoding":"WAV"}}`))
	require.ErrorIs(t, err, protocol.ErrInvalidConfig)

	h.s.Reject(err)

	assert.Equal(t, []string{MsgConfigFailed}, h.out.errorTexts())
	assert.Equal(t, 1, h.out.closed)
	assert.Equal(t, Closed, h.s.State())
	assert.Equal(t, 0, h.stt.opened())
}

func TestConfigure_WronglyTypedFieldsAfterConfig(t *testing.T) {
	h := newHarness(t)
	h.configure(t)

	h.s.Reject(fmt.Errorf("%w: bad sampleRate", protocol.ErrInvalidConfig))

	assert.Equal(t, []string{MsgAlreadyConfigured}, h.out.errorTexts())
	assert.Equal(t, Ready, h.s.State())
	assert.Equal(t, 0, h.out.closed)
}

func TestAudio_BeforeConfig(t *testing.T) {
	h := newHarness(t)
	h.s.Handle(chunk(1))

	assert.Equal(t, []string{MsgConfigRequired}, h.out.errorTexts())
	assert.Equal(t, Unconfigured, h.s.State())
	assert.Equal(t, 0, h.stt.opened())
}

func TestAudio_ForwardedInOrder(t *testing.T) {
	h := newHarness(t)
	h.configure(t)

	var want [][]byte
	for i := 0; i < 10; i++ {
		c := chunk(i)
		want = append(want, c.Data)
		h.s.Handle(c)
	}

	assert.Equal(t, Streaming, h.s.State())
	assert.Equal(t, want, h.stt.last().sent())
	assert.Empty(t, h.out.errorTexts())
}

func TestAudio_SendFailure(t *testing.T) {
	h := newHarness(t)
	h.configure(t)
	h.stt.last().sendErr = errors.New("connection reset")

	h.s.Handle(chunk(1))

	assert.Equal(t, []string{MsgAudioFailed}, h.out.errorTexts())
	assert.Equal(t, Ready, h.s.State())
}

func TestEnd_FullTurn(t *testing.T) {
	h := newHarness(t)
	h.configure(t)

	h.s.Handle(chunk(1))
	h.s.Handle(chunk(2))
	h.stt.last().fragment("hello")
	h.stt.last().fragment("world")
	h.s.Handle(protocol.EndAudioChunkInput{})
	assert.Equal(t, Finalizing, h.s.State())

	pumpUntil(t, h.s, inState(h.s, Synthesizing))

	assert.Equal(t, []string{"hello world"}, h.llm.calls())
	require.Len(t, h.voice.requests, 1)
	assert.Equal(t, tts.Request{Text: "Hi! How can I help?", Voice: "voice-1", Model: "model-1"}, h.voice.requests[0])

	synth := h.voice.last()
	synth.handlers.OnAudio([]byte{1, 2})
	synth.handlers.OnAudio([]byte{3, 4})
	synth.handlers.OnClose()
	pumpUntil(t, h.s, inState(h.s, Ready))

	assert.Equal(t, []protocol.Message{
		protocol.StartAudioUpload{},
		protocol.FinalTranscriptions{Transcriptions: []string{"hello", "world"}},
		protocol.AIResponse{Response: "Hi! How can I help?"},
		protocol.Audio{Data: []byte{1, 2}},
		protocol.Audio{Data: []byte{3, 4}},
	}, h.out.messages())
	assert.Equal(t, 1, h.stt.last().closeCount())
	assert.Equal(t, 1, synth.closeCount())
}

func TestEnd_FragmentsFlushedDuringFinalizing(t *testing.T) {
	h := newHarness(t)
	h.configure(t)

	h.s.Handle(chunk(1))
	h.stt.last().fragment("what is")
	h.stt.last().flush = []string{"the weather"}
	h.s.Handle(protocol.EndAudioChunkInput{})

	pumpUntil(t, h.s, inState(h.s, Synthesizing))

	transcripts := h.out.ofType(protocol.TypeFinalTranscriptions)
	require.Len(t, transcripts, 1)
	assert.Equal(t, []string{"what is", "the weather"}, transcripts[0].(protocol.FinalTranscriptions).Transcriptions)
	assert.Equal(t, []string{"what is the weather"}, h.llm.calls())
}

func TestEnd_NoSpeech(t *testing.T) {
	h := newHarness(t)
	h.configure(t)

	h.s.Handle(chunk(1))
	h.s.Handle(protocol.EndAudioChunkInput{})
	pumpUntil(t, h.s, inState(h.s, Ready))

	transcripts := h.out.ofType(protocol.TypeFinalTranscriptions)
	require.Len(t, transcripts, 1)
	assert.Equal(t, []string{}, transcripts[0].(protocol.FinalTranscriptions).Transcriptions)
	assert.Equal(t, []string{MsgNoSpeech}, h.out.errorTexts())
	assert.Empty(t, h.llm.calls())
}

func TestEnd_WithoutStream(t *testing.T) {
	h := newHarness(t)
	h.s.Handle(protocol.EndAudioChunkInput{})

	assert.Equal(t, []string{MsgNoActiveStream}, h.out.errorTexts())
	assert.Equal(t, Unconfigured, h.s.State())
	assert.Equal(t, 0, h.out.closed)
}

func TestCompletionFailure_ThenNextTurn(t *testing.T) {
	h := newHarness(t)
	h.configure(t)
	h.llm.errs = []error{errors.New("model overloaded")}

	h.s.Handle(chunk(1))
	h.stt.last().fragment("hello")
	h.s.Handle(protocol.EndAudioChunkInput{})
	pumpUntil(t, h.s, func() bool { return len(h.out.errorTexts()) == 1 })

	assert.Equal(t, Ready, h.s.State())
	assert.Equal(t, []string{MsgCompletionFailed}, h.out.errorTexts())
	assert.Empty(t, h.voice.requests)

	// The stream closed with the previous turn
	h.s.Handle(protocol.EndAudioChunkInput{})
	assert.Equal(t, []string{MsgCompletionFailed, MsgNoActiveStream}, h.out.errorTexts())
	assert.Equal(t, 0, h.out.closed)

	// New audio reopens the stream with the stored configuration
	h.s.Handle(chunk(2))
	require.Equal(t, 2, h.stt.opened())
	assert.Equal(t, h.stt.configs[0], h.stt.configs[1])
	assert.Equal(t, Streaming, h.s.State())

	h.stt.last().fragment("again")
	h.s.Handle(protocol.EndAudioChunkInput{})
	pumpUntil(t, h.s, inState(h.s, Synthesizing))
	assert.Equal(t, []string{"hello", "again"}, h.llm.calls())
}

func TestAudio_RejectedWhileResponding(t *testing.T) {
	h := newHarness(t)
	h.configure(t)
	h.llm.block = true

	h.s.Handle(chunk(1))
	h.stt.last().fragment("hello")
	h.s.Handle(protocol.EndAudioChunkInput{})
	pumpUntil(t, h.s, inState(h.s, AwaitingCompletion))

	h.s.Handle(chunk(2))
	h.s.Handle(protocol.EndAudioChunkInput{})

	assert.Equal(t, []string{MsgResponseInProgress, MsgResponseInProgress}, h.out.errorTexts())
	assert.Len(t, h.stt.last().sent(), 1)
	assert.Equal(t, AwaitingCompletion, h.s.State())
}

func TestTeardown_MidStreaming(t *testing.T) {
	h := newHarness(t)
	h.configure(t)
	h.s.Handle(chunk(1))
	stream := h.stt.last()

	h.s.Teardown()
	h.s.Teardown()

	assert.Equal(t, Closed, h.s.State())
	assert.Equal(t, 1, stream.closeCount())

	before := len(h.out.messages())
	h.s.Handle(chunk(2))
	h.s.Handle(protocol.EndAudioChunkInput{})
	assert.Len(t, stream.sent(), 1)
	assert.Equal(t, 1, h.stt.opened())
	assert.Len(t, h.out.messages(), before)
}

func TestTeardown_CancelsCompletion(t *testing.T) {
	h := newHarness(t)
	h.configure(t)
	h.llm.block = true
	h.llm.ctxErr = make(chan error, 1)

	h.s.Handle(chunk(1))
	h.stt.last().fragment("hello")
	h.s.Handle(protocol.EndAudioChunkInput{})
	pumpUntil(t, h.s, inState(h.s, AwaitingCompletion))

	before := len(h.out.messages())
	h.s.Teardown()

	assert.Error(t, <-h.llm.ctxErr)
	h.s.Dispatch()
	assert.Len(t, h.out.messages(), before)
	assert.Empty(t, h.voice.requests)
}

func TestTeardown_DuringSynthesis(t *testing.T) {
	h := newHarness(t)
	h.configure(t)

	h.s.Handle(chunk(1))
	h.stt.last().fragment("hello")
	h.s.Handle(protocol.EndAudioChunkInput{})
	pumpUntil(t, h.s, inState(h.s, Synthesizing))
	synth := h.voice.last()

	h.s.Teardown()
	synth.handlers.OnAudio([]byte{1})
	h.s.Dispatch()

	assert.Equal(t, 1, synth.closeCount())
	assert.Empty(t, h.out.ofType(protocol.TypeAudio))
}

func TestSynthesis_Error(t *testing.T) {
	h := newHarness(t)
	h.configure(t)

	h.s.Handle(chunk(1))
	h.stt.last().fragment("hello")
	h.s.Handle(protocol.EndAudioChunkInput{})
	pumpUntil(t, h.s, inState(h.s, Synthesizing))

	synth := h.voice.last()
	synth.handlers.OnAudio([]byte{7})
	synth.handlers.OnError(errors.New("quota exceeded"))
	pumpUntil(t, h.s, inState(h.s, Ready))

	assert.Len(t, h.out.ofType(protocol.TypeAudio), 1)
	assert.Equal(t, []string{MsgSynthesisFailed}, h.out.errorTexts())
	assert.Equal(t, 1, synth.closeCount())
}

func TestSynthesis_OpenFailure(t *testing.T) {
	h := newHarness(t)
	h.configure(t)
	h.voice.openErr = errors.New("handshake failed")

	h.s.Handle(chunk(1))
	h.stt.last().fragment("hello")
	h.s.Handle(protocol.EndAudioChunkInput{})
	pumpUntil(t, h.s, func() bool { return len(h.out.errorTexts()) > 0 })

	assert.Equal(t, Ready, h.s.State())
	assert.Len(t, h.out.ofType(protocol.TypeAIResponse), 1)
	assert.Equal(t, []string{MsgSynthesisFailed}, h.out.errorTexts())
}

func TestSessions_AreIsolated(t *testing.T) {
	shared := &fakeTranscriber{}
	newSession := func(name string) (*Session, *fakeEmitter) {
		out := &fakeEmitter{}
		s := New(name, Deps{Transcriber: shared, Completer: &fakeCompleter{response: "ok"}, Synthesizer: &fakeSynthesizer{}}, out, zerolog.Nop())
		t.Cleanup(s.Teardown)
		s.Handle(validConfig())
		return s, out
	}

	a, outA := newSession("a")
	b, outB := newSession("b")
	require.Equal(t, 2, shared.opened())
	streamA, streamB := shared.streams[0], shared.streams[1]
	require.NotSame(t, streamA, streamB)

	a.Handle(chunk(1))
	b.Handle(chunk(2))
	streamA.fragment("from a")
	streamB.fragment("from b")

	a.Handle(protocol.EndAudioChunkInput{})
	pumpUntil(t, a, inState(a, Synthesizing))

	transcripts := outA.ofType(protocol.TypeFinalTranscriptions)
	require.Len(t, transcripts, 1)
	assert.Equal(t, []string{"from a"}, transcripts[0].(protocol.FinalTranscriptions).Transcriptions)

	assert.Equal(t, Streaming, b.State())
	assert.Empty(t, outB.ofType(protocol.TypeFinalTranscriptions))
	assert.Equal(t, 0, streamB.closeCount())
	assert.Len(t, streamA.sent(), 1)
	assert.Len(t, streamB.sent(), 1)
}

func TestHandle_UnknownAndRejected(t *testing.T) {
	h := newHarness(t)

	h.s.Handle(protocol.AIResponse{Response: "not from a client"})
	h.s.Reject(fmt.Errorf("%w: %q", protocol.ErrUnknownType, "config"))
	h.s.Reject(protocol.ErrInvalidMessage)

	assert.Equal(t, []string{MsgUnknownType, MsgUnknownType, MsgInvalidMessage}, h.out.errorTexts())
	assert.Equal(t, Unconfigured, h.s.State())
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := error(&Error{Kind: UpstreamError, Op: opSTT, Message: MsgTranscriberFailed, Err: cause})

	assert.ErrorIs(t, err, cause)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, UpstreamError, se.Kind)
	assert.Contains(t, err.Error(), "upstream")
}
