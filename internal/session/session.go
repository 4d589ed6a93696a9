package session

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-relay/internal/audio"
	"github.com/lexiqai/voice-relay/internal/completion"
	"github.com/lexiqai/voice-relay/internal/observability"
	"github.com/lexiqai/voice-relay/internal/protocol"
	"github.com/lexiqai/voice-relay/internal/stt"
	"github.com/lexiqai/voice-relay/internal/tts"
)

// Emitter is the session's outbound side of the client connection
type Emitter interface {
	// Emit sends one message. It fails once the transport is closed.
	Emit(msg protocol.Message) error

	// CloseTransport closes the client connection
	CloseTransport()
}

// Deps are the shared, stateless adapters a session opens its streams from
type Deps struct {
	Transcriber stt.Transcriber
	Completer   completion.Completer
	Synthesizer tts.Synthesizer

	// Voice and Model override the synthesizer defaults when set
	Voice string
	Model string
}

// Session is the per-connection pipeline: audio in, transcript to completion,
// synthesized speech out. All methods except the adapter callbacks must be
// called from a single goroutine, the connection's event loop.
type Session struct {
	id      string
	deps    Deps
	out     Emitter
	logger  zerolog.Logger
	metrics *observability.SessionMetrics

	ctx    context.Context
	cancel context.CancelFunc
	queue  *eventQueue

	state            State
	audioConfig      protocol.AudioConfig
	fragments        []string
	transcriber      stt.Stream
	synthesis        tts.Stream
	cancelCompletion context.CancelFunc

	// turn advances every time a transcription stream is opened; adapter
	// events from an older turn are discarded
	turn uint64
}

// New creates a session in the Unconfigured state
func New(id string, deps Deps, out Emitter, logger zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      id,
		deps:    deps,
		out:     out,
		logger:  logger.With().Str("session_id", id).Logger(),
		metrics: observability.NewSessionMetrics(id),
		ctx:     ctx,
		cancel:  cancel,
		queue:   newEventQueue(),
		state:   Unconfigured,
	}
	s.metrics.RecordSessionStart()
	return s
}

// ID returns the session identifier
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state
func (s *Session) State() State { return s.state }

// Pending is signalled whenever adapter events are waiting for Dispatch
func (s *Session) Pending() <-chan struct{} { return s.queue.signal }

// Dispatch applies all queued adapter events in arrival order
func (s *Session) Dispatch() {
	for _, ev := range s.queue.drain() {
		if s.state == Closed {
			return
		}
		s.apply(ev)
	}
}

// Handle applies one decoded client message
func (s *Session) Handle(msg protocol.Message) {
	if s.state == Closed {
		return
	}

	switch m := msg.(type) {
	case protocol.InitialConfig:
		s.handleConfig(m)
	case protocol.AudioChunkInput:
		s.handleAudio(m.Data)
	case protocol.EndAudioChunkInput:
		s.handleEnd()
	default:
		s.report(&Error{Kind: ProtocolError, Op: opDecode, Message: MsgUnknownType})
	}
}

// Reject reports a frame that could not be decoded. An initial_config with
// wrongly typed audio fields fails configuration like any other invalid config.
func (s *Session) Reject(err error) {
	if s.state == Closed {
		return
	}
	if errors.Is(err, protocol.ErrInvalidConfig) {
		if s.state != Unconfigured {
			s.report(&Error{Kind: ProtocolError, Op: opConfigure, Message: MsgAlreadyConfigured, Err: err})
			return
		}
		s.failConfiguration(err)
		return
	}
	s.report(DecodeError(err))
}

// Fail reports an unexpected transport error to the client, best effort
func (s *Session) Fail(err error) {
	if s.state == Closed {
		return
	}
	s.report(&Error{Kind: TransportError, Op: opTransport, Message: MsgInternal, Err: err})
}

func (s *Session) handleConfig(m protocol.InitialConfig) {
	if s.state != Unconfigured {
		s.report(&Error{Kind: ProtocolError, Op: opConfigure, Message: MsgAlreadyConfigured})
		return
	}

	if err := m.Audio.Validate(); err != nil {
		s.failConfiguration(err)
		return
	}
	s.audioConfig = *m.Audio

	if err := s.openTranscriber(); err != nil {
		s.failConfiguration(err)
		return
	}

	s.transition(Ready)
	s.emit(protocol.StartAudioUpload{})
}

// failConfiguration reports once, then closes the connection and tears down
func (s *Session) failConfiguration(err error) {
	s.report(&Error{Kind: ConfigurationError, Op: opConfigure, Message: MsgConfigFailed, Err: err})
	s.out.CloseTransport()
	s.Teardown()
}

func (s *Session) openTranscriber() error {
	s.turn++
	turn := s.turn

	cfg := stt.StreamConfig{
		SampleRate: s.audioConfig.SampleRate,
		Channels:   s.audioConfig.Channels,
		Encoding:   string(s.audioConfig.Encoding),
	}

	s.metrics.RecordStageStart(observability.StageSTT)
	stream, err := s.deps.Transcriber.Open(s.ctx, cfg, func(text string) {
		s.queue.post(fragmentEvent{turn: turn, text: text})
	})
	if err != nil {
		s.metrics.RecordStageEnd(observability.StageSTT, false)
		return err
	}

	s.transcriber = stream
	s.logger.Debug().Uint64("turn", turn).Str("provider", s.deps.Transcriber.Name()).Msg("Transcription stream opened")
	return nil
}

func (s *Session) handleAudio(chunk []byte) {
	switch s.state {
	case Unconfigured:
		s.report(&Error{Kind: ProtocolError, Op: opAudio, Message: MsgConfigRequired})
		return
	case Finalizing, AwaitingCompletion, Synthesizing:
		s.report(&Error{Kind: ProtocolError, Op: opAudio, Message: MsgResponseInProgress})
		return
	case Closed:
		return
	case Ready, Streaming:
	}

	if s.transcriber == nil {
		if err := s.openTranscriber(); err != nil {
			s.report(&Error{Kind: UpstreamError, Op: opSTT, Message: MsgTranscriberFailed, Err: err})
			return
		}
	}

	s.metrics.RecordAudioBytes("in", int64(len(chunk)))
	s.metrics.RecordInputLevel(audio.ChunkLevel(chunk))

	if err := s.transcriber.Send(chunk); err != nil {
		s.report(&Error{Kind: UpstreamError, Op: opSTT, Message: MsgAudioFailed, Err: err})
		return
	}
	s.transition(Streaming)
}

func (s *Session) handleEnd() {
	switch s.state {
	case Unconfigured:
		s.report(&Error{Kind: ProtocolError, Op: opEnd, Message: MsgNoActiveStream})
		return
	case Finalizing, AwaitingCompletion, Synthesizing:
		s.report(&Error{Kind: ProtocolError, Op: opEnd, Message: MsgResponseInProgress})
		return
	case Closed:
		return
	case Ready, Streaming:
	}

	if s.transcriber == nil {
		s.report(&Error{Kind: ProtocolError, Op: opEnd, Message: MsgNoActiveStream})
		return
	}

	stream := s.transcriber
	s.transcriber = nil
	turn := s.turn
	s.metrics.RecordTurn()
	s.transition(Finalizing)

	// Close flushes trailing results; fragments keep arriving until it returns
	go func() {
		err := stream.Close()
		s.queue.post(transcriberClosedEvent{turn: turn, err: err})
	}()
}

func (s *Session) apply(e event) {
	if e.turnID() != s.turn {
		s.logger.Debug().Uint64("event_turn", e.turnID()).Uint64("turn", s.turn).Msg("Discarding stale event")
		return
	}

	switch ev := e.(type) {
	case fragmentEvent:
		switch s.state {
		case Ready, Streaming, Finalizing:
			s.fragments = append(s.fragments, ev.text)
		case Unconfigured, AwaitingCompletion, Synthesizing, Closed:
		}

	case transcriberClosedEvent:
		if s.state == Finalizing {
			s.finishTranscription(ev.err)
		}

	case completionEvent:
		if s.state == AwaitingCompletion {
			s.finishCompletion(ev.response, ev.err)
		}

	case synthesisAudioEvent:
		if s.state == Synthesizing {
			s.metrics.RecordAudioBytes("out", int64(len(ev.chunk)))
			s.emit(protocol.Audio{Data: ev.chunk})
		}

	case synthesisDoneEvent:
		if s.state == Synthesizing {
			s.finishSynthesis(ev.err)
		}
	}
}

func (s *Session) finishTranscription(closeErr error) {
	s.metrics.RecordStageEnd(observability.StageSTT, closeErr == nil)
	if closeErr != nil {
		s.logger.Warn().Err(closeErr).Msg("Transcription stream closed with error")
	}

	fragments := s.fragments
	s.fragments = nil
	if fragments == nil {
		fragments = []string{}
	}
	s.emit(protocol.FinalTranscriptions{Transcriptions: fragments})

	if len(fragments) == 0 {
		s.report(&Error{Kind: UpstreamError, Op: opSTT, Message: MsgNoSpeech})
		s.transition(Ready)
		return
	}

	text := strings.Join(fragments, " ")
	turn := s.turn
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelCompletion = cancel
	s.transition(AwaitingCompletion)
	s.metrics.RecordStageStart(observability.StageCompletion)

	go func() {
		response, err := s.deps.Completer.Complete(ctx, text)
		s.queue.post(completionEvent{turn: turn, response: response, err: err})
	}()
}

func (s *Session) finishCompletion(response string, err error) {
	if s.cancelCompletion != nil {
		s.cancelCompletion()
		s.cancelCompletion = nil
	}
	s.metrics.RecordStageEnd(observability.StageCompletion, err == nil)

	if err != nil {
		s.report(&Error{Kind: UpstreamError, Op: opCompletion, Message: MsgCompletionFailed, Err: err})
		s.transition(Ready)
		return
	}

	s.emit(protocol.AIResponse{Response: response})

	turn := s.turn
	s.metrics.RecordStageStart(observability.StageTTS)
	stream, err := s.deps.Synthesizer.Open(s.ctx, tts.Request{
		Text:  response,
		Voice: s.deps.Voice,
		Model: s.deps.Model,
	}, tts.Handlers{
		OnAudio: func(chunk []byte) {
			s.queue.post(synthesisAudioEvent{turn: turn, chunk: chunk})
		},
		OnClose: func() {
			s.queue.post(synthesisDoneEvent{turn: turn})
		},
		OnError: func(err error) {
			s.queue.post(synthesisDoneEvent{turn: turn, err: err})
		},
	})
	if err != nil {
		s.metrics.RecordStageEnd(observability.StageTTS, false)
		s.report(&Error{Kind: UpstreamError, Op: opTTS, Message: MsgSynthesisFailed, Err: err})
		s.transition(Ready)
		return
	}

	s.synthesis = stream
	s.transition(Synthesizing)
}

func (s *Session) finishSynthesis(err error) {
	s.metrics.RecordStageEnd(observability.StageTTS, err == nil)
	if err != nil {
		s.report(&Error{Kind: UpstreamError, Op: opTTS, Message: MsgSynthesisFailed, Err: err})
	}

	s.closeSynthesis()
	s.transition(Ready)
}

func (s *Session) closeSynthesis() {
	stream := s.synthesis
	s.synthesis = nil
	if stream == nil {
		return
	}
	if err := stream.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close synthesis stream")
	}
}

func (s *Session) closeTranscriber() {
	stream := s.transcriber
	s.transcriber = nil
	if stream == nil {
		return
	}
	if err := stream.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close transcription stream")
	}
}

// Teardown releases every open stream and moves to Closed. Safe to call more
// than once; later calls do nothing.
func (s *Session) Teardown() {
	if s.state == Closed {
		return
	}
	prev := s.state
	s.state = Closed

	s.queue.close()
	s.cancel()
	if s.cancelCompletion != nil {
		s.cancelCompletion()
		s.cancelCompletion = nil
	}

	s.closeTranscriber()
	s.closeSynthesis()
	s.fragments = nil

	s.metrics.RecordSessionEnd()
	s.logger.Info().Str("from", prev.String()).Msg("Session closed")
}

func (s *Session) transition(to State) {
	if s.state == to {
		return
	}
	s.logger.Debug().Str("from", s.state.String()).Str("to", to.String()).Msg("State transition")
	s.state = to
}

func (s *Session) emit(msg protocol.Message) {
	if err := s.out.Emit(msg); err != nil {
		s.logger.Debug().Err(err).Str("type", string(msg.Type())).Msg("Dropping outbound message")
	}
}

func (s *Session) report(e *Error) {
	ev := s.logger.Warn()
	if e.Kind == UpstreamError || e.Kind == TransportError {
		ev = s.logger.Error()
	}
	ev.Err(e.Err).Str("kind", e.Kind.String()).Str("op", e.Op).Msg(e.Message)

	s.metrics.RecordError(e.Kind.String(), e.Op)
	s.emit(protocol.Error{Error: e.Message})
}
