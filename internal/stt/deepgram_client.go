package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-relay/internal/config"
	"github.com/lexiqai/voice-relay/internal/observability"
	"github.com/lexiqai/voice-relay/internal/resilience"
)

// liveConn is the subset of the Deepgram live client a stream uses
type liveConn interface {
	Write(p []byte) (int, error)
	Finalize() error
	Finish()
}

type deepgramDialer func(ctx context.Context, apiKey string, opts *interfaces.LiveTranscriptionOptions, cb msginterfaces.LiveMessageCallback) (liveConn, error)

func dialDeepgram(ctx context.Context, apiKey string, opts *interfaces.LiveTranscriptionOptions, cb msginterfaces.LiveMessageCallback) (liveConn, error) {
	client, err := listenClient.NewWSUsingCallback(ctx, apiKey, &interfaces.ClientOptions{}, opts, cb)
	if err != nil {
		return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	if !client.Connect() {
		return nil, errors.New("failed to connect to Deepgram")
	}
	return client, nil
}

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler // Embed default handler for methods we don't override
	stream                                 *deepgramStream
}

// Message forwards final transcripts and watches for the finalize acknowledgement
func (m *messageCallbackHandler) Message(msg *msginterfaces.MessageResponse) error {
	m.stream.handleMessage(msg)
	return nil
}

// Close marks the stream drained when Deepgram closes the socket
func (m *messageCallbackHandler) Close(*msginterfaces.CloseResponse) error {
	m.stream.markDrained()
	return nil
}

// Error overrides the default handler to use our logger and breaker
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.stream.logger.Error().Interface("response", errorResponse).Msg("Deepgram error")
	observability.RecordBreakerResult(m.stream.breaker, errors.New("deepgram stream error"))
	return nil
}

// DeepgramTranscriber implements Transcriber using Deepgram's streaming API
type DeepgramTranscriber struct {
	apiKey       string
	model        string
	language     string
	drainTimeout time.Duration
	breaker      *resilience.CircuitBreaker
	logger       zerolog.Logger
	dial         deepgramDialer
}

// NewDeepgramTranscriber creates a Deepgram transcriber
func NewDeepgramTranscriber(cfg *config.Config, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *DeepgramTranscriber {
	return &DeepgramTranscriber{
		apiKey:       cfg.DeepgramAPIKey,
		model:        cfg.DeepgramModel,
		language:     cfg.DeepgramLanguage,
		drainTimeout: cfg.DrainTimeout(),
		breaker:      breaker,
		logger:       logger.With().Str("component", "deepgram").Logger(),
		dial:         dialDeepgram,
	}
}

// Name implements Transcriber
func (d *DeepgramTranscriber) Name() string { return "deepgram" }

// Open starts a live transcription session
func (d *DeepgramTranscriber) Open(ctx context.Context, cfg StreamConfig, onFragment FragmentFunc) (Stream, error) {
	// Client audio is 16-bit PCM; the WAV header is stripped before sending
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.model,
		Language:       d.language,
		Punctuate:      true,
		InterimResults: false,
		Encoding:       "linear16",
		Channels:       cfg.Channels,
		SampleRate:     cfg.SampleRate,
	}

	stream := &deepgramStream{
		gate:         newFragmentGate(onFragment),
		header:       newHeaderStripper(cfg.Encoding),
		drained:      make(chan struct{}),
		drainTimeout: d.drainTimeout,
		breaker:      d.breaker,
		logger:       d.logger,
	}
	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		stream:                 stream,
	}

	var conn liveConn
	err := d.breaker.Call(func() error {
		var err error
		conn, err = d.dial(ctx, d.apiKey, tOptions, callback)
		return err
	})
	if err != nil {
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(d.breaker.Name())
		}
		return nil, fmt.Errorf("deepgram open: %w", err)
	}
	stream.conn = conn

	d.logger.Debug().
		Str("model", d.model).
		Int("sample_rate", cfg.SampleRate).
		Int("channels", cfg.Channels).
		Msg("Deepgram stream opened")
	return stream, nil
}

type deepgramStream struct {
	conn         liveConn
	gate         *fragmentGate
	header       *headerStripper
	drainTimeout time.Duration
	breaker      *resilience.CircuitBreaker
	logger       zerolog.Logger

	mu          sync.Mutex
	closed      bool
	drained     chan struct{}
	drainedOnce sync.Once
}

func (s *deepgramStream) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}

	if msg.IsFinal && len(msg.Channel.Alternatives) > 0 {
		s.gate.deliver(msg.Channel.Alternatives[0].Transcript)
	}

	if msg.FromFinalize {
		s.markDrained()
	}
}

func (s *deepgramStream) markDrained() {
	s.drainedOnce.Do(func() { close(s.drained) })
}

// Send implements Stream
func (s *deepgramStream) Send(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStreamClosed
	}

	chunk = s.header.strip(chunk)
	if len(chunk) == 0 {
		return nil
	}

	err := s.breaker.Call(func() error {
		_, err := s.conn.Write(chunk)
		return err
	})
	if err != nil {
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(s.breaker.Name())
		}
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

// Close asks Deepgram to flush buffered audio, waits for the acknowledgement
// up to the drain timeout, then finishes the connection.
func (s *deepgramStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tail := s.header.flush()
	s.mu.Unlock()

	if len(tail) > 0 {
		if _, werr := s.conn.Write(tail); werr != nil {
			s.logger.Warn().Err(werr).Msg("Failed to send buffered audio to Deepgram")
		}
	}

	var err error
	if ferr := s.conn.Finalize(); ferr != nil {
		err = fmt.Errorf("deepgram finalize: %w", ferr)
		s.logger.Warn().Err(ferr).Msg("Deepgram finalize failed")
	} else {
		timer := time.NewTimer(s.drainTimeout)
		select {
		case <-s.drained:
		case <-timer.C:
			s.logger.Warn().Dur("timeout", s.drainTimeout).Msg("Deepgram drain timed out")
		}
		timer.Stop()
	}

	s.gate.shut()
	s.conn.Finish()

	s.logger.Debug().Msg("Deepgram stream closed")
	return err
}
