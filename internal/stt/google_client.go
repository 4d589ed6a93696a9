package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-relay/internal/config"
	"github.com/lexiqai/voice-relay/internal/observability"
	"github.com/lexiqai/voice-relay/internal/resilience"
)

// recognizeStream is the bidirectional StreamingRecognize client
type recognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

type recognizeOpener func(ctx context.Context) (recognizeStream, error)

// GoogleTranscriber implements Transcriber with Google Cloud Speech-to-Text.
// Credentials come from Application Default Credentials.
type GoogleTranscriber struct {
	client       *speech.Client
	open         recognizeOpener
	language     string
	drainTimeout time.Duration
	breaker      *resilience.CircuitBreaker
	logger       zerolog.Logger
}

// NewGoogleTranscriber creates the shared Cloud Speech client
func NewGoogleTranscriber(ctx context.Context, cfg *config.Config, breaker *resilience.CircuitBreaker, logger zerolog.Logger) (*GoogleTranscriber, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	return &GoogleTranscriber{
		client: client,
		open: func(ctx context.Context) (recognizeStream, error) {
			return client.StreamingRecognize(ctx)
		},
		language:     cfg.GoogleLanguage,
		drainTimeout: cfg.DrainTimeout(),
		breaker:      breaker,
		logger:       logger.With().Str("component", "google_speech").Logger(),
	}, nil
}

// Name implements Transcriber
func (g *GoogleTranscriber) Name() string { return "google" }

// Close releases the shared client
func (g *GoogleTranscriber) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

// Open starts a StreamingRecognize call and sends the recognition config
func (g *GoogleTranscriber) Open(ctx context.Context, cfg StreamConfig, onFragment FragmentFunc) (Stream, error) {
	encoding, err := audioEncoding(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)

	var rs recognizeStream
	err = g.breaker.Call(func() error {
		var err error
		rs, err = g.open(streamCtx)
		if err != nil {
			return fmt.Errorf("failed to create streaming recognize: %w", err)
		}

		return rs.Send(&speechpb.StreamingRecognizeRequest{
			StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
				StreamingConfig: &speechpb.StreamingRecognitionConfig{
					Config: &speechpb.RecognitionConfig{
						Encoding:          encoding,
						SampleRateHertz:   int32(cfg.SampleRate),
						AudioChannelCount: int32(cfg.Channels),
						LanguageCode:      g.language,
					},
					InterimResults: false, // We only want final results
				},
			},
		})
	})
	if err != nil {
		cancel()
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(g.breaker.Name())
		}
		return nil, fmt.Errorf("google speech open: %w", err)
	}

	stream := &googleStream{
		rs:           rs,
		cancel:       cancel,
		gate:         newFragmentGate(onFragment),
		header:       newHeaderStripper(cfg.Encoding),
		done:         make(chan struct{}),
		drainTimeout: g.drainTimeout,
		breaker:      g.breaker,
		logger:       g.logger,
	}
	go stream.receive()

	return stream, nil
}

func audioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}

type googleStream struct {
	rs           recognizeStream
	cancel       context.CancelFunc
	gate         *fragmentGate
	header       *headerStripper
	done         chan struct{}
	drainTimeout time.Duration
	breaker      *resilience.CircuitBreaker
	logger       zerolog.Logger

	mu      sync.Mutex
	closed  bool
	recvErr error
}

func (s *googleStream) receive() {
	defer close(s.done)

	for {
		resp, err := s.rs.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			s.mu.Lock()
			s.recvErr = err
			s.mu.Unlock()
			s.logger.Warn().Err(err).Msg("Google speech receive failed")
			return
		}

		for _, result := range resp.GetResults() {
			if result.GetIsFinal() && len(result.GetAlternatives()) > 0 {
				s.gate.deliver(result.GetAlternatives()[0].GetTranscript())
			}
		}
	}
}

// Send implements Stream
func (s *googleStream) Send(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStreamClosed
	}
	if s.recvErr != nil {
		return fmt.Errorf("google speech stream failed: %w", s.recvErr)
	}

	chunk = s.header.strip(chunk)
	if len(chunk) == 0 {
		return nil
	}

	err := s.breaker.Call(func() error {
		return s.rs.Send(&speechpb.StreamingRecognizeRequest{
			StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
				AudioContent: chunk,
			},
		})
	})
	if err != nil {
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(s.breaker.Name())
		}
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	return nil
}

// Close half-closes the stream and waits for the server to deliver its
// remaining results, bounded by the drain timeout.
func (s *googleStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tail := s.header.flush()
	failed := s.recvErr != nil
	s.mu.Unlock()

	if len(tail) > 0 && !failed {
		if serr := s.rs.Send(&speechpb.StreamingRecognizeRequest{
			StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: tail},
		}); serr != nil {
			s.logger.Warn().Err(serr).Msg("Failed to send buffered audio to Google speech")
		}
	}

	err := s.rs.CloseSend()
	if err != nil {
		err = fmt.Errorf("failed to close send stream: %w", err)
	} else {
		timer := time.NewTimer(s.drainTimeout)
		select {
		case <-s.done:
		case <-timer.C:
			s.logger.Warn().Dur("timeout", s.drainTimeout).Msg("Google speech drain timed out")
		}
		timer.Stop()
	}

	s.gate.shut()
	s.cancel()
	return err
}
