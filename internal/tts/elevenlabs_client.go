package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-relay/internal/config"
	"github.com/lexiqai/voice-relay/internal/observability"
	"github.com/lexiqai/voice-relay/internal/resilience"
)

// Defaults used when neither the request nor the configuration names a voice or model
const (
	DefaultVoiceID = "Xb7hH8MSUJpSbSDYk0k2"
	DefaultModelID = "eleven_turbo_v2"
)

// voiceSettings matches the ElevenLabs stream-input voice_settings object
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

type generationConfig struct {
	ChunkLengthSchedule []int `json:"chunk_length_schedule"`
}

// textFrame is a client-to-server stream-input message
type textFrame struct {
	Text             string            `json:"text"`
	VoiceSettings    *voiceSettings    `json:"voice_settings,omitempty"`
	GenerationConfig *generationConfig `json:"generation_config,omitempty"`
}

// audioFrame is a server-to-client stream-input message
type audioFrame struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// ElevenLabsSynthesizer implements Synthesizer over the ElevenLabs
// stream-input WebSocket API
type ElevenLabsSynthesizer struct {
	apiKey    string
	baseURL   string
	voiceID   string
	modelID   string
	dialer    *websocket.Dialer
	reconnect *resilience.ReconnectConfig
	breaker   *resilience.CircuitBreaker
	logger    zerolog.Logger
}

// NewElevenLabsSynthesizer creates a new ElevenLabs TTS client
func NewElevenLabsSynthesizer(cfg *config.Config, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *ElevenLabsSynthesizer {
	voice := cfg.ElevenLabsVoiceID
	if voice == "" {
		voice = DefaultVoiceID
	}
	model := cfg.ElevenLabsModelID
	if model == "" {
		model = DefaultModelID
	}

	return &ElevenLabsSynthesizer{
		apiKey:  cfg.ElevenLabsAPIKey,
		baseURL: strings.TrimRight(cfg.ElevenLabsURL, "/"),
		voiceID: voice,
		modelID: model,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		reconnect: &resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  5 * time.Second,
		},
		breaker: breaker,
		logger:  logger.With().Str("component", "elevenlabs").Logger(),
	}
}

// Name implements Synthesizer
func (e *ElevenLabsSynthesizer) Name() string { return "elevenlabs" }

func (e *ElevenLabsSynthesizer) streamURL(voice, model string) string {
	return fmt.Sprintf("%s/text-to-speech/%s/stream-input?model_id=%s",
		e.baseURL, url.PathEscape(voice), url.QueryEscape(model))
}

// Open dials the stream-input endpoint, sends the whole text and starts
// delivering audio to h
func (e *ElevenLabsSynthesizer) Open(ctx context.Context, req Request, h Handlers) (Stream, error) {
	voice := req.Voice
	if voice == "" {
		voice = e.voiceID
	}
	model := req.Model
	if model == "" {
		model = e.modelID
	}
	target := e.streamURL(voice, model)

	header := http.Header{}
	header.Set("xi-api-key", e.apiKey)

	var conn *websocket.Conn
	err := e.breaker.CallContext(ctx, func() error {
		return resilience.Reconnect(ctx, func(ctx context.Context) error {
			c, resp, err := e.dialer.DialContext(ctx, target, header)
			if err != nil {
				if resp != nil {
					return fmt.Errorf("elevenlabs handshake failed with status %d: %w", resp.StatusCode, err)
				}
				return err
			}
			conn = c
			return nil
		}, e.reconnect, e.logger)
	})
	if err != nil {
		if !errors.Is(err, resilience.ErrCircuitOpen) && !errors.Is(err, context.Canceled) {
			observability.IncrementCircuitBreakerFailures(e.breaker.Name())
		}
		return nil, fmt.Errorf("elevenlabs open: %w", err)
	}

	// init frame, the text, then an empty frame to flush and end input
	frames := []textFrame{
		{
			Text: " ",
			VoiceSettings: &voiceSettings{
				Stability:       0.5,
				SimilarityBoost: 0.8,
				UseSpeakerBoost: false,
			},
			GenerationConfig: &generationConfig{
				ChunkLengthSchedule: []int{120, 160, 250, 290},
			},
		},
		{Text: req.Text},
		{Text: ""},
	}
	for _, f := range frames {
		if err := conn.WriteJSON(f); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to send text to ElevenLabs: %w", err)
		}
	}

	stream := &elevenLabsStream{
		conn:     conn,
		handlers: h,
		logger:   e.logger,
	}
	go stream.readLoop()

	e.logger.Debug().Str("voice", voice).Str("model", model).Int("text_len", len(req.Text)).Msg("ElevenLabs stream opened")
	return stream, nil
}

type elevenLabsStream struct {
	conn     *websocket.Conn
	handlers Handlers
	logger   zerolog.Logger

	// mu is held while a handler runs so Close can guarantee no handler
	// fires after it returns
	mu       sync.Mutex
	closed   bool
	finished bool
}

func (s *elevenLabsStream) readLoop() {
	defer s.conn.Close()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.finish(nil)
			} else {
				s.finish(fmt.Errorf("elevenlabs read: %w", err))
			}
			return
		}

		var frame audioFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.finish(fmt.Errorf("invalid ElevenLabs message: %w", err))
			return
		}

		if frame.Error != "" {
			msg := frame.Error
			if frame.Message != "" {
				msg = frame.Error + ": " + frame.Message
			}
			s.finish(errors.New(msg))
			return
		}

		if frame.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(frame.Audio)
			if err != nil {
				s.finish(fmt.Errorf("invalid ElevenLabs audio: %w", err))
				return
			}
			s.deliver(chunk)
		}

		if frame.IsFinal {
			s.finish(nil)
			return
		}
	}
}

func (s *elevenLabsStream) deliver(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.finished || s.handlers.OnAudio == nil {
		return
	}
	s.handlers.OnAudio(chunk)
}

// finish fires the terminal handler once, unless the owner already closed the stream
func (s *elevenLabsStream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.finished {
		return
	}
	s.finished = true

	if err != nil {
		s.logger.Warn().Err(err).Msg("ElevenLabs stream failed")
		if s.handlers.OnError != nil {
			s.handlers.OnError(err)
		}
		return
	}
	if s.handlers.OnClose != nil {
		s.handlers.OnClose()
	}
}

// Close implements Stream
func (s *elevenLabsStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	finished := s.finished
	s.mu.Unlock()

	if !finished {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
