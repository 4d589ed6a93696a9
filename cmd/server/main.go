package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-relay/internal/completion"
	"github.com/lexiqai/voice-relay/internal/config"
	"github.com/lexiqai/voice-relay/internal/observability"
	"github.com/lexiqai/voice-relay/internal/relay"
	"github.com/lexiqai/voice-relay/internal/resilience"
	"github.com/lexiqai/voice-relay/internal/session"
	"github.com/lexiqai/voice-relay/internal/stt"
	"github.com/lexiqai/voice-relay/internal/tts"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("stt_provider", cfg.STTProvider).
		Str("completion_provider", cfg.CompletionProvider).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Relay Service starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, checks, closers, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize providers")
	}
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close provider client")
			}
		}
	}()

	mux := http.NewServeMux()

	// Client WebSocket endpoint, also served on the root path
	wsHandler := relay.NewHandler(relay.OptionsFromConfig(cfg), deps, logger)
	mux.Handle("/ws", wsHandler)
	mux.Handle("/{$}", wsHandler)

	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks...))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// No Read/WriteTimeout: WebSocket connections are long-lived and enforce
	// their own deadlines
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
		return
	}

	logger.Info().Msg("Server exited gracefully")
}

// buildDeps creates the shared provider adapters selected by configuration
func buildDeps(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (session.Deps, []observability.DependencyCheck, []io.Closer, error) {
	var (
		checks  []observability.DependencyCheck
		closers []io.Closer
	)

	breaker := func(name string) *resilience.CircuitBreaker {
		return observability.NewCircuitBreaker(name, cfg.CircuitBreakerMaxFailures, cfg.CircuitBreakerResetTimeout, logger)
	}

	var transcriber stt.Transcriber
	switch cfg.STTProvider {
	case config.STTProviderGoogle:
		sttBreaker := breaker("google_speech")
		checks = append(checks, observability.DependencyCheck{Name: "stt", Check: observability.BreakerCheck(sttBreaker)})
		g, err := stt.NewGoogleTranscriber(ctx, cfg, sttBreaker, logger)
		if err != nil {
			return session.Deps{}, nil, nil, fmt.Errorf("failed to create Google Speech client: %w", err)
		}
		closers = append(closers, g)
		transcriber = g
	default:
		sttBreaker := breaker("deepgram")
		checks = append(checks, observability.DependencyCheck{Name: "stt", Check: observability.BreakerCheck(sttBreaker)})
		transcriber = stt.NewDeepgramTranscriber(cfg, sttBreaker, logger)
	}

	var inner completion.Completer
	switch cfg.CompletionProvider {
	case config.CompletionProviderOrchestrator:
		o, err := completion.NewOrchestratorCompleter(cfg, logger)
		if err != nil {
			return session.Deps{}, nil, closers, fmt.Errorf("failed to create orchestrator client: %w", err)
		}
		closers = append(closers, o)
		inner = o
	default:
		g, err := completion.NewGeminiCompleter(ctx, cfg, logger)
		if err != nil {
			return session.Deps{}, nil, closers, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		inner = g
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond
	completer := completion.NewResilient(inner, breaker(inner.Name()), retry, time.Duration(cfg.CompletionTimeout)*time.Second)
	checks = append(checks, observability.DependencyCheck{Name: "completion", Check: completer.HealthCheck})

	ttsBreaker := breaker("elevenlabs")
	checks = append(checks, observability.DependencyCheck{Name: "tts", Check: observability.BreakerCheck(ttsBreaker)})
	synthesizer := tts.NewElevenLabsSynthesizer(cfg, ttsBreaker, logger)

	deps := session.Deps{
		Transcriber: transcriber,
		Completer:   completer,
		Synthesizer: synthesizer,
		Voice:       cfg.ElevenLabsVoiceID,
		Model:       cfg.ElevenLabsModelID,
	}
	return deps, checks, closers, nil
}
