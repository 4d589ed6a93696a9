package completion

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/lexiqai/voice-relay/internal/config"
)

type generateFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// GeminiCompleter implements Completer with the Gemini API
type GeminiCompleter struct {
	client       *genai.Client
	generate     generateFunc
	model        string
	systemPrompt string
	temperature  float32
	logger       zerolog.Logger
}

// NewGeminiCompleter creates a Gemini client
func NewGeminiCompleter(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*GeminiCompleter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiCompleter{
		client:       client,
		generate:     client.Models.GenerateContent,
		model:        cfg.GeminiModel,
		systemPrompt: cfg.CompletionSystemPrompt,
		temperature:  cfg.CompletionTemperature,
		logger:       logger.With().Str("component", "gemini").Logger(),
	}, nil
}

// Name implements Completer
func (g *GeminiCompleter) Name() string { return "gemini" }

// Complete sends text as a single user turn under the configured system prompt
func (g *GeminiCompleter) Complete(ctx context.Context, text string) (string, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}

	genConfig := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(g.temperature),
	}
	if g.systemPrompt != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(g.systemPrompt, genai.RoleUser)
	}

	resp, err := g.generate(ctx, g.model, contents, genConfig)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}

	out := responseText(resp)
	if out == "" {
		g.logger.Warn().Str("model", g.model).Msg("Empty response from Gemini, using fallback")
		return FallbackResponse, nil
	}
	return out, nil
}

// HealthCheck verifies the configured model is reachable
func (g *GeminiCompleter) HealthCheck(ctx context.Context) (bool, error) {
	if g.client == nil {
		return false, fmt.Errorf("gemini client is not initialized")
	}
	if _, err := g.client.Models.Get(ctx, g.model, nil); err != nil {
		return false, fmt.Errorf("gemini model lookup failed: %w", err)
	}
	return true, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}

	candidate := resp.Candidates[0]
	if candidate == nil || candidate.Content == nil {
		return ""
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}
