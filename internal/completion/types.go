package completion

import "context"

// FallbackResponse is returned when the model produces no text
const FallbackResponse = "Sorry, I couldn't generate a response."

// Completer turns a user transcript into a response text
type Completer interface {
	Complete(ctx context.Context, text string) (string, error)

	// Name identifies the provider in logs and metrics
	Name() string
}

// HealthChecker is implemented by completers that can probe their upstream
type HealthChecker interface {
	HealthCheck(ctx context.Context) (bool, error)
}
