package completion

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/voice-relay/internal/config"
	"github.com/lexiqai/voice-relay/internal/resilience"
)

// CompleteMethod is the unary RPC an orchestrator serves. The request is a
// Struct {"text": string}; the reply is a Struct {"response": string}.
const CompleteMethod = "/voicerelay.v1.Completion/Complete"

// OrchestratorCompleter calls an external completion orchestrator over gRPC
type OrchestratorCompleter struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	target  string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewOrchestratorCompleter creates the gRPC client. The connection is
// established lazily on the first call.
func NewOrchestratorCompleter(cfg *config.Config, logger zerolog.Logger, extra ...grpc.DialOption) (*OrchestratorCompleter, error) {
	var opts []grpc.DialOption

	// TLS configuration
	if cfg.OrchestratorTLSEnabled {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// Keepalive settings for long-lived connections
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             3 * time.Second,
		PermitWithoutStream: true,
	}))
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(cfg.OrchestratorURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator client for %s: %w", cfg.OrchestratorURL, err)
	}

	logger = logger.With().Str("component", "orchestrator").Logger()
	logger.Info().Str("target", cfg.OrchestratorURL).Msg("Orchestrator client created")

	return &OrchestratorCompleter{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		target:  cfg.OrchestratorURL,
		timeout: time.Duration(cfg.OrchestratorTimeout) * time.Second,
		logger:  logger,
	}, nil
}

// Name implements Completer
func (c *OrchestratorCompleter) Name() string { return "orchestrator" }

// Complete invokes CompleteMethod with the transcript
func (c *OrchestratorCompleter) Complete(ctx context.Context, text string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := structpb.NewStruct(map[string]any{"text": text})
	if err != nil {
		return "", fmt.Errorf("failed to build orchestrator request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, CompleteMethod, req, resp); err != nil {
		err = fmt.Errorf("orchestrator complete: %w", err)
		switch status.Code(err) {
		case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
			return "", resilience.NewRetryableError(err)
		}
		return "", err
	}

	out := resp.GetFields()["response"].GetStringValue()
	if out == "" {
		c.logger.Warn().Msg("Empty response from orchestrator, using fallback")
		return FallbackResponse, nil
	}
	return out, nil
}

// HealthCheck queries the standard gRPC health service
func (c *OrchestratorCompleter) HealthCheck(ctx context.Context) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close closes the gRPC connection
func (c *OrchestratorCompleter) Close() error {
	return c.conn.Close()
}
