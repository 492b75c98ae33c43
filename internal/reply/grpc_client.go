package reply

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/voice-turns/internal/resilience"
	"github.com/lexiqai/voice-turns/internal/voiceerr"
)

// DefaultGRPCMethod is the unary method invoked when none is configured.
const DefaultGRPCMethod = "/voice.reply.v1.ReplyService/Generate"

// GRPCConfig configures the gRPC reply client.
type GRPCConfig struct {
	Target  string
	Method  string
	Timeout time.Duration
	Breaker *resilience.CircuitBreaker
	Retry   *resilience.RetryConfig
	Logger  zerolog.Logger
	// DialOptions are appended after the defaults (tests use a bufconn dialer).
	DialOptions []grpc.DialOption
}

// GRPCGenerator calls a remote reply service. Requests and responses are
// google.protobuf.Struct messages:
//
//	request:  {messages: [{role, content}], language, verbosity, system_prompt}
//	response: {text, end_conversation}
type GRPCGenerator struct {
	cfg GRPCConfig

	mu   sync.RWMutex
	conn *grpc.ClientConn
}

// NewGRPCGenerator creates the client. The connection is established lazily.
func NewGRPCGenerator(cfg GRPCConfig) (*GRPCGenerator, error) {
	if cfg.Method == "" {
		cfg.Method = DefaultGRPCMethod
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker("reply-grpc", 5, 30*time.Second)
	}
	if cfg.Retry == nil {
		cfg.Retry = resilience.DefaultRetryConfig()
	}

	g := &GRPCGenerator{cfg: cfg}
	if err := g.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to reply service: %w", err)
	}
	return g, nil
}

func (g *GRPCGenerator) connect() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conn != nil {
		return nil
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		// Keepalive settings for long-lived connections
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, g.cfg.DialOptions...)

	conn, err := grpc.NewClient(g.cfg.Target, opts...)
	if err != nil {
		return fmt.Errorf("failed to create client for %s: %w", g.cfg.Target, err)
	}
	g.conn = conn

	g.cfg.Logger.Info().Str("target", g.cfg.Target).Str("method", g.cfg.Method).Msg("Reply service client created")
	return nil
}

func (g *GRPCGenerator) client() (*grpc.ClientConn, error) {
	g.mu.RLock()
	conn := g.conn
	g.mu.RUnlock()
	if conn != nil {
		return conn, nil
	}
	if err := g.connect(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.conn, nil
}

// Generate implements Generator.
func (g *GRPCGenerator) Generate(ctx context.Context, req Request) (*Reply, error) {
	in, err := encodeRequest(req)
	if err != nil {
		return nil, voiceerr.E(voiceerr.CollaboratorFailure, "reply.grpc", err)
	}

	out := &structpb.Struct{}
	err = g.cfg.Breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.RetryContext(ctx, func(ctx context.Context) error {
			conn, err := g.client()
			if err != nil {
				return err
			}
			callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
			defer cancel()
			return conn.Invoke(callCtx, g.cfg.Method, in, out)
		}, g.cfg.Retry, isRetryableStatus)
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, voiceerr.E(voiceerr.CollaboratorFailure, "reply.grpc", err)
	}

	return decodeReply(out, req.Language), nil
}

// HealthCheck queries the standard gRPC health service.
func (g *GRPCGenerator) HealthCheck(ctx context.Context) (bool, error) {
	conn, err := g.client()
	if err != nil {
		return false, err
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close closes the gRPC connection
func (g *GRPCGenerator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conn == nil {
		return nil
	}
	err := g.conn.Close()
	g.conn = nil
	return err
}

func encodeRequest(req Request) (*structpb.Struct, error) {
	messages := make([]any, 0, len(req.History))
	for _, m := range req.History {
		messages = append(messages, map[string]any{"role": m.Role, "content": m.Content})
	}
	return structpb.NewStruct(map[string]any{
		"messages":      messages,
		"language":      NormalizeLanguage(req.Language),
		"verbosity":     NormalizeVerbosity(req.Verbosity),
		"system_prompt": SystemMessage(req.Language, req.Verbosity),
	})
}

func decodeReply(out *structpb.Struct, lang string) *Reply {
	fields := out.GetFields()
	return finish(
		fields["text"].GetStringValue(),
		fields["end_conversation"].GetBoolValue(),
		lang,
	)
}

// isRetryableStatus treats transient gRPC codes as retryable.
func isRetryableStatus(err error) bool {
	if err == nil {
		return false
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return true
		case codes.Unknown:
			return resilience.IsRetryableNetworkError(err)
		default:
			return false
		}
	}
	return resilience.IsRetryableNetworkError(err)
}
