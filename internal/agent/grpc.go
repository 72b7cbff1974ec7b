package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// DecideMethod is the unary RPC served by a decision worker. Request and
// response are google.protobuf.Struct so no generated stubs are needed.
const DecideMethod = "/decision.DecisionService/Decide"

// GRPCAgent calls a decision worker over gRPC.
type GRPCAgent struct {
	Retries int
	Backoff time.Duration

	conn    *grpc.ClientConn
	timeout time.Duration
	log     *zap.Logger
}

// DialGRPC creates a client for addr; the connection is established lazily.
func DialGRPC(addr string, timeout time.Duration, log *zap.Logger, opts ...grpc.DialOption) (*GRPCAgent, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial decision worker %s: %w", addr, err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &GRPCAgent{
		Retries: 3,
		Backoff: time.Second,
		conn:    conn,
		timeout: timeout,
		log:     log,
	}, nil
}

// Close releases the connection.
func (g *GRPCAgent) Close() error {
	if g.conn == nil {
		return nil
	}
	return g.conn.Close()
}

// Decide sends {assets, context} and parses the returned struct as a decision
// document. Unavailable and ResourceExhausted are retried with backoff.
func (g *GRPCAgent) Decide(ctx context.Context, assets []string, prompt string) (Response, error) {
	list := make([]any, len(assets))
	for i, a := range assets {
		list[i] = a
	}
	req, err := structpb.NewStruct(map[string]any{"assets": list, "context": prompt})
	if err != nil {
		return Response{}, err
	}

	attempts := g.Retries
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := g.Backoff * time.Duration(1<<(attempt-1))
			g.log.Warn("⚠️ decision worker retry",
				zap.Int("attempt", attempt+1), zap.Duration("wait", wait), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(wait):
			}
		}

		resp, err := g.invoke(ctx, req)
		if err == nil {
			body, err := json.Marshal(resp.AsMap())
			if err != nil {
				return Response{}, err
			}
			return Parse(body)
		}
		if !retryableCode(status.Code(err)) {
			return Response{}, fmt.Errorf("decide rpc: %w", err)
		}
		lastErr = err
	}
	return Response{}, fmt.Errorf("decide rpc: giving up after %d attempts: %w", attempts, lastErr)
}

func (g *GRPCAgent) invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, DecideMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func retryableCode(c codes.Code) bool {
	return c == codes.Unavailable || c == codes.ResourceExhausted
}
