package inference

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/tracing"
)

// HealthProbe checks an inference runtime that exposes the standard gRPC
// health service.
type HealthProbe struct {
	conn   *grpc.ClientConn
	client healthpb.HealthClient
}

// NewHealthProbe creates a lazily connecting probe for addr.
func NewHealthProbe(addr string, tracer *tracing.Tracer, opts ...grpc.DialOption) (*HealthProbe, error) {
	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if tracer != nil {
		dialOpts = append(dialOpts, grpc.WithUnaryInterceptor(tracing.GRPCUnaryClientInterceptor(tracer)))
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create health client for %s: %w", addr, err)
	}

	return &HealthProbe{conn: conn, client: healthpb.NewHealthClient(conn)}, nil
}

// Check reports whether service is SERVING. An empty name checks the whole server.
func (p *HealthProbe) Check(ctx context.Context, service string) (bool, error) {
	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close releases the connection.
func (p *HealthProbe) Close() error {
	return p.conn.Close()
}
