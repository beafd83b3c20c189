package inference

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/tracing"
)

func TestHealthProbe(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	tracer := tracing.New("test", zap.NewNop())
	t.Cleanup(tracer.Close)

	probe, err := NewHealthProbe("passthrough:///bufnet", tracer,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = probe.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := probe.Check(ctx, "")
	require.NoError(t, err)
	assert.True(t, ok)

	hs.SetServingStatus("ollama", healthpb.HealthCheckResponse_NOT_SERVING)
	ok, err = probe.Check(ctx, "ollama")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = probe.Check(ctx, "unknown")
	assert.Error(t, err, "unregistered service reports NotFound")
}
