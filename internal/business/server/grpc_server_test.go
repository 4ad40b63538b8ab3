package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/openkcm/identity-provider/internal/config"
)

func grpcTestConfig() *config.Config {
	return &config.Config{
		GRPC: config.GRPCServer{
			GRPCServer: commoncfg.GRPCServer{
				Address: "localhost:0",
			},
			ShutdownTimeout: 1 * time.Second,
		},
	}
}

func TestStartGRPCServer_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())

	errChan := make(chan error, 1)
	go func() {
		errChan <- StartGRPCServer(ctx, grpcTestConfig())
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errChan:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Server did not shut down within timeout")
	}
}

func TestStartGRPCServer_InvalidAddress(t *testing.T) {
	cfg := grpcTestConfig()
	cfg.GRPC.Address = "localhost:-1"

	assert.Error(t, StartGRPCServer(t.Context(), cfg))
}

func TestServeGRPC_HealthCheck(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	listener, err := new(net.ListenConfig).Listen(ctx, "tcp", "localhost:0")
	require.NoError(t, err)

	errChan := make(chan error, 1)
	go func() {
		errChan <- serveGRPC(ctx, grpcTestConfig(), listener)
	}()

	conn, err := grpc.NewClient(listener.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)

	tests := []struct {
		name       string
		service    string
		wantStatus healthpb.HealthCheckResponse_ServingStatus
		assertErr  assert.ErrorAssertionFunc
	}{
		{name: "overall", service: "", wantStatus: healthpb.HealthCheckResponse_SERVING, assertErr: assert.NoError},
		{name: "named service", service: HealthServiceName, wantStatus: healthpb.HealthCheckResponse_SERVING, assertErr: assert.NoError},
		{name: "unknown service", service: "session-manager", assertErr: assert.Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := client.Check(t.Context(), &healthpb.HealthCheckRequest{Service: tt.service})
			if !tt.assertErr(t, err) || err != nil {
				return
			}

			assert.Equal(t, tt.wantStatus, resp.GetStatus())
		})
	}

	cancel()
	select {
	case err := <-errChan:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Server did not shut down within timeout")
	}
}
