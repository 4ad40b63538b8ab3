package server

import (
	"context"
	"net"

	"github.com/openkcm/common-sdk/pkg/commongrpc"
	"github.com/samber/oops"
	"google.golang.org/grpc/health"

	slogctx "github.com/veqryn/slog-context"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/openkcm/identity-provider/internal/config"
)

// HealthServiceName is the service name reported by the gRPC health service
// next to the overall "" entry.
const HealthServiceName = "identity-provider"

// StartGRPCServer serves the gRPC health service until ctx is cancelled.
// Health reports NOT_SERVING before the listener drains.
func StartGRPCServer(ctx context.Context, cfg *config.Config) error {
	listener, err := new(net.ListenConfig).Listen(ctx, "tcp", cfg.GRPC.Address)
	if err != nil {
		return oops.In("gRPC Server").
			WithContext(ctx).
			Wrapf(err, "creating listener")
	}

	return serveGRPC(ctx, cfg, listener)
}

func serveGRPC(ctx context.Context, cfg *config.Config, listener net.Listener) error {
	grpcServer := commongrpc.NewServer(ctx, &cfg.GRPC.GRPCServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	go func() {
		slogctx.Info(ctx, "Starting GRPC server", "address", listener.Addr().String())

		if err := grpcServer.Serve(listener); err != nil {
			slogctx.Error(ctx, "Failed to serve gRPC endpoint", "error", err)
		}

		slogctx.Info(ctx, "Stopped gRPC server")
	}()

	<-ctx.Done()

	healthServer.Shutdown()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.GRPC.ShutdownTimeout)
	defer cancel()

	select {
	case <-stopped:
		slogctx.Info(shutdownCtx, "Completed graceful shutdown of gRPC server")
	case <-shutdownCtx.Done():
		grpcServer.Stop()
		slogctx.Warn(shutdownCtx, "Forced gRPC server stop after shutdown timeout")
	}

	return nil
}
