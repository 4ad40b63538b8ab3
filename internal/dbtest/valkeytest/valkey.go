// Package valkeytest runs a throwaway ValKey container for session store tests.
package valkeytest

import (
	"context"
	"net"
	"slices"

	"github.com/docker/go-connections/nat"
	"github.com/valkey-io/valkey-go"

	valkeycontainer "github.com/testcontainers/testcontainers-go/modules/valkey"
	slogctx "github.com/veqryn/slog-context"
)

const Image = "valkey/valkey:8-alpine"

// Start runs a ValKey container and returns a connected client, the mapped
// port and a termination function. Failures panic, as this only runs from
// TestMain or integration setup.
func Start(ctx context.Context) (valkey.Client, nat.Port, func(ctx context.Context)) {
	container, err := valkeycontainer.Run(ctx, Image)
	if err != nil {
		slogctx.Error(ctx, "Failed to start ValKey container", "error", err)
		panic(err)
	}

	port, err := container.MappedPort(ctx, nat.Port("6379"))
	if err != nil {
		slogctx.Error(ctx, "Failed to map a port for the ValKey container", "error", err)
		panic(err)
	}

	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{Addr(port)}})
	if err != nil {
		slogctx.Error(ctx, "Failed to initialise a ValKey client", "error", err)
		panic(err)
	}

	return client, port, func(ctx context.Context) {
		client.Close()
		if err := container.Terminate(ctx); err != nil {
			slogctx.Error(ctx, "Failed to terminate ValKey container", "error", err)
			panic(err)
		}
	}
}

// Addr is the host:port a client on the test host dials.
func Addr(port nat.Port) string {
	return net.JoinHostPort("localhost", port.Port())
}

// Keys returns the sorted raw keys matching pattern. It lets tests check
// what a store actually left behind.
func Keys(ctx context.Context, client valkey.Client, pattern string) ([]string, error) {
	keys, err := client.Do(ctx, client.B().Keys().Pattern(pattern).Build()).AsStrSlice()
	if err != nil {
		return nil, err
	}

	slices.Sort(keys)

	return keys, nil
}
