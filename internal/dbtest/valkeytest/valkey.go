// Package valkeytest spins up a disposable valkey container for
// integration tests. It needs a reachable Docker daemon.
package valkeytest

import (
	"context"
	"fmt"
	"net"

	"github.com/docker/go-connections/nat"
	"github.com/valkey-io/valkey-go"

	valkeycontainer "github.com/testcontainers/testcontainers-go/modules/valkey"
	slogctx "github.com/veqryn/slog-context"
)

const image = "valkey/valkey:8-alpine"

// Run starts a valkey container and returns a connected client together with
// a terminate function. The caller owns both and must terminate the container
// after closing the client.
func Run(ctx context.Context) (valkey.Client, func(context.Context), error) {
	container, err := valkeycontainer.Run(ctx, image)
	if err != nil {
		return nil, nil, fmt.Errorf("starting valkey container: %w", err)
	}

	terminate := func(ctx context.Context) {
		if err := container.Terminate(ctx); err != nil {
			slogctx.Error(ctx, "Failed to terminate valkey container", "error", err)
		}
	}

	port, err := container.MappedPort(ctx, nat.Port("6379"))
	if err != nil {
		terminate(ctx)
		return nil, nil, fmt.Errorf("resolving mapped valkey port: %w", err)
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{net.JoinHostPort("localhost", port.Port())},
	})
	if err != nil {
		terminate(ctx)
		return nil, nil, fmt.Errorf("connecting to valkey container: %w", err)
	}

	return client, terminate, nil
}
