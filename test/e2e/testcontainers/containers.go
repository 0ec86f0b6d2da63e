package testcontainers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/testcontainers/testcontainers-go"
)

// endpoint resolves the host and mapped port of a started container. The
// container is terminated when either lookup fails.
func endpoint(ctx context.Context, container testcontainers.Container, port string) (string, int, error) {
	host, err := container.Host(ctx)
	if err != nil {
		if termErr := container.Terminate(ctx); termErr != nil {
			return "", 0, fmt.Errorf("failed to get container host: %w (cleanup error: %w)", err, termErr)
		}
		return "", 0, fmt.Errorf("failed to get container host: %w", err)
	}

	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		if termErr := container.Terminate(ctx); termErr != nil {
			return "", 0, fmt.Errorf("failed to get container port: %w (cleanup error: %w)", err, termErr)
		}
		return "", 0, fmt.Errorf("failed to get container port: %w", err)
	}

	return host, mapped.Int(), nil
}

// Terminate stops a container and logs the outcome. Nil containers are ignored.
func Terminate(ctx context.Context, container testcontainers.Container, logger *slog.Logger) {
	if container == nil {
		return
	}
	logger.Info("stopping container", "container_id", container.GetContainerID())
	if err := container.Terminate(ctx); err != nil {
		logger.Error("failed to stop container", "container_id", container.GetContainerID(), "error", err)
	}
}
