// Package testutil holds helpers shared by integration tests. Everything
// here needs a container runtime, so callers live behind the integration
// build tag.
package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kilnproject/kiln/pkg/taskboard"
)

// StartRedis starts a throwaway Redis container and returns its address.
func StartRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := redisC.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, nat.Port("6379/tcp"))
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	return fmt.Sprintf("%s:%s", host, port.Port())
}

// Board connects a task board client for instance against a containerised
// Redis, cleaned up with the test.
func Board(t *testing.T, instance string) *taskboard.Client {
	t.Helper()
	addr := StartRedis(t)

	client, err := taskboard.NewClient(&redis.Options{Addr: addr}, instance)
	if err != nil {
		t.Fatalf("Failed to create task board client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}
