//go:build integration

package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// RedisTest returns a client for an empty Redis database plus a cleanup
// function. REDIS_URL selects an existing server; otherwise a disposable
// container is started.
func RedisTest(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	ctx := context.Background()

	url := os.Getenv("REDIS_URL")
	stopContainer := func() {}
	if url == "" {
		container, err := tcredis.Run(ctx, "redis:7-alpine")
		if err != nil {
			t.Skipf("redistest: no REDIS_URL and redis container unavailable: %v", err)
		}
		stopContainer = func() { _ = testcontainers.TerminateContainer(container) }

		url, err = container.ConnectionString(ctx)
		if err != nil {
			stopContainer()
			t.Fatalf("redistest: container connection string: %v", err)
		}
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		stopContainer()
		t.Fatalf("redistest: parse redis URL: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		stopContainer()
		t.Fatalf("redistest: ping redis: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		_ = client.Close()
		stopContainer()
		t.Fatalf("redistest: flush redis: %v", err)
	}

	cleanup := func() {
		_ = client.FlushDB(ctx).Err()
		_ = client.Close()
		stopContainer()
	}
	return client, cleanup
}
