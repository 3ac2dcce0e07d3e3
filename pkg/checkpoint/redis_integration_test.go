//go:build integration

package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	t.Cleanup(func() {
		redisClient.Close()
		container.Terminate(ctx)
	})

	return redisClient
}

func TestRedisStore_Contract(t *testing.T) {
	runStoreContract(t, NewRedisStore(setupRedis(t)))
}

func TestRedisStore_ErrorLogAndStatistics(t *testing.T) {
	store := NewRedisStore(setupRedis(t))
	ctx := context.Background()

	if err := store.Save(ctx, New("KAFKA")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.LogError(ctx, ErrorEntry{SourceID: "KAFKA", RecordKey: "KAFKA-3", Kind: "MalformedDataError", Message: "bad"}); err != nil {
		t.Fatalf("LogError() error = %v", err)
	}
	if err := store.RecordStatistics(ctx, RunStatistics{SourceID: "KAFKA", TotalRecords: 10, Duration: time.Second}); err != nil {
		t.Fatalf("RecordStatistics() error = %v", err)
	}

	entries, err := store.Errors(ctx, "KAFKA")
	if err != nil || len(entries) != 1 || entries[0].RecordKey != "KAFKA-3" {
		t.Fatalf("Errors() = %v, %v", entries, err)
	}

	st, err := store.Statistics(ctx, "KAFKA")
	if err != nil || st.TotalRecords != 10 {
		t.Fatalf("Statistics() = %v, %v", st, err)
	}

	if err := store.Reset(ctx, "KAFKA"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if entries, _ := store.Errors(ctx, "KAFKA"); len(entries) != 0 {
		t.Errorf("Errors() after reset = %v, want none", entries)
	}
	if _, err := store.Statistics(ctx, "KAFKA"); err != ErrNotFound {
		t.Errorf("Statistics() after reset error = %v, want ErrNotFound", err)
	}
}
