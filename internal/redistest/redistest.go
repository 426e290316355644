// Package redistest runs a throwaway Redis container for package tests.
package redistest

import (
	"context"
	"flag"
	"log"
	"os"
	"testing"
	"time"

	r "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var client *r.Client

// Main wraps m.Run with a Redis container. Under -short no container is
// started and Client skips.
func Main(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start redis: %v", err)
	}
	host, err := ctr.Host(ctx)
	if err != nil {
		log.Fatalf("container host: %v", err)
	}
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := ctr.MappedPort(ctx, "6379")
	if err != nil {
		log.Fatalf("container port: %v", err)
	}
	client = r.NewClient(&r.Options{Addr: host + ":" + port.Port()})

	code := m.Run()

	_ = client.Close()
	_ = ctr.Terminate(ctx)
	os.Exit(code)
}

// Client returns a connection to an empty database.
func Client(t *testing.T) *r.Client {
	t.Helper()
	if client == nil {
		t.Skip("integration test; run without -short")
	}
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flushdb: %v", err)
	}
	return client
}
