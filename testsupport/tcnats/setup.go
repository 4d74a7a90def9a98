package tcnats

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/nats-io/nats.go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Connect returns a connection to a jetstream enabled nats server.
// TESTNATS_URL selects an external server, otherwise a container is started.
func Connect(t *testing.T) *nats.Conn {
	t.Helper()
	if testing.Short() {
		t.Skip("nats tests need a container runtime")
	}
	url := os.Getenv("TESTNATS_URL")
	if url == "" {
		url = startContainer(t)
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func startContainer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	port, err := nat.NewPort("tcp", "4222")
	if err != nil {
		t.Fatal(err)
	}
	container, err := testcontainers.GenericContainer(ctx,
		testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "nats:2.10",
				Cmd:          []string{"-js"},
				ExposedPorts: []string{string(port)},
				WaitingFor: wait.ForLog("Server is ready").
					WithStartupTimeout(30 * time.Second),
			},
			Started: true,
		})
	if err != nil {
		t.Fatalf("start nats container: %v", err)
	}
	t.Cleanup(func() {
		//nolint:errcheck // test cleanup
		testcontainers.TerminateContainer(container)
	})
	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		t.Fatal(err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return fmt.Sprintf("nats://%s:%s", host, mapped.Port())
}
