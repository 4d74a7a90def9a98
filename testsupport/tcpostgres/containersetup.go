package tcpostgres

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	defaultImage = "postgres:17-alpine"
	pgPort       = nat.Port("5432/tcp")
)

// Container is a reusable postgres container for the sync store tests.
type Container struct {
	testcontainers.Container
	user     string
	password string
	dbName   string
}

type containerConfig struct {
	name     string
	image    string
	user     string
	password string
	dbName   string
	timeout  time.Duration
}

type ContainerOption func(c *containerConfig)

func WithName(name string) ContainerOption {
	return func(c *containerConfig) { c.name = name }
}

// WithImage overrides the image. TESTDB_IMAGE is used if not set.
func WithImage(image string) ContainerOption {
	return func(c *containerConfig) { c.image = image }
}

func WithCredentials(user, password, dbName string) ContainerOption {
	return func(c *containerConfig) {
		c.user = user
		c.password = password
		c.dbName = dbName
	}
}

func WithStartupTimeout(d time.Duration) ContainerOption {
	return func(c *containerConfig) { c.timeout = d }
}

// StartContainer starts or reuses the named postgres container.
func StartContainer(ctx context.Context, opts ...ContainerOption) (*Container, error) {
	cfg := &containerConfig{
		name:     "iracelog-session-sync-test",
		image:    os.Getenv("TESTDB_IMAGE"),
		user:     "postgres",
		password: "password",
		dbName:   "postgres",
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.image == "" {
		cfg.image = defaultImage
	}

	req := testcontainers.ContainerRequest{
		Name:         cfg.name,
		Image:        cfg.image,
		ExposedPorts: []string{string(pgPort)},
		Cmd:          []string{"postgres", "-c", "fsync=off"},
		Env: map[string]string{
			"POSTGRES_USER":     cfg.user,
			"POSTGRES_PASSWORD": cfg.password,
			"POSTGRES_DB":       cfg.dbName,
		},
		// the server is restarted once after init
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2),
			wait.ForListeningPort(pgPort),
		).WithDeadline(cfg.timeout),
	}
	container, err := testcontainers.GenericContainer(ctx,
		testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
			Reuse:            true,
		})
	if err != nil {
		return nil, err
	}
	return &Container{
		Container: container,
		user:      cfg.user,
		password:  cfg.password,
		dbName:    cfg.dbName,
	}, nil
}

func (c *Container) ConnectionString(ctx context.Context) (string, error) {
	host, err := c.Host(ctx)
	if err != nil {
		return "", err
	}
	mapped, err := c.MappedPort(ctx, pgPort)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("postgresql://%s:%s@%s:%s/%s?sslmode=disable",
		c.user, c.password, host, mapped.Port(), c.dbName), nil
}
