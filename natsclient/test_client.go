//go:build integration

package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestClient runs a JetStream-enabled NATS server in a container and connects a Client to it
type TestClient struct {
	Client *Client
	URL    string

	container testcontainers.Container
}

type testConfig struct {
	natsVersion  string
	timeout      time.Duration
	startTimeout time.Duration
	clientOpts   []ClientOption
}

// TestOption configures a TestClient
type TestOption func(*testConfig)

// WithNATSVersion specifies the nats image tag
func WithNATSVersion(version string) TestOption {
	return func(cfg *testConfig) {
		cfg.natsVersion = version
	}
}

// WithStartTimeout sets the container startup timeout
func WithStartTimeout(timeout time.Duration) TestOption {
	return func(cfg *testConfig) {
		cfg.startTimeout = timeout
	}
}

// WithClientOptions passes extra options to the connected Client
func WithClientOptions(opts ...ClientOption) TestOption {
	return func(cfg *testConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

// NewTestClient starts a NATS container and returns a connected client.
// Cleanup is registered with t.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()

	cfg := &testConfig{
		natsVersion:  "2.11.7-alpine",
		timeout:      5 * time.Second,
		startTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	tc, err := startTestClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to start NATS test client: %v", err)
	}
	t.Cleanup(tc.Terminate)
	return tc
}

// NewSharedTestClient starts a container for use from TestMain, where no testing.TB exists.
// The caller must call Terminate.
func NewSharedTestClient(opts ...TestOption) (*TestClient, error) {
	cfg := &testConfig{
		natsVersion:  "2.11.7-alpine",
		timeout:      5 * time.Second,
		startTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return startTestClient(context.Background(), cfg)
}

func startTestClient(ctx context.Context, cfg *testConfig) (*TestClient, error) {
	req := testcontainers.ContainerRequest{
		Image:        "nats:" + cfg.natsVersion,
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		Cmd:          []string{"--port", "4222", "--http_port", "8222", "--js"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(cfg.startTimeout),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("start NATS container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("mapped port: %w", err)
	}
	url := fmt.Sprintf("nats://%s:%s", host, port.Port())

	clientOpts := append([]ClientOption{
		WithTimeout(cfg.timeout),
		WithMaxReconnects(0),
	}, cfg.clientOpts...)

	client, err := NewClient(url, clientOpts...)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	return &TestClient{Client: client, URL: url, container: container}, nil
}

// Terminate closes the client and removes the container
func (tc *TestClient) Terminate() {
	_ = tc.Client.Close(context.Background())
	_ = tc.container.Terminate(context.Background())
}
