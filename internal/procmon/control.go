package procmon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// WorkerMetrics are automation-specific readings from a worker's control
// endpoint.
type WorkerMetrics struct {
	OpenPages     int  `json:"open_pages"`
	NetworkActive bool `json:"network_active"`
}

// ControlClient talks to a worker's control endpoint: a lightweight health
// probe plus automation metrics. Workers expose either an HTTP endpoint
// (GET /healthz, GET /metrics) or a gRPC endpoint implementing the standard
// health service, selected by the grpc:// URL scheme.
type ControlClient interface {
	Probe(ctx context.Context, endpoint string) error
	Metrics(ctx context.Context, endpoint string) (WorkerMetrics, error)
}

type endpointClient struct {
	http *http.Client

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewControlClient creates the stock control endpoint client.
func NewControlClient(timeout time.Duration) ControlClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &endpointClient{
		http:  &http.Client{Timeout: timeout},
		conns: make(map[string]*grpc.ClientConn),
	}
}

func (c *endpointClient) Probe(ctx context.Context, endpoint string) error {
	if target, ok := strings.CutPrefix(endpoint, "grpc://"); ok {
		return c.probeGRPC(ctx, target)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe %s: unexpected status %d", endpoint, resp.StatusCode)
	}
	return nil
}

func (c *endpointClient) probeGRPC(ctx context.Context, target string) error {
	conn, err := c.conn(target)
	if err != nil {
		return err
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("grpc health check %s: %w", target, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health check %s: status %s", target, resp.GetStatus())
	}
	return nil
}

func (c *endpointClient) conn(target string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[target]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial worker endpoint %s: %w", target, err)
	}
	c.conns[target] = conn
	return conn, nil
}

func (c *endpointClient) Metrics(ctx context.Context, endpoint string) (WorkerMetrics, error) {
	var out WorkerMetrics
	if strings.HasPrefix(endpoint, "grpc://") {
		// gRPC workers report automation metrics through the event bus
		// instead of a poll endpoint.
		return out, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/metrics", nil)
	if err != nil {
		return out, fmt.Errorf("build metrics request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("fetch metrics %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("fetch metrics %s: unexpected status %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode metrics %s: %w", endpoint, err)
	}
	return out, nil
}
