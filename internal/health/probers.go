package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/miradorstack/mirador-recovery/internal/models"
)

// Prober performs one health check against a target. A returned error means the target could
// not be reached and is reported as UNREACHABLE.
type Prober interface {
	Probe(ctx context.Context) (models.HealthOutcome, string, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (models.HealthOutcome, string, error)

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) (models.HealthOutcome, string, error) {
	return f(ctx)
}

// outcomeFromStatus maps the free-form status reported by targets onto a health outcome.
func outcomeFromStatus(status string) models.HealthOutcome {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", "ok", "up", "pass", "healthy", "serving":
		return models.HealthHealthy
	case "degraded", "warn", "warning":
		return models.HealthDegraded
	default:
		return models.HealthUnreachable
	}
}

// HTTPProber calls the target's health endpoint, which answers {"status": ..., "detail": ...}.
type HTTPProber struct {
	url        string
	httpClient *http.Client
}

// NewHTTPProber constructs an HTTPProber for baseURL + path.
func NewHTTPProber(baseURL, path string, timeout time.Duration) *HTTPProber {
	if path == "" {
		path = "/health"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &HTTPProber{
		url:        strings.TrimRight(baseURL, "/") + path,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) (models.HealthOutcome, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return models.HealthUnreachable, "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return models.HealthUnreachable, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return models.HealthUnreachable, "", fmt.Errorf("read health response: %w", err)
	}
	var body struct {
		Status string `json:"status"`
		Detail string `json:"detail"`
	}
	_ = json.Unmarshal(data, &body)

	switch {
	case resp.StatusCode >= 500:
		detail := firstNonEmpty(body.Detail, strings.TrimSpace(string(data)))
		return models.HealthUnreachable, fmt.Sprintf("http %d: %s", resp.StatusCode, detail), nil
	case resp.StatusCode >= 300:
		return models.HealthDegraded, fmt.Sprintf("http %d", resp.StatusCode), nil
	}
	return outcomeFromStatus(body.Status), body.Detail, nil
}

// GRPCProber uses the standard gRPC health checking protocol.
type GRPCProber struct {
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
	service string
}

// NewGRPCProber dials address lazily; the connection is established on first probe.
func NewGRPCProber(address, service string) (*GRPCProber, error) {
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc client for %s: %w", address, err)
	}
	return &GRPCProber{conn: conn, client: healthpb.NewHealthClient(conn), service: service}, nil
}

// Probe implements Prober.
func (p *GRPCProber) Probe(ctx context.Context) (models.HealthOutcome, string, error) {
	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return models.HealthUnreachable, "", err
	}
	switch resp.GetStatus() {
	case healthpb.HealthCheckResponse_SERVING:
		return models.HealthHealthy, "", nil
	case healthpb.HealthCheckResponse_NOT_SERVING:
		return models.HealthDegraded, "not serving", nil
	default:
		return models.HealthDegraded, strings.ToLower(resp.GetStatus().String()), nil
	}
}

// Close releases the connection.
func (p *GRPCProber) Close() error {
	return p.conn.Close()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
