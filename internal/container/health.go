package container

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/neodock/neodock/pkg/logging"
)

// HealthCheckConfig contains configuration for container health checks.
type HealthCheckConfig struct {
	TCPTimeout  time.Duration
	HTTPTimeout time.Duration
}

// DefaultHealthCheckConfig returns sensible defaults for health checking.
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		TCPTimeout:  2 * time.Second,
		HTTPTimeout: 5 * time.Second,
	}
}

// CheckListening reports whether something accepts TCP connections on
// host:port. Refused connections and timeouts are expected during startup
// and only logged at debug level.
func CheckListening(ctx context.Context, host string, port int, cfg HealthCheckConfig, logger *logging.Logger) bool {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: cfg.TCPTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		logger.Debug("Health check TCP failed", "addr", addr, "error", err)
		return false
	}
	conn.Close()
	return true
}

// CheckHTTP reports whether url answers with a non-5xx status. Neo4j serves
// its discovery document on the root of the HTTP port.
func CheckHTTP(ctx context.Context, client *http.Client, url string, logger *logging.Logger) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		logger.Debug("Health check HTTP failed", "url", url, "error", err)
		return false
	}
	defer func() {
		// Drain body to allow connection reuse
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 500
	if !healthy {
		logger.Debug("Health check HTTP unexpected status", "url", url, "status", resp.StatusCode)
	}
	return healthy
}

// NewHealthClient returns an HTTP client suited to local health probes.
func NewHealthClient(cfg HealthCheckConfig) *http.Client {
	return &http.Client{
		Timeout: cfg.HTTPTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     30 * time.Second,
		},
	}
}
