package cli

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

var validHealthCheckEndpoints = map[string]string{
	"health": "/health",
	"ready":  "/ready",
	"live":   "/live",
}

// probeHealth fails unless the endpoint of the instance at bindAddress:port
// answers 200.
func probeHealth(ctx context.Context, bindAddress string, port int, endpoint string, timeout time.Duration) error {
	path, ok := validHealthCheckEndpoints[endpoint]
	if !ok {
		return fmt.Errorf("invalid endpoint: %s (valid: health, ready, live)", endpoint)
	}

	u := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(bindAddress, strconv.Itoa(port)),
		Path:   path,
	}

	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
