package healthcheck

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCheck builds a CheckFunc that pings client, grounded in the
// teacher's RedisHealthCheck.
func RedisCheck(client *redis.Client) CheckFunc {
	return func(ctx context.Context) (Status, time.Duration, error, map[string]interface{}) {
		start := time.Now()
		pong, err := client.Ping(ctx).Result()
		rt := time.Since(start)
		if err != nil {
			return StatusUnhealthy, rt, err, nil
		}

		status := StatusHealthy
		if rt > 500*time.Millisecond {
			status = StatusDegraded
		}
		return status, rt, nil, map[string]interface{}{"ping_response": pong}
	}
}

// HTTPCheck builds a CheckFunc that performs a GET against url,
// grounded in the teacher's HTTPHealthCheck. Used for the LLM backend,
// which has no dedicated health path of its own.
func HTTPCheck(url string, timeout time.Duration) CheckFunc {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) (Status, time.Duration, error, map[string]interface{}) {
		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return StatusUnhealthy, 0, err, nil
		}

		resp, err := client.Do(req)
		rt := time.Since(start)
		if err != nil {
			return StatusUnhealthy, rt, err, nil
		}
		defer resp.Body.Close()

		details := map[string]interface{}{"status_code": resp.StatusCode}
		status := StatusHealthy
		if resp.StatusCode >= 500 {
			status = StatusUnhealthy
		} else if rt > 2*time.Second {
			status = StatusDegraded
		}
		return status, rt, nil, details
	}
}
