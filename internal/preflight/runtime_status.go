package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"maisi/internal/config"
	"maisi/internal/runtime/remote"
)

const runtimeCheckTimeout = 10 * time.Second

// CheckRuntime verifies that the configured model runtime answers. The
// built-in pooling backend always passes. A remote server gets one health
// request without retries.
func CheckRuntime(ctx context.Context, cfg config.Runtime) Result {
	const name = "Model runtime"

	switch cfg.Backend {
	case config.BackendPooling:
		return Result{Name: name, Passed: true, Detail: "built-in pooling backend"}
	case config.BackendRemote:
	default:
		return Result{Name: name, Detail: fmt.Sprintf("unknown backend %q", cfg.Backend)}
	}

	client, err := remote.New(remote.Config{BaseURL: cfg.URL}, remote.WithRetry(1, 0, 0))
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	defer client.Close()

	checkCtx, cancel := context.WithTimeout(ctx, runtimeCheckTimeout)
	defer cancel()

	health, err := client.Health(checkCtx)
	if err != nil {
		return Result{Name: name, Detail: summarizeRuntimeError(cfg.URL, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s reachable (%s, %d models loaded)", cfg.URL, health.Backend, len(health.Models))}
}

// summarizeRuntimeError produces a human-readable summary for health check failures.
func summarizeRuntimeError(url string, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("%s health check timed out (runtime unresponsive)", url)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("%s health check timed out (runtime unreachable)", url)
	}
	return err.Error()
}
