package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// localHosts are the backend hosts the gateway will agree to talk to.
var localHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
	"openclaw":  true,
	"ollama":    true,
	"localai":   true,
}

// VerifyLocalTarget rejects backend URLs that do not point at a local
// completion service.
func VerifyLocalTarget(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid backend URL %q: %w", rawURL, err)
	}
	host := strings.ToLower(parsed.Hostname())
	if !localHosts[host] {
		return fmt.Errorf("backend host %q is not local, refusing startup", host)
	}
	return nil
}

// WaitReady polls the backend health endpoint until it answers with any
// status below 500, the attempt budget runs out, or ctx is cancelled. It
// reports whether the backend became reachable; callers may proceed either
// way.
func (e *Engine) WaitReady(ctx context.Context) bool {
	target := strings.TrimRight(e.cfg.BaseURL, "/") + "/health"

	for i := 1; i <= e.readyAttempts; i++ {
		if e.probe(ctx, target) {
			e.log.Info("backend reachable", "attempts", i)
			return true
		}

		if ctx.Err() != nil {
			return false
		}
		e.log.Info("waiting for backend", "attempt", i, "max_attempts", e.readyAttempts)
		e.sleep(e.readyInterval)
	}

	e.log.Error("backend not reachable, gateway may return errors",
		"attempts", e.readyAttempts)
	return false
}

// probe issues one health request with its own bounded timeout, so a backend
// that accepts connections but never answers cannot stall an attempt.
func (e *Engine) probe(ctx context.Context, target string) bool {
	ctx, cancel := context.WithTimeout(ctx, e.readyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	if e.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.Token)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}
