package runtime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HealthGateError reports a service that never became healthy.
type HealthGateError struct {
	Service  string
	Attempts int
	Err      error
}

func (e *HealthGateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("service %s unhealthy after %d attempts: %v", e.Service, e.Attempts, e.Err)
	}
	return fmt.Sprintf("service %s unhealthy after %d attempts", e.Service, e.Attempts)
}

func (e *HealthGateError) Unwrap() error { return e.Err }

// Prober reports whether a started service is ready.
type Prober interface {
	Probe(ctx context.Context, service string) (bool, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, service string) (bool, error)

func (f ProberFunc) Probe(ctx context.Context, service string) (bool, error) { return f(ctx, service) }

// EngineProber considers a service ready once the engine reports at least one
// running task. Agent services carry a health command calling GET /status, so
// a running task has answered OK.
type EngineProber struct {
	Engine Engine
}

func (p EngineProber) Probe(ctx context.Context, service string) (bool, error) {
	n, err := p.Engine.RunningTasks(ctx, service)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HTTPProber polls GET <scheme>://<service>:<port>/status and expects OK.
// It is used when the orchestrator shares the scan network.
type HTTPProber struct {
	Client *http.Client
	Port   int
	HTTPS  bool
}

func (p HTTPProber) Probe(ctx context.Context, service string) (bool, error) {
	ok, err := CheckStatus(ctx, p.Client, service, p.Port, p.HTTPS)
	return ok, err
}

// CheckStatus calls the agent health endpoint at host:port.
func CheckStatus(ctx context.Context, client *http.Client, host string, port int, https bool) (bool, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	scheme := "http"
	if https {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s:%d/status", scheme, host, port)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return false, err
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	return strings.TrimSpace(string(body)) == "OK", nil
}

// Backoff is an exponential retry schedule.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// Delay returns the wait before the given retry (0-based).
func (b Backoff) Delay(retry int) time.Duration {
	d := b.Base
	for i := 0; i < retry; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// gate polls prober until service is ready or the attempts run out.
func gate(ctx context.Context, prober Prober, service string, b Backoff) error {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		ok, err := prober.Probe(ctx, service)
		if ok && err == nil {
			return nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return &HealthGateError{Service: service, Attempts: i + 1, Err: ctx.Err()}
		case <-time.After(b.Delay(i)):
		}
	}
	return &HealthGateError{Service: service, Attempts: attempts, Err: lastErr}
}

// retry runs fn up to attempts times with a fixed pause between attempts.
func retry(ctx context.Context, attempts int, pause time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
	return err
}
