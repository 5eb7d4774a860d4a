package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"oxo/pkg/config"
)

const (
	breakerMaxFailures uint32 = 5
	breakerTimeout            = 30 * time.Second
	breakerInterval           = 60 * time.Second
)

// Request is a GraphQL operation.
type Request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// GraphQLError is one entry of a GraphQL errors array.
type GraphQLError struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

// ResponseError is returned when the API answers with a non-2xx status or
// a GraphQL errors payload.
type ResponseError struct {
	StatusCode int
	Errors     []GraphQLError
	Body       string
}

func (e *ResponseError) Error() string {
	if len(e.Errors) > 0 {
		msgs := make([]string, 0, len(e.Errors))
		for _, ge := range e.Errors {
			msgs = append(msgs, ge.Message)
		}
		return fmt.Sprintf("api error (status %d): %s", e.StatusCode, strings.Join(msgs, "; "))
	}
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Body)
}

// Executor runs GraphQL requests and returns the raw data object.
type Executor interface {
	Execute(ctx context.Context, req Request) (json.RawMessage, error)
}

// Client executes requests against the remote GraphQL endpoint with retries,
// a circuit breaker and a client-side rate limit.
type Client struct {
	endpoint string
	key      string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker[json.RawMessage]
	limiter  *rate.Limiter
	logger   zerolog.Logger
}

var _ Executor = (*Client)(nil)

// NewClient builds a Client from cfg.
func NewClient(cfg config.API, logger zerolog.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("api endpoint is required")
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryMax
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = nil
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.HTTPClient.Timeout = cfg.Timeout

	logger = logger.With().Str("component", "api").Logger()

	name := cfg.BreakerName
	if name == "" {
		name = "oxo-api"
	}
	cb := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
		// GraphQL errors are answers, not outages.
		IsSuccessful: func(err error) bool {
			var respErr *ResponseError
			if errors.As(err, &respErr) {
				return respErr.StatusCode < http.StatusInternalServerError
			}
			return err == nil
		},
	})

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &Client{
		endpoint: cfg.Endpoint,
		key:      cfg.Key,
		http:     retryClient.StandardClient(),
		breaker:  cb,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
	}, nil
}

// Authenticated reports whether an API key is configured.
func (c *Client) Authenticated() bool { return c.key != "" }

// Execute posts req and returns the data field of the response.
func (c *Client) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	data, err := c.breaker.Execute(func() (json.RawMessage, error) {
		return c.do(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("api circuit open: %w", err)
	}
	return data, err
}

type response struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors"`
}

func (c *Client) do(ctx context.Context, req Request) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		httpReq.Header.Set("X-Api-Key", c.key)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error().Int("status", resp.StatusCode).Str("body", string(raw)).Msg("api error")
		return nil, &ResponseError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var out response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(out.Errors) > 0 {
		return nil, &ResponseError{StatusCode: resp.StatusCode, Errors: out.Errors, Body: string(raw)}
	}
	return out.Data, nil
}
