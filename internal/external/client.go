// Package external provides the anti-corruption layer between the billing
// domain logic and the payment providers. All outbound HTTP calls are routed
// through the BaseClient, which enforces consistent resilience patterns:
// circuit breaking, retries with exponential backoff, trace propagation, and
// error mapping. Nothing outside this package sees a provider wire type.
package external

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"leadscout/internal/types"

	"github.com/sony/gobreaker/v2"
)

// RetryPolicy configures the retry behavior for the BaseClient.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns the retry defaults used against the payment
// provider APIs. Checkout and cancel calls sit on an interactive path, so the
// ceiling stays low enough to fail within the request timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		MinWait:    500 * time.Millisecond,
		MaxWait:    10 * time.Second,
	}
}

// newProviderBreaker builds the circuit breaker shared by all provider
// clients: trip after five consecutive failures, probe one request after a
// 30 second cool-off.
func newProviderBreaker(name string) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
}

// BaseClient wraps an *http.Client and a circuit breaker. The Stripe and
// Mercado Pago clients embed one each, so a melting provider trips its own
// breaker without affecting the other.
type BaseClient struct {
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy RetryPolicy
	userAgent   string
	sleepFn     func(time.Duration)
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc overrides the sleep function used between retries.
// This is intended for testing to avoid real delays.
func WithSleepFunc(fn func(time.Duration)) BaseClientOption {
	return func(c *BaseClient) {
		c.sleepFn = fn
	}
}

// NewBaseClient creates a BaseClient with its own circuit breaker.
func NewBaseClient(
	httpClient *http.Client,
	breakerName string,
	retryPolicy RetryPolicy,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	return NewBaseClientWithBreaker(httpClient, newProviderBreaker(breakerName), retryPolicy, userAgent, opts...)
}

// NewBaseClientWithBreaker creates a BaseClient around a caller-provided
// circuit breaker, for tests that need to drive the breaker state directly.
func NewBaseClientWithBreaker(
	httpClient *http.Client,
	breaker *gobreaker.CircuitBreaker[*http.Response],
	retryPolicy RetryPolicy,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	bc := &BaseClient{
		client:      httpClient,
		breaker:     breaker,
		retryPolicy: retryPolicy,
		userAgent:   userAgent,
		sleepFn:     time.Sleep,
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

// Do executes the request through the breaker with bounded retries.
//
// Retries fire only on 429 and 5xx; any other status, including 4xx errors
// the caller must interpret (declined cards, bad preapproval ids), is
// returned as-is with an open body. The request body is snapshotted up front
// so every attempt replays identical bytes.
//
// When retries are exhausted or the breaker is open, Do returns a
// types.AppError from the upstream_ family and no response.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if traceID := types.GetRequestID(req.Context()); traceID != "" {
		req.Header.Set("X-B3-TraceId", traceID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	body, err := snapshotBody(req)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to read request body for retry support",
			err,
		)
	}

	var lastResp *http.Response
	var lastErr error

	attempts := 1 + c.retryPolicy.MaxRetries
	for attempt := 0; attempt < attempts; attempt++ {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
		}

		resp, attemptErr := c.breaker.Execute(func() (*http.Response, error) {
			return c.send(req)
		})
		if attemptErr == nil {
			return resp, nil
		}
		lastErr = attemptErr

		final := attempt == attempts-1
		if resp != nil {
			if final {
				lastResp = resp
			} else {
				resp.Body.Close()
			}
		}

		// An open breaker fails every attempt identically; stop early.
		if errors.Is(attemptErr, gobreaker.ErrOpenState) || errors.Is(attemptErr, gobreaker.ErrTooManyRequests) {
			break
		}

		// Statuses the breaker flagged are retryable by construction; anything
		// else that produced a response belongs to the caller.
		if resp != nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}

		if !final {
			c.sleepFn(c.computeBackoff(attempt, resp))
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	return nil, c.mapError(lastResp, lastErr)
}

// send performs one transport round trip, reporting 429 and 5xx as errors so
// the breaker counts them as failures.
func (c *BaseClient) send(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if retryableStatus(resp.StatusCode) {
		return resp, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	return resp, nil
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// snapshotBody drains and closes the request body so attempts can replay it.
// Returns nil for bodyless requests (GET, DELETE).
func snapshotBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

// computeBackoff determines the wait before the next attempt. A parseable
// Retry-After header wins; otherwise exponential backoff with full jitter,
// clamped to [MinWait, MaxWait].
func (c *BaseClient) computeBackoff(attempt int, resp *http.Response) time.Duration {
	if wait, ok := c.retryAfterWait(resp); ok {
		return wait
	}

	ceiling := float64(c.retryPolicy.MinWait) * math.Pow(2, float64(attempt))
	if max := float64(c.retryPolicy.MaxWait); ceiling > max {
		ceiling = max
	}
	floor := float64(c.retryPolicy.MinWait)
	if ceiling <= floor {
		return c.retryPolicy.MinWait
	}
	return time.Duration(floor + rand.Float64()*(ceiling-floor))
}

// retryAfterWait reads the Retry-After header in either delta-seconds or
// HTTP-date form. Stripe sends delta-seconds on 429s.
func (c *BaseClient) retryAfterWait(resp *http.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0, false
	}

	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		wait := time.Duration(seconds) * time.Second
		if wait > c.retryPolicy.MaxWait {
			wait = c.retryPolicy.MaxWait
		}
		return wait, true
	}
	if t, err := http.ParseTime(header); err == nil {
		wait := time.Until(t)
		if wait <= 0 {
			return c.retryPolicy.MinWait, true
		}
		if wait > c.retryPolicy.MaxWait {
			wait = c.retryPolicy.MaxWait
		}
		return wait, true
	}
	return 0, false
}

// mapError translates exhausted transport failures into the AppError taxonomy.
func (c *BaseClient) mapError(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			"circuit breaker is open; upstream service unavailable",
			err,
		)
	}

	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return types.NewAppError(
				types.ErrCodeUpstreamRateLimited,
				"upstream rate limit exceeded",
				err,
			)
		case resp.StatusCode >= 500:
			return types.NewAppError(
				types.ErrCodeUpstreamProvider,
				fmt.Sprintf("upstream returned %d after retries", resp.StatusCode),
				err,
			)
		}
	}

	// Network-level failure: DNS, connect timeout, TLS.
	return types.NewAppError(
		types.ErrCodeInternalUnexpected,
		"upstream request failed",
		err,
	)
}
