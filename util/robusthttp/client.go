package robusthttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// LeveledSlog adapts a slog.Logger to retryablehttp.LeveledLogger.
type LeveledSlog struct {
	inner *slog.Logger
}

// intermediate request failures are retried, so ERROR is logged as WARN
func (l LeveledSlog) Error(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Warn(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Info(msg string, keysAndValues ...any) {
	l.inner.Debug(msg, keysAndValues...)
}

func (l LeveledSlog) Debug(msg string, keysAndValues ...any) {
	l.inner.Debug(msg, keysAndValues...)
}

type config struct {
	retry   *retryablehttp.Client
	timeout time.Duration
}

type Option func(*config)

func WithMaxRetries(maxRetries int) Option {
	return func(c *config) {
		c.retry.RetryMax = maxRetries
	}
}

// WithRetryWait sets the bounds of the exponential backoff between attempts.
func WithRetryWait(waitMin, waitMax time.Duration) Option {
	return func(c *config) {
		c.retry.RetryWaitMin = waitMin
		c.retry.RetryWaitMax = waitMax
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.retry.Logger = retryablehttp.LeveledLogger(LeveledSlog{inner: logger})
	}
}

// WithTimeout bounds a whole request, including retries. Callers can also bound individual fetches with a context deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

func WithTransport(transport http.RoundTripper) Option {
	return func(c *config) {
		c.retry.HTTPClient.Transport = transport
	}
}

// NewClient returns a stdlib *http.Client which retries connection errors and 5xx responses (except 501) with backoff, and traces requests with OpenTelemetry.
//
// Defaults suit a periodic poller: two retries, short waits, and a 30 second overall timeout.
func NewClient(options ...Option) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Transport = otelhttp.NewTransport(cleanhttp.DefaultPooledTransport())
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(LeveledSlog{inner: slog.Default().With("subsystem", "robusthttp")})
	retryClient.CheckRetry = DefaultRetryPolicy

	c := &config{retry: retryClient, timeout: 30 * time.Second}
	for _, option := range options {
		option(c)
	}

	client := retryClient.StandardClient()
	client.Timeout = c.timeout
	return client
}

// DefaultRetryPolicy wraps retryablehttp.DefaultRetryPolicy, but does not retry `429 Too Many Requests`: the next scheduled poll is the retry.
func DefaultRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}
