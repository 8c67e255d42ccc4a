// Package client talks to the AI providers that turn a user request into a
// command payload or a script.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 90 * time.Second
	defaultMaxAttempts    = 3
	defaultBaseBackoff    = 200 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
	defaultMaxTokens      = 4096
)

// Providers NewAsker understands.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
)

var defaultModels = map[string]string{
	ProviderAnthropic: "claude-sonnet-4-5-20250929",
	ProviderOpenAI:    "gpt-4.1",
	ProviderGemini:    "gemini-2.5-flash",
}

// DefaultModel returns the model used when none is configured.
func DefaultModel(provider string) string {
	return defaultModels[provider]
}

// Prompt is one request to the model.
type Prompt struct {
	System string
	User   string
}

// Asker sends a prompt and returns the raw response text.
type Asker interface {
	Ask(ctx context.Context, p Prompt) (string, error)
}

// AskerFunc adapts a function to Asker.
type AskerFunc func(ctx context.Context, p Prompt) (string, error)

func (f AskerFunc) Ask(ctx context.Context, p Prompt) (string, error) { return f(ctx, p) }

// Options selects and configures a provider.
type Options struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	Logger   *zap.Logger
}

// NewAsker builds the configured provider wrapped in Retrying.
func NewAsker(ctx context.Context, opts Options) (Asker, error) {
	if opts.Provider == "" {
		opts.Provider = ProviderAnthropic
	}
	if opts.Model == "" {
		opts.Model = DefaultModel(opts.Provider)
	}
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("no API key for %s; run `sheetpilot auth login` or set SHEETPILOT_API_KEY", opts.Provider)
	}

	var next Asker
	switch opts.Provider {
	case ProviderAnthropic:
		next = NewAnthropic(opts.APIKey, opts.Model, opts.BaseURL)
	case ProviderOpenAI:
		next = NewOpenAI(opts.APIKey, opts.Model, opts.BaseURL)
	case ProviderGemini:
		g, err := NewGemini(ctx, opts.APIKey, opts.Model, opts.BaseURL)
		if err != nil {
			return nil, err
		}
		next = g
	default:
		return nil, fmt.Errorf("unknown provider %q (expected %s, %s or %s)", opts.Provider, ProviderAnthropic, ProviderOpenAI, ProviderGemini)
	}
	return NewRetrying(next, opts.Logger), nil
}

// Retrying retries transient provider failures with jittered exponential
// backoff, honoring the delay a provider asks for.
type Retrying struct {
	next   Asker
	logger *zap.Logger

	requestTimeout time.Duration
	maxAttempts    int
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	sleep          func(context.Context, time.Duration) error
	randInt63n     func(int64) int64
}

// NewRetrying wraps next.
func NewRetrying(next Asker, logger *zap.Logger) *Retrying {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{
		next:           next,
		logger:         logger,
		requestTimeout: defaultRequestTimeout,
		maxAttempts:    defaultMaxAttempts,
		baseBackoff:    defaultBaseBackoff,
		maxBackoff:     defaultMaxBackoff,
		sleep:          sleepContext,
		randInt63n:     rand.Int63n,
	}
}

func (r *Retrying) Ask(ctx context.Context, p Prompt) (string, error) {
	attempts := max(r.maxAttempts, 1)
	timeout := r.requestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	var err error
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		var text string
		text, err = r.next.Ask(attemptCtx, p)
		cancel()
		if err == nil {
			r.logger.Debug("model responded", zap.Int("attempt", attempt), zap.Duration("elapsed", time.Since(start)), zap.Int("bytes", len(text)))
			return text, nil
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("AI request cancelled: %w", ctx.Err())
		}

		wait, retry := r.nextDelay(err, attempt)
		if !retry || attempt == attempts {
			return "", fmt.Errorf("AI request failed after %d attempt(s): %w", attempt, err)
		}
		r.logger.Debug("retrying model request", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		if serr := r.sleep(ctx, wait); serr != nil {
			return "", fmt.Errorf("AI request cancelled: %w", serr)
		}
	}
}

// nextDelay reports whether err is worth another attempt and how long to
// wait before it. A provider-supplied delay wins over backoff.
func (r *Retrying) nextDelay(err error, attempt int) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if !apiErr.Retryable() {
			return 0, false
		}
		if apiErr.RetryAfter > 0 {
			return apiErr.RetryAfter, true
		}
		return r.backoff(attempt), true
	}
	if timedOut(err) {
		return r.backoff(attempt), true
	}
	return 0, false
}

// backoff doubles baseBackoff per attempt up to maxBackoff, then applies
// full jitter in [0, delay).
func (r *Retrying) backoff(attempt int) time.Duration {
	ceiling := r.maxBackoff
	if ceiling <= 0 {
		ceiling = defaultMaxBackoff
	}
	delay := r.baseBackoff
	if delay <= 0 {
		delay = defaultBaseBackoff
	}
	for i := 1; i < attempt && delay < ceiling; i++ {
		delay *= 2
	}
	delay = min(delay, ceiling)
	if r.randInt63n != nil {
		delay = time.Duration(r.randInt63n(int64(delay)))
	}
	return delay
}

// timedOut matches per-attempt deadlines and network timeouts. A cancelled
// context is never retried.
func timedOut(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// parseRetryAfter reads a Retry-After header, either delta-seconds or an
// HTTP date relative to now.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return max(time.Duration(secs)*time.Second, 0)
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0)
	}
	return 0
}

var retryableStatuses = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// APIError is a typed provider error with the HTTP status code.
type APIError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
	// RetryAfter is the wait the provider asked for, zero when it sent none.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if friendly := friendlyErrorMessage(e.StatusCode, e.RetryAfter); friendly != "" {
		return friendly
	}
	if e.Code != "" {
		return fmt.Sprintf("%s API error %d: %s: %s", e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	return retryableStatuses[e.StatusCode]
}

// friendlyErrorMessage translates statuses the user can act on.
func friendlyErrorMessage(statusCode int, retryAfter time.Duration) string {
	switch statusCode {
	case http.StatusTooManyRequests:
		if retryAfter > 0 {
			return fmt.Sprintf("rate limited by API; retry after %s", retryAfter)
		}
		return "rate limited by API; retry in a moment"
	case http.StatusUnauthorized:
		return "API key rejected; run `sheetpilot auth login` with a valid key"
	default:
		return ""
	}
}

// IsUnauthorized reports whether err is a 401 APIError.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized
	}
	return false
}
