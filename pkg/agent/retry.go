package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"appforge/pkg/logx"
)

// RetryConfig defines retry behavior for a completion client.
type RetryConfig struct {
	MaxRetries    int           // retry attempts after the first call
	InitialDelay  time.Duration // delay before the first retry
	MaxDelay      time.Duration // ceiling on the backoff delay
	BackoffFactor float64       // multiplier per attempt
	Jitter        bool          // randomize delays to avoid thundering herd
}

// DefaultRetryConfig provides reasonable defaults.
var DefaultRetryConfig = RetryConfig{ //nolint:gochecknoglobals
	MaxRetries:    3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// RetryableError lets errors declare whether a retry can help.
type RetryableError interface {
	error
	ShouldRetry() bool
}

// TransientError wraps an error that should be retried.
type TransientError struct {
	Underlying error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error: %v", e.Underlying)
}

// ShouldRetry implements RetryableError.
func (e *TransientError) ShouldRetry() bool { return true }

func (e *TransientError) Unwrap() error { return e.Underlying }

// NewTransientError wraps err as retryable.
func NewTransientError(err error) *TransientError {
	return &TransientError{Underlying: err}
}

// classifyProviderError decides whether a provider error is worth
// retrying. Rate limits, 5xx responses, and transport timeouts are
// transient; everything else (auth, bad request) is permanent.
func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	transient := []string{
		"429", "rate limit", "overloaded",
		"500", "502", "503", "504",
		"timeout", "connection reset", "connection refused", "eof",
	}
	for _, marker := range transient {
		if strings.Contains(msg, marker) {
			return NewTransientError(err)
		}
	}
	return err
}

// RetryableClient wraps a CompletionClient with exponential backoff.
type RetryableClient struct {
	client CompletionClient
	logger *logx.Logger
	config RetryConfig
}

// NewRetryableClient decorates client with retry logic.
func NewRetryableClient(client CompletionClient, config RetryConfig, logger *logx.Logger) *RetryableClient {
	return &RetryableClient{
		client: client,
		config: config,
		logger: logger,
	}
}

// ModelName implements CompletionClient.
func (r *RetryableClient) ModelName() string {
	return r.client.ModelName()
}

// Complete implements CompletionClient with retries on transient
// errors. Context cancellation aborts the backoff sleep immediately.
func (r *RetryableClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)
			if r.logger != nil {
				r.logger.Debug("retrying completion (attempt %d/%d) after %v: %v",
					attempt, r.config.MaxRetries, delay, lastErr)
			}
			select {
			case <-ctx.Done():
				return CompletionResponse{}, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		resp, err := r.client.Complete(ctx, in)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return CompletionResponse{}, err
		}
	}

	return CompletionResponse{}, fmt.Errorf("completion failed after %d attempts: %w", r.config.MaxRetries+1, lastErr)
}

func shouldRetry(err error) bool {
	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.ShouldRetry()
	}
	return false
}

func (r *RetryableClient) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		// +/-25% jitter.
		delay *= 0.75 + rand.Float64()*0.5 //nolint:gosec // not cryptographic
	}
	return time.Duration(delay)
}
